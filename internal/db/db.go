// This package defines a SQLCipher database. It provides some default setup options and provides an interface
// for running functions inside a transaction and after it commits.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-cryptostore/config"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	stateNew = iota
	stateInitialized
	stateRunning
)

const driverName = "sqlite3_cryptostore"

var registerOnce sync.Once

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	Tx   *sqlx.Tx

	config    *config.Config
	state     int
	lock      chan struct{}
	path      string
	callbacks []func()
}

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	var state int

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			state = stateNew
		} else {
			return nil, err
		}
	} else {
		state = stateInitialized
	}

	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{})
	})
	return &Database{
		Log:    log,
		lock:   make(chan struct{}, 1),
		config: c,
		path:   path,
		state:  state,
	}, nil
}

func (db *Database) Initialize(key []byte) error {
	if db.state != stateNew {
		return fmt.Errorf("wrong state, expected %d got %d", stateNew, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state == stateInitialized
}

func (db *Database) Running() bool {
	return db.state == stateRunning
}

func (db *Database) Open(key []byte) error {
	if db.state != stateInitialized {
		return fmt.Errorf("wrong state, expected %d got %d", stateInitialized, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

// Shutdown waits for the running transaction, if any, and closes the connection.
func (db *Database) Shutdown() error {
	return db.Lock(context.Background(), "shutdown", func() error {
		if db.Conn == nil {
			return nil
		}
		if err := db.Conn.Close(); err != nil {
			return err
		}
		db.Conn = nil
		db.state = stateInitialized
		return nil
	})
}

func (db *Database) Migrate(ctx context.Context, name string, migrations []*Migration) error {
	m, err := newMigrator(db.config, db, name, migrations)
	if err != nil {
		return err
	}
	return m.migrate(ctx)
}

// AfterCommit registers f to run once the current transaction commits. Callbacks run in registration order
// before Run returns.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}

	db.callbacks = append(db.callbacks, f)
}

// Lock runs runner while holding the database lock. It gives up if ctx is done before the lock is obtained.
func (db *Database) Lock(ctx context.Context, label string, runner RunnerFunc) error {
	start := time.Now()
	db.Log.Debugf("Starting %s", label)
	select {
	case db.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	obtained := time.Now()
	db.Log.Debugf("Obtained lock %s", label)
	defer func() {
		db.Log.Debugf("Completed lock %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		<-db.lock
	}()
	return runner()
}

func (db *Database) runTx(ctx context.Context, label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic("db: expected tx to be nil")
	}
	if db.Conn == nil {
		return fmt.Errorf("db: %s on closed database", label)
	}

	defer func() {
		db.Tx = nil
	}()

	var err error
	db.Tx, err = db.Conn.BeginTxx(ctx, txOptions)
	if err != nil {
		db.Tx = nil
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}

	db.callbacks = make([]func(), 0)
	if runerr := runner(); runerr != nil {
		db.Log.Debugf("rolling back %s due to %v", label, runerr)
		if err := db.Tx.Rollback(); err != nil {
			db.Log.Warnf("error while rolling back %s with %v", label, err)
		}
		return fmt.Errorf("error during %s: %w", label, runerr)
	}
	db.Log.Debugf("committing %s", label)
	if err := db.Tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s with %v", label, err)
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	callbacks := db.callbacks
	db.callbacks = nil
	for _, f := range callbacks {
		f()
	}
	return nil
}

func (db *Database) Run(ctx context.Context, label string, runner RunnerFunc) error {
	return db.Lock(ctx, label, func() error {
		return db.runTx(ctx, label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
	})
}

func (db *Database) RunReadOnly(ctx context.Context, label string, runner RunnerFunc) error {
	return db.Lock(ctx, label, func() error {
		return db.runTx(ctx, label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
	})
}

func (db *Database) setupConnection(key []byte) (*sqlx.DB, error) {
	busyTimeout := db.config.BusyTimeoutMs
	formattedPath := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_secure_delete=on&_journal_mode=WAL&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), busyTimeout, key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s %w", db.path, err)
	}

	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	if _, err := conn.Exec(fmt.Sprintf("pragma busy_timeout=%d", busyTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: error setting busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA temp_store = 2"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db: error setting temp_store: %w", err)
	}
	return conn, nil
}
