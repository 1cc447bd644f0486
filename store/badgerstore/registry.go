package badgerstore

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// badger holds an exclusive lock on its directory, so handles opened on the same directory share one *badger.DB.
var registry = struct {
	sync.Mutex
	dbs map[string]*sharedDB
}{dbs: make(map[string]*sharedDB)}

type sharedDB struct {
	db   *badger.DB
	refs int
}

func acquire(dir string, log *zap.SugaredLogger) (*badger.DB, string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", err
	}
	registry.Lock()
	defer registry.Unlock()
	if shared, ok := registry.dbs[abs]; ok {
		shared.refs++
		return shared.db, abs, nil
	}
	opts := badger.DefaultOptions(abs).WithLogger(&badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, "", fmt.Errorf("badgerstore: error opening %s: %w", abs, err)
	}
	registry.dbs[abs] = &sharedDB{db: db, refs: 1}
	return db, abs, nil
}

func release(abs string) error {
	registry.Lock()
	defer registry.Unlock()
	shared, ok := registry.dbs[abs]
	if !ok {
		return nil
	}
	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	delete(registry.dbs, abs)
	return shared.db.Close()
}

// badgerLogger adapts a zap logger to badger's Logger interface.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
