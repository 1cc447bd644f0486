package db_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-cryptostore/internal/db"
	"github.com/meow-io/go-cryptostore/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var migrations = []*db.Migration{
	{
		Name: "create kv",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v BLOB NOT NULL)`)
			return err
		},
	},
	{
		Name: "seed kv",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('seed', x'01')`)
			return err
		},
	},
}

func count(t *testing.T, d *db.Database) int {
	var n int
	require.Nil(t, d.RunReadOnly(context.Background(), "count", func() error {
		return d.Tx.Get(&n, "SELECT count(*) FROM kv")
	}))
	return n
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := test.Config()
	path := test.TempName()
	d := test.OpenTestDatabase(c, path)
	require.Nil(d.Migrate(ctx, "kv", migrations))
	require.Nil(d.Migrate(ctx, "kv", migrations))
	require.Equal(1, count(t, d))
	require.Nil(d.Shutdown())

	d = test.OpenTestDatabase(c, path)
	defer d.Shutdown()
	require.Nil(d.Migrate(ctx, "kv", migrations))
	require.Equal(1, count(t, d))
	require.NotNil(d.Migrate(ctx, "kv", migrations[:1]))
}

func TestRunRollsBackOnError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := test.NewTestDatabase(test.Config())
	defer d.Shutdown()
	require.Nil(d.Migrate(ctx, "kv", migrations))

	boom := errors.New("boom")
	committed := false
	err := d.Run(ctx, "failing insert", func() error {
		d.AfterCommit(func() { committed = true })
		if _, err := d.Tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', x'02')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)
	require.False(committed)
	require.Equal(1, count(t, d))
}

func TestAfterCommitRunsBeforeReturn(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := test.NewTestDatabase(test.Config())
	defer d.Shutdown()
	require.Nil(d.Migrate(ctx, "kv", migrations))

	var order []string
	require.Nil(d.Run(ctx, "insert", func() error {
		d.AfterCommit(func() { order = append(order, "first") })
		d.AfterCommit(func() { order = append(order, "second") })
		_, err := d.Tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', x'02')`)
		return err
	}))
	require.Equal([]string{"first", "second"}, order)
	require.Equal(2, count(t, d))
}

func TestLockHonoursContext(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.Config())
	defer d.Shutdown()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- d.Lock(context.Background(), "holder", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Lock(ctx, "waiter", func() error { return nil })
	require.ErrorIs(err, context.DeadlineExceeded)

	close(release)
	require.Nil(<-done)
}

func TestTwoHandlesShareData(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	c := test.Config()
	path := test.TempName()
	d1 := test.OpenTestDatabase(c, path)
	defer d1.Shutdown()
	require.Nil(d1.Migrate(ctx, "kv", migrations))
	d2 := test.OpenTestDatabase(c, path)
	defer d2.Shutdown()
	require.Nil(d2.Migrate(ctx, "kv", migrations))

	require.Nil(d1.Run(ctx, "insert", func() error {
		_, err := d1.Tx.Exec(`INSERT INTO kv (k, v) VALUES ('a', x'02')`)
		return err
	}))
	require.Equal(2, count(t, d2))
}
