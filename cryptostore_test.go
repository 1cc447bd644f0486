package cryptostore

import (
	"context"
	"os"
	"testing"

	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/internal/test"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/store/badgerstore"
	"github.com/meow-io/go-cryptostore/store/memorystore"
	"github.com/meow-io/go-cryptostore/store/sqlstore"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newConfig(backend string) *config.Config {
	return config.NewConfig(
		config.WithRootDir(test.TempName()),
		config.WithLogFile(""),
		config.WithBackend(backend),
	)
}

func TestOpenSelectsBackend(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	s, err := Open(ctx, newConfig(config.BackendMemory), "")
	require.Nil(err)
	require.IsType(&memorystore.Store{}, s)
	require.Nil(s.Close())

	s, err = Open(ctx, newConfig(config.BackendSQLite), "pass")
	require.Nil(err)
	require.IsType(&sqlstore.Store{}, s)
	require.Nil(s.Close())

	s, err = Open(ctx, newConfig(config.BackendBadger), "pass")
	require.Nil(err)
	require.IsType(&badgerstore.Store{}, s)
	require.Nil(s.Close())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	require := require.New(t)
	_, err := Open(context.Background(), newConfig("postgres"), "")
	require.NotNil(err)
}

func TestDurableBackendsReopen(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()
			c := newConfig(backend)

			s, err := Open(ctx, c, "secret")
			require.Nil(err)
			account, err := olm.NewAccount("@alice:example.org", "ALICEDEVICE")
			require.Nil(err)
			require.Nil(s.SaveAccount(ctx, account))
			require.Nil(s.Close())

			s, err = Open(ctx, c, "secret")
			require.Nil(err)
			defer s.Close()
			loaded, err := s.LoadAccount(ctx)
			require.Nil(err)
			require.Equal(account, loaded)
			require.True(store.Supports(s, store.OpCustomValues))
		})
	}
}
