package memorystore

import (
	"context"
	"sync"
	"testing"

	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/store/storetest"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryStore(t *testing.T) {
	var lock sync.Mutex
	stores := make(map[string]*Store)
	storetest.Run(t, func(t *testing.T, name, _ string) store.CryptoStore {
		lock.Lock()
		defer lock.Unlock()
		s, ok := stores[name]
		if !ok {
			s = New(config.NewConfig(config.WithLogFile("")))
			stores[name] = s
		}
		return s
	})
}

func TestUnsupportedOperations(t *testing.T) {
	require := require.New(t)
	s := New(config.NewConfig(config.WithLogFile("")))
	for _, op := range []store.Operation{
		store.OpOutboundGroupSessions,
		store.OpTrackedUsers,
		store.OpBackupKeys,
		store.OpRoomSettings,
		store.OpCustomValues,
	} {
		require.False(store.Supports(s, op), op)
	}
}

func TestStubsWarn(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	s := New(config.NewConfig(config.WithLogFile(""), config.WithLogCore(core)))

	require.Nil(s.SetCustomValue(ctx, "A", []byte("Hello")))
	v, err := s.GetCustomValue(ctx, "A")
	require.Nil(err)
	require.Nil(v)
	require.Nil(s.SaveChanges(ctx, &store.Changes{
		RoomSettings: map[string]types.RoomSettings{"!a:localhost": {Algorithm: types.MegolmV1AesSha2}},
	}))

	entries := logs.All()
	require.Len(entries, 3)
	ops := []string{}
	for _, e := range entries {
		require.Equal(zap.WarnLevel, e.Level)
		ops = append(ops, e.ContextMap()["op"].(string))
	}
	require.Equal([]string{"set custom value", "get custom value", "save room settings"}, ops)
}

func TestSupportedCallsDoNotWarn(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	s := New(config.NewConfig(config.WithLogFile(""), config.WithLogCore(core)))

	account, err := olm.NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	require.Nil(s.SaveAccount(ctx, account))
	loaded, err := s.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loaded)
	require.Equal(0, logs.Len())
}

func TestAccountIsCopied(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New(config.NewConfig(config.WithLogFile("")))

	account, err := olm.NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	require.Nil(s.SaveAccount(ctx, account))
	account.MarkAsShared()

	loaded, err := s.LoadAccount(ctx)
	require.Nil(err)
	require.False(loaded.Shared)
}
