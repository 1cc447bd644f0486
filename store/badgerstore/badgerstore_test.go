package badgerstore

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/internal/test"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/store/storetest"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestBadgerStore(t *testing.T) {
	var lock sync.Mutex
	dirs := make(map[string]string)
	storetest.Run(t, func(t *testing.T, name, passphrase string) store.CryptoStore {
		lock.Lock()
		dir, ok := dirs[name]
		if !ok {
			dir = test.TempName()
			dirs[name] = dir
		}
		lock.Unlock()
		s, err := Open(context.Background(), test.Config(), dir, passphrase)
		require.Nil(t, err)
		return s
	})
}

func TestHandlesShareDatabase(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	dir := test.TempName()
	s1, err := Open(ctx, test.Config(), dir, "")
	require.Nil(err)
	s2, err := Open(ctx, test.Config(), dir, "")
	require.Nil(err)
	require.Same(s1.db, s2.db)

	require.Nil(s1.Close())
	require.Nil(s1.Close())
	_, err = s1.LoadAccount(ctx)
	require.ErrorIs(err, store.ErrClosed)

	// the second handle keeps the database open
	_, err = s2.LoadAccount(ctx)
	require.Nil(err)
	require.Nil(s2.Close())

	registry.Lock()
	_, ok := registry.dbs[s2.dir]
	registry.Unlock()
	require.False(ok)
}

func TestValuesAreSealed(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	dir := test.TempName()
	s, err := Open(ctx, test.Config(), dir, "secret")
	require.Nil(err)
	defer s.Close()

	account, err := olm.NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	require.Nil(s.SaveAccount(ctx, account))
	require.Nil(s.SetCustomValue(ctx, "A", []byte("Hello")))

	require.Nil(s.db.View(func(txn *badger.Txn) error {
		for _, k := range [][]byte{keyAccount, key(prefixCustomValue, "A")} {
			item, err := txn.Get(k)
			require.Nil(err)
			value, err := item.ValueCopy(nil)
			require.Nil(err)
			require.False(bytes.Contains(value, []byte("ALICEDEVICE")))
			require.False(bytes.Contains(value, []byte("Hello")))
		}
		return nil
	}))

	other, err := Open(ctx, test.Config(), dir, "wrong")
	require.Nil(err)
	defer other.Close()
	_, err = other.LoadAccount(ctx)
	require.ErrorIs(err, store.ErrEncoding)
}

func TestKeyRequestReplacesOldInfoEntry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, err := Open(ctx, test.Config(), test.TempName(), "")
	require.Nil(err)
	defer s.Close()

	info := roomKeyInfo("first")
	moved := roomKeyInfo("second")
	r := &gossiping.GossipRequest{RequestRecipient: "@alice:example.org", RequestID: "id", Info: info}
	require.Nil(s.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{r}}))
	r.Info = moved
	require.Nil(s.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{r}}))

	stored, err := s.GetSecretRequestByInfo(ctx, info)
	require.Nil(err)
	require.Nil(stored)
	stored, err = s.GetSecretRequestByInfo(ctx, moved)
	require.Nil(err)
	require.Equal(r, stored)
}

func TestKeysDoNotCollideAcrossParts(t *testing.T) {
	require := require.New(t)
	require.NotEqual(key(prefixDevice, "@a:b", "c"), key(prefixDevice, "@a:bc"))
	require.True(bytes.HasPrefix(key(prefixDevice, "@a:b", "c"), scanPrefix(prefixDevice, "@a:b")))
	require.False(bytes.HasPrefix(key(prefixDevice, "@a:bc", "d"), scanPrefix(prefixDevice, "@a:b")))
	require.False(bytes.HasPrefix(key(prefixRequestInfo, "x"), scanPrefix(prefixRequest)))
}

func roomKeyInfo(sessionID string) gossiping.SecretInfo {
	return gossiping.RoomKey(gossiping.RoomKeyInfo{
		RoomID:    "!a:localhost",
		Algorithm: types.MegolmV1AesSha2,
		SenderKey: "sender",
		SessionID: sessionID,
	})
}
