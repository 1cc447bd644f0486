package sqlstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/meow-io/go-cryptostore/internal/test"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestSQLStore(t *testing.T) {
	var lock sync.Mutex
	paths := make(map[string]string)
	storetest.Run(t, func(t *testing.T, name, passphrase string) store.CryptoStore {
		lock.Lock()
		path, ok := paths[name]
		if !ok {
			path = test.TempName()
			paths[name] = path
		}
		lock.Unlock()
		s, err := Open(context.Background(), test.Config(), path, passphrase)
		require.Nil(t, err)
		return s
	})
}

func TestWrongPassphrase(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	path := test.TempName()
	s, err := Open(ctx, test.Config(), path, "right")
	require.Nil(err)
	account, err := olm.NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	require.Nil(s.SaveAccount(ctx, account))
	require.Nil(s.Close())

	_, err = Open(ctx, test.Config(), path, "wrong")
	require.ErrorIs(err, store.ErrIO)
}

func TestClosedStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, err := Open(ctx, test.Config(), test.TempName(), "")
	require.Nil(err)
	require.Nil(s.Close())
	require.Nil(s.Close())

	_, err = s.LoadAccount(ctx)
	require.ErrorIs(err, store.ErrPrecondition)
	require.ErrorIs(err, store.ErrClosed)
	_, err = s.GetSessions(ctx, "key")
	require.ErrorIs(err, store.ErrClosed)
}

func TestCorruptRowIsEncodingError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, err := Open(ctx, test.Config(), test.TempName(), "")
	require.Nil(err)
	defer s.Close()

	require.Nil(s.db.Run(ctx, "corrupt", func() error {
		_, err := s.db.Tx.Exec("INSERT INTO account (id, data) VALUES (0, x'ff00')")
		return err
	}))
	_, err = s.LoadAccount(ctx)
	require.ErrorIs(err, store.ErrEncoding)
}

func TestSessionListsFollowOtherHandles(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	path := test.TempName()
	s1, err := Open(ctx, test.Config(), path, "")
	require.Nil(err)
	defer s1.Close()
	s2, err := Open(ctx, test.Config(), path, "")
	require.Nil(err)
	defer s2.Close()

	save := func(s *Store, i int) {
		session := &olm.Session{SessionID: fmt.Sprintf("s%d", i), SenderKey: "K", Pickle: []byte{byte(i + 1)}, CreatedAt: 1, LastUsedAt: 1}
		require.Nil(s.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{session}}))
	}
	ids := func(l *store.SessionList) []string {
		out := []string{}
		for _, session := range l.Sessions() {
			out = append(out, session.SessionID)
		}
		return out
	}

	for i := 0; i < 3; i++ {
		save(s1, i)
	}
	list, err := s2.GetSessions(ctx, "K")
	require.Nil(err)
	require.Equal([]string{"s0", "s1", "s2"}, ids(list))

	save(s1, 3)
	save(s2, 4)
	again, err := s2.GetSessions(ctx, "K")
	require.Nil(err)
	require.Same(list, again)
	require.Equal([]string{"s0", "s1", "s2", "s3", "s4"}, ids(list))

	other, err := s1.GetSessions(ctx, "K")
	require.Nil(err)
	require.Equal([]string{"s0", "s1", "s2", "s3", "s4"}, ids(other))
}

func TestEmptyCustomValue(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, err := Open(ctx, test.Config(), test.TempName(), "")
	require.Nil(err)
	defer s.Close()

	require.Nil(s.SetCustomValue(ctx, "k", nil))
	value, err := s.GetCustomValue(ctx, "k")
	require.Nil(err)
	require.Equal([]byte{}, value)
}

func TestBackupColumnIsAuthoritative(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s, err := Open(ctx, test.Config(), test.TempName(), "")
	require.Nil(err)
	defer s.Close()

	session := &olm.InboundGroupSession{RoomID: "!a:localhost", SessionID: "s", SenderKey: "k", Pickle: []byte("p"), BackedUp: true}
	require.Nil(s.SaveChanges(ctx, &store.Changes{InboundGroupSessions: []*olm.InboundGroupSession{session}}))
	require.Nil(s.ResetBackupState(ctx))

	loaded, err := s.GetInboundGroupSession(ctx, "!a:localhost", "s")
	require.Nil(err)
	require.False(loaded.BackedUp)
}
