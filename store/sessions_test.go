package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-cryptostore/olm"
	"github.com/stretchr/testify/require"
)

func session(senderKey, id string) *olm.Session {
	return &olm.Session{SessionID: id, SenderKey: senderKey, Pickle: []byte("pickle-" + id), CreatedAt: 1, LastUsedAt: 1}
}

func rows(sessions ...*olm.Session) func(context.Context) ([]*olm.Session, error) {
	return func(context.Context) ([]*olm.Session, error) {
		out := make([]*olm.Session, len(sessions))
		for i, s := range sessions {
			out[i] = s.Clone()
		}
		return out, nil
	}
}

func ids(l *SessionList) []string {
	out := []string{}
	for _, s := range l.Sessions() {
		out = append(out, s.SessionID)
	}
	return out
}

func TestSessionStoreSharesLists(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	require.Nil(s.Get("K"))

	require.True(s.Add(session("K", "a")))
	require.True(s.Add(session("K", "b")))
	require.False(s.Add(session("K", "a")))

	l1 := s.Get("K")
	l2 := s.Get("K")
	require.Same(l1, l2)
	require.Equal(2, l1.Len())
	require.Equal([]string{"a", "b"}, ids(l1))
}

func TestSessionListLockCancellation(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	s.Add(session("K", "a"))
	l := s.Get("K")

	_, err := l.Lock(context.Background())
	require.Nil(err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx)
	require.True(errors.Is(err, context.DeadlineExceeded))
	l.Unlock()

	// the abandoned waiter left nothing behind
	_, err = l.Lock(context.Background())
	require.Nil(err)
	l.Unlock()

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = l.Lock(cancelled)
	require.ErrorIs(err, context.Canceled)
	_, err = l.Lock(context.Background())
	require.Nil(err)
	l.Unlock()
}

func TestSessionListRunSerializes(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	s.Add(session("K", "base"))
	l := s.Get("K")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Run(context.Background(), func(ctx context.Context, sessions []*olm.Session) error {
				sessions[0].LastUsedAt++
				unlock, err := s.LockFor(ctx, []*olm.Session{session("K", "x")})
				if err != nil {
					return err
				}
				s.Add(session("K", fmt.Sprintf("s%d", i)))
				unlock()
				return nil
			})
			require.Nil(err)
		}(i)
	}
	wg.Wait()
	require.Equal(21, l.Len())
	require.Equal(uint64(21), l.Sessions()[0].LastUsedAt)
}

func TestSessionSnapshotIsACopy(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	s.Add(session("K", "a"))
	snap, err := s.Get("K").Snapshot(context.Background())
	require.Nil(err)
	snap[0].Pickle[0] = 'X'
	require.Equal([]byte("pickle-a"), s.Get("K").Sessions()[0].Pickle)
}

func TestLockForWaitsForHolder(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	s.Add(session("K", "a"))
	l := s.Get("K")

	held, err := l.Lock(context.Background())
	require.Nil(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.LockFor(ctx, []*olm.Session{session("K", "b")})
	require.ErrorIs(err, context.DeadlineExceeded)

	// the holder's context passes, other keys are taken and released
	unlock, err := s.LockFor(held, []*olm.Session{session("K", "b"), session("J", "c")})
	require.Nil(err)
	unlock()

	done := make(chan error, 1)
	go func() {
		unlock, err := s.LockFor(context.Background(), []*olm.Session{session("J", "d"), session("K", "e")})
		if err == nil {
			unlock()
		}
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("lock taken while held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock()
	require.Nil(<-done)
}

func TestHeldContextIsPerList(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	s.Add(session("K", "a"))
	s.Add(session("J", "b"))

	held, err := s.Get("K").Lock(context.Background())
	require.Nil(err)
	defer s.Get("K").Unlock()
	require.True(s.Get("K").heldIn(held))
	require.False(s.Get("J").heldIn(held))
	require.False(s.Get("K").heldIn(context.Background()))

	both, err := s.Get("J").Lock(held)
	require.Nil(err)
	defer s.Get("J").Unlock()
	require.True(s.Get("K").heldIn(both))
	require.True(s.Get("J").heldIn(both))
}

func TestSessionStoreLoadMerges(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	a, b, c := session("K", "a"), session("K", "b"), session("K", "c")

	l1, err := s.Load(context.Background(), "K", rows(a))
	require.Nil(err)
	first := l1.Sessions()[0]

	// rows committed elsewhere show up in the list already handed out
	updated := a.Clone()
	updated.LastUsedAt = 9
	l2, err := s.Load(context.Background(), "K", rows(updated, b, c))
	require.Nil(err)
	require.Same(l1, l2)
	require.Equal([]string{"a", "b", "c"}, ids(l1))
	require.Same(first, l1.Sessions()[0])
	require.Equal(uint64(9), first.LastUsedAt)

	empty, err := s.Load(context.Background(), "E", rows())
	require.Nil(err)
	require.Nil(empty)

	_, err = s.Load(context.Background(), "F", func(context.Context) ([]*olm.Session, error) { return nil, errors.New("boom") })
	require.NotNil(err)
	l, err := s.Load(context.Background(), "F", rows(session("F", "x")))
	require.Nil(err)
	require.Equal(1, l.Len())
}

func TestLoadWaitsForHolder(t *testing.T) {
	require := require.New(t)
	s := NewSessionStore()
	l, err := s.Load(context.Background(), "K", rows(session("K", "a")))
	require.Nil(err)

	held, err := l.Lock(context.Background())
	require.Nil(err)

	// the holder may reload through its own context
	_, err = s.Load(held, "K", rows(session("K", "a"), session("K", "b")))
	require.Nil(err)
	require.Equal(2, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Load(ctx, "K", rows())
	require.ErrorIs(err, context.DeadlineExceeded)
	l.Unlock()
}
