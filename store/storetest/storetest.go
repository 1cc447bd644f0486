// Package storetest is the conformance suite every crypto store backend runs. A backend test calls Run with an
// Opener; the suite drives the same scenarios against it, reopening stores by name to check durability and
// opening two handles on one name to check cross-handle atomicity.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-cryptostore/clock"
	"github.com/meow-io/go-cryptostore/crypto"
	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
)

// Opener returns a new handle onto the physical store called name. Handles opened with the same name share their
// data, whether or not earlier handles were closed.
type Opener func(t *testing.T, name, passphrase string) store.CryptoStore

const (
	aliceID       = "@alice:example.org"
	aliceDeviceID = "ALICEDEVICE"
	bobID         = "@bob:example.org"
	bobDeviceID   = "BOBDEVICE"
	roomID        = "!test:localhost"
)

type suite struct {
	open  Opener
	clock *clock.ManualClock
}

func Run(t *testing.T, open Opener) {
	s := &suite{open: open, clock: clock.NewManualClock(time.UnixMilli(1_690_000_000_000))}
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SaveAccountViaGenericSave", s.saveAccountViaGenericSave},
		{"LoadAccount", s.loadAccount},
		{"LoadAccountWithPassphrase", s.loadAccountWithPassphrase},
		{"SaveAndShareAccount", s.saveAndShareAccount},
		{"LoadSessions", s.loadSessions},
		{"AddAndSaveSession", s.addAndSaveSession},
		{"SessionListIsShared", s.sessionListIsShared},
		{"SessionLockCancellation", s.sessionLockCancellation},
		{"ConcurrentSessionAppends", s.concurrentSessionAppends},
		{"SessionsVisibleAcrossHandles", s.sessionsVisibleAcrossHandles},
		{"RatchetStorage", s.ratchetStorage},
		{"ConcurrentRatchetSaves", s.concurrentRatchetSaves},
		{"LoadOutboundGroupSession", s.loadOutboundGroupSession},
		{"SaveInboundGroupSessionForBackup", s.saveInboundGroupSessionForBackup},
		{"ResetInboundGroupSessionForBackup", s.resetInboundGroupSessionForBackup},
		{"LoadInboundGroupSession", s.loadInboundGroupSession},
		{"TrackedUsers", s.trackedUsers},
		{"DeviceSaving", s.deviceSaving},
		{"DeviceDeleting", s.deviceDeleting},
		{"UserSaving", s.userSaving},
		{"PrivateIdentitySaving", s.privateIdentitySaving},
		{"OlmHashSaving", s.olmHashSaving},
		{"KeyRequestSaving", s.keyRequestSaving},
		{"KeyRequestSameInfo", s.keyRequestSameInfo},
		{"WithheldInfoStorage", s.withheldInfoStorage},
		{"RoomSettingsSaving", s.roomSettingsSaving},
		{"BackupKeysSaving", s.backupKeysSaving},
		{"CustomValueSaving", s.customValueSaving},
		{"CustomValueInsertIfMissingRemove", s.customValueInsertIfMissingRemove},
		{"CustomValueMultipleStores", s.customValueMultipleStores},
		{"ConcurrentCustomValueInsert", s.concurrentCustomValueInsert},
		{"RejectsInvalidBatch", s.rejectsInvalidBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func storeName(t *testing.T) string {
	return fmt.Sprintf("%x", []byte(t.Name()))
}

func (s *suite) get(t *testing.T, name string) store.CryptoStore {
	return s.open(t, name, "")
}

func (s *suite) reopen(t *testing.T, cs store.CryptoStore, name string) store.CryptoStore {
	require.Nil(t, cs.Close())
	return s.get(t, name)
}

func (s *suite) getLoadedStore(t *testing.T, name string) (*olm.Account, store.CryptoStore) {
	cs := s.get(t, name)
	account := newAccount(t, aliceID, aliceDeviceID)
	require.Nil(t, cs.SaveAccount(context.Background(), account))
	return account, cs
}

func newAccount(t *testing.T, userID, deviceID string) *olm.Account {
	account, err := olm.NewAccount(userID, deviceID)
	require.Nil(t, err)
	return account
}

// newSession builds a session with bob holding a real ratchet pickle.
func (s *suite) newSession(t *testing.T) (*olm.Account, *olm.Session) {
	require := require.New(t)
	alice := newAccount(t, aliceID, aliceDeviceID)
	bob := newAccount(t, bobID, bobDeviceID)
	oneTimeKey, err := crypto.GenerateCurve25519()
	require.Nil(err)
	shared := make([]byte, 32)
	copy(shared, bob.IdentityKeys.Curve25519)
	state, err := olm.NewRatchetState(shared, oneTimeKey.Public[:])
	require.Nil(err)
	pickle, err := olm.PickleRatchetState(state)
	require.Nil(err)
	return alice, olm.NewSession(bob.IdentityKeys.Curve25519, pickle, s.clock)
}

func (s *suite) saveAccountViaGenericSave(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	loaded, err := cs.LoadAccount(ctx)
	require.Nil(err)
	require.Nil(loaded)

	account := newAccount(t, aliceID, aliceDeviceID)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Account: account}))
	loaded, err = cs.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loaded)
}

func (s *suite) loadAccount(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	account := newAccount(t, aliceID, aliceDeviceID)
	require.Nil(cs.SaveAccount(ctx, account))
	loaded, err := cs.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loaded)
}

func (s *suite) loadAccountWithPassphrase(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.open(t, name, "secret_passphrase")

	account := newAccount(t, aliceID, aliceDeviceID)
	require.Nil(cs.SaveAccount(ctx, account))
	require.Nil(cs.Close())

	cs = s.open(t, name, "secret_passphrase")
	defer cs.Close()
	loaded, err := cs.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loaded)
}

func (s *suite) saveAndShareAccount(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	account := newAccount(t, aliceID, aliceDeviceID)
	require.Nil(cs.SaveAccount(ctx, account))

	account.MarkAsShared()
	account.UpdateUploadedKeyCount(50)
	account.GenerateOneTimeKeys(50)
	require.Nil(cs.SaveAccount(ctx, account))

	loaded, err := cs.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loaded)
	require.Equal(uint64(50), loaded.UploadedKeyCount)
	require.True(loaded.Shared)
}

func (s *suite) loadSessions(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	account, session := s.newSession(t)
	require.Nil(cs.SaveAccount(ctx, account))

	list, err := cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)
	require.Nil(list)

	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{session}}))
	list, err = cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)
	require.NotNil(list)
	snapshot, err := list.Snapshot(ctx)
	require.Nil(err)
	require.Len(snapshot, 1)
	require.Equal(session, snapshot[0])
}

func (s *suite) addAndSaveSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.get(t, name)

	account, session := s.newSession(t)
	require.Nil(cs.SaveAccount(ctx, account))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{session}}))

	list, err := cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)
	require.Equal(session.SessionID, list.Sessions()[0].SessionID)

	cs = s.reopen(t, cs, name)
	defer cs.Close()

	loadedAccount, err := cs.LoadAccount(ctx)
	require.Nil(err)
	require.Equal(account, loadedAccount)

	list, err = cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)
	require.NotNil(list)
	require.Equal(session.SessionID, list.Sessions()[0].SessionID)
	require.Equal(session.Pickle, list.Sessions()[0].Pickle)
}

func (s *suite) sessionListIsShared(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	_, first := s.newSession(t)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{first}}))
	l1, err := cs.GetSessions(ctx, first.SenderKey)
	require.Nil(err)
	l2, err := cs.GetSessions(ctx, first.SenderKey)
	require.Nil(err)
	require.Same(l1, l2)

	// a later session for the same sender key lands in the list already handed out, after the first one
	second := olm.NewSession(first.SenderKey, []byte("second pickle"), s.clock)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{second}}))
	require.Equal(2, l1.Len())
	require.Equal(first.SessionID, l1.Sessions()[0].SessionID)
	require.Equal(second.SessionID, l1.Sessions()[1].SessionID)

	// saving an existing session again replaces it in place
	updated := second.Clone()
	updated.LastUsedAt += 10
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{updated}}))
	require.Equal(2, l1.Len())
	require.Equal(updated.LastUsedAt, l1.Sessions()[1].LastUsedAt)
}

func (s *suite) sessionLockCancellation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	_, session := s.newSession(t)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{session}}))
	list, err := cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)

	held, err := list.Lock(ctx)
	require.Nil(err)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = list.Lock(waitCtx)
	require.ErrorIs(err, context.DeadlineExceeded)

	// other writers of the locked key wait for the holder
	blocked := olm.NewSession(session.SenderKey, []byte("blocked"), s.clock)
	saveCtx, cancelSave := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelSave()
	require.ErrorIs(cs.SaveChanges(saveCtx, &store.Changes{Sessions: []*olm.Session{blocked}}), context.DeadlineExceeded)
	require.Equal(1, list.Len())

	waiting := olm.NewSession(session.SenderKey, []byte("waiting"), s.clock)
	done := make(chan error, 1)
	go func() {
		done <- cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{waiting}})
	}()

	// the holder writes through the context it was handed
	updated := session.Clone()
	updated.Pickle = []byte("advanced by the holder")
	require.Nil(cs.SaveChanges(held, &store.Changes{Sessions: []*olm.Session{updated}}))
	require.Equal([]byte("advanced by the holder"), list.Sessions()[0].Pickle)
	select {
	case err := <-done:
		t.Fatalf("save finished while the list was held: %v", err)
	default:
	}
	require.Equal(1, list.Len())
	list.Unlock()
	require.Nil(<-done)

	list, err = cs.GetSessions(ctx, session.SenderKey)
	require.Nil(err)
	snapshot, err := list.Snapshot(ctx)
	require.Nil(err)
	require.Len(snapshot, 2)
	require.Equal([]byte("advanced by the holder"), snapshot[0].Pickle)
	require.Equal(waiting.SessionID, snapshot[1].SessionID)
}

func (s *suite) sessionsVisibleAcrossHandles(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	a := s.get(t, name)
	defer a.Close()
	b := s.get(t, name)
	defer b.Close()

	_, first := s.newSession(t)
	require.Nil(a.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{first}}))
	list, err := a.GetSessions(ctx, first.SenderKey)
	require.Nil(err)
	require.Equal(1, list.Len())

	second := olm.NewSession(first.SenderKey, []byte("saved through the other handle"), s.clock)
	require.Nil(b.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{second}}))
	advanced := first.Clone()
	advanced.Pickle = []byte("advanced through the other handle")
	require.Nil(b.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{advanced}}))

	again, err := a.GetSessions(ctx, first.SenderKey)
	require.Nil(err)
	require.Same(list, again)
	snapshot, err := list.Snapshot(ctx)
	require.Nil(err)
	require.Len(snapshot, 2)
	require.Equal(first.SessionID, snapshot[0].SessionID)
	require.Equal([]byte("advanced through the other handle"), snapshot[0].Pickle)
	require.Equal(second.SessionID, snapshot[1].SessionID)
}

func (s *suite) concurrentSessionAppends(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.get(t, name)

	const n = 16
	senderKey := "Nn0L2hkcCMFKqynTjyGsJbth7QrVmX3lbrksMkrGOAw"
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := olm.NewSession(senderKey, []byte(fmt.Sprintf("pickle %d", i)), s.clock)
			errs <- cs.SaveChanges(ctx, &store.Changes{Sessions: []*olm.Session{session}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(err)
	}

	list, err := cs.GetSessions(ctx, senderKey)
	require.Nil(err)
	require.Equal(n, list.Len())

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	list, err = cs.GetSessions(ctx, senderKey)
	require.Nil(err)
	require.Equal(n, list.Len())
}

func (s *suite) ratchetStorage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.get(t, name)

	peer, err := crypto.GenerateCurve25519()
	require.Nil(err)
	state, err := olm.NewRatchetState(make([]byte, 32), peer.Public[:])
	require.Nil(err)
	require.Nil(state.MkSkipped.Put([]byte("ratchet-1"), peer.Public[:], 3, []byte("skipped message key"), 0))

	senderKey := crypto.EncodeKey(peer.Public[:])
	rs := store.NewRatchetStorage(ctx, cs, senderKey, s.clock)
	missing, err := rs.Load([]byte("ratchet-1"))
	require.Nil(err)
	require.Nil(missing)

	require.Nil(rs.Save([]byte("ratchet-1"), state))
	s.clock.Advance(time.Second)
	state.SendCh.N = 5
	require.Nil(rs.Save([]byte("ratchet-1"), state))

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	rs = store.NewRatchetStorage(ctx, cs, senderKey, s.clock)
	loaded, err := rs.Load([]byte("ratchet-1"))
	require.Nil(err)
	require.NotNil(loaded)
	require.Equal(uint32(5), loaded.SendCh.N)
	require.Equal(state.DHs.PublicKey(), loaded.DHs.PublicKey())
	mk, ok, err := loaded.MkSkipped.Get(peer.Public[:], 3)
	require.Nil(err)
	require.True(ok)
	require.Equal([]byte("skipped message key"), []byte(mk))

	list, err := cs.GetSessions(ctx, senderKey)
	require.Nil(err)
	require.Equal(1, list.Len())
	session := list.Sessions()[0]
	require.Equal("ratchet-1", session.SessionID)
	require.Greater(session.LastUsedAt, session.CreatedAt)
}

func (s *suite) concurrentRatchetSaves(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.get(t, name)

	peer, err := crypto.GenerateCurve25519()
	require.Nil(err)
	senderKey := crypto.EncodeKey(peer.Public[:])
	id := []byte("ratchet-1")
	rs := store.NewRatchetStorage(ctx, cs, senderKey, s.clock)
	initial, err := olm.NewRatchetState(make([]byte, 32), peer.Public[:])
	require.Nil(err)
	require.Nil(rs.Save(id, initial))
	list, err := cs.GetSessions(ctx, senderKey)
	require.Nil(err)

	// a save waits for whoever holds the list
	held, err := list.Lock(ctx)
	require.Nil(err)
	done := make(chan error, 1)
	go func() {
		state, err := olm.NewRatchetState(make([]byte, 32), peer.Public[:])
		if err == nil {
			state.SendCh.N = 100
			err = rs.Save(id, state)
		}
		done <- err
	}()
	holder, err := store.NewRatchetStorage(held, cs, senderKey, s.clock).Load(id)
	require.Nil(err)
	holder.SendCh.N = 50
	require.Nil(store.NewRatchetStorage(held, cs, senderKey, s.clock).Save(id, holder))
	select {
	case err := <-done:
		t.Fatalf("ratchet saved while the list was held: %v", err)
	default:
	}
	list.Unlock()
	require.Nil(<-done)
	loaded, err := rs.Load(id)
	require.Nil(err)
	require.Equal(uint32(100), loaded.SendCh.N)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state, err := olm.NewRatchetState(make([]byte, 32), peer.Public[:])
			if err == nil {
				state.SendCh.N = uint32(i)
				err = rs.Save(id, state)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.Nil(err)
	}

	// the list and the durable copy agree on the last writer
	require.Equal(1, list.Len())
	inMemory := list.Sessions()[0].Pickle
	cs = s.reopen(t, cs, name)
	defer cs.Close()
	reopened, err := cs.GetSessions(ctx, senderKey)
	require.Nil(err)
	require.Equal(1, reopened.Len())
	require.Equal(inMemory, reopened.Sessions()[0].Pickle)
}

func (s *suite) loadOutboundGroupSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	account, cs := s.getLoadedStore(t, name)

	loaded, err := cs.GetOutboundGroupSession(ctx, roomID)
	require.Nil(err)
	require.Nil(loaded)

	session, _, err := account.NewGroupSessionPair(roomID, s.clock)
	require.Nil(err)
	session.AddRequest(olm.OutboundRequest{
		RequestID: "txn1",
		Recipient: "@example:localhost",
		DeviceID:  "*",
		EventType: "m.dummy",
		Content:   []byte("{}"),
	})
	require.Nil(cs.SaveChanges(ctx, &store.Changes{OutboundGroupSessions: []*olm.OutboundGroupSession{session}}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	_, err = cs.LoadAccount(ctx)
	require.Nil(err)

	loaded, err = cs.GetOutboundGroupSession(ctx, roomID)
	require.Nil(err)
	if !store.Supports(cs, store.OpOutboundGroupSessions) {
		require.Nil(loaded)
		return
	}
	require.Equal(session, loaded)
}

func (s *suite) saveInboundGroupSessionForBackup(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	account, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	_, session, err := account.NewGroupSessionPair(roomID, s.clock)
	require.Nil(err)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{InboundGroupSessions: []*olm.InboundGroupSession{session}}))

	loaded, err := cs.GetInboundGroupSession(ctx, session.RoomID, session.SessionID)
	require.Nil(err)
	require.Equal(session, loaded)
	all, err := cs.GetInboundGroupSessions(ctx)
	require.Nil(err)
	require.Len(all, 1)
	counts, err := cs.InboundGroupSessionCounts(ctx)
	require.Nil(err)
	require.Equal(store.RoomKeyCounts{Total: 1, BackedUp: 0}, counts)

	toBackUp, err := cs.InboundGroupSessionsForBackup(ctx, 1)
	require.Nil(err)
	require.Equal([]*olm.InboundGroupSession{session}, toBackUp)

	for _, limit := range []int{0, -1} {
		toBackUp, err = cs.InboundGroupSessionsForBackup(ctx, limit)
		require.Nil(err)
		require.Empty(toBackUp, "limit %d", limit)
	}
}

func (s *suite) resetInboundGroupSessionForBackup(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	account, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	counts, err := cs.InboundGroupSessionCounts(ctx)
	require.Nil(err)
	require.Equal(0, counts.Total)

	_, session, err := account.NewGroupSessionPair(roomID, s.clock)
	require.Nil(err)
	session.MarkAsBackedUp()
	require.Nil(cs.SaveChanges(ctx, &store.Changes{InboundGroupSessions: []*olm.InboundGroupSession{session}}))

	counts, err = cs.InboundGroupSessionCounts(ctx)
	require.Nil(err)
	require.Equal(store.RoomKeyCounts{Total: 1, BackedUp: 1}, counts)
	toBackUp, err := cs.InboundGroupSessionsForBackup(ctx, 1)
	require.Nil(err)
	require.Empty(toBackUp)

	require.Nil(cs.ResetBackupState(ctx))
	toBackUp, err = cs.InboundGroupSessionsForBackup(ctx, 1)
	require.Nil(err)
	session.ResetBackupState()
	require.Equal([]*olm.InboundGroupSession{session}, toBackUp)
	counts, err = cs.InboundGroupSessionCounts(ctx)
	require.Nil(err)
	require.Equal(store.RoomKeyCounts{Total: 1, BackedUp: 0}, counts)
}

func (s *suite) loadInboundGroupSession(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	account, cs := s.getLoadedStore(t, name)

	all, err := cs.GetInboundGroupSessions(ctx)
	require.Nil(err)
	require.Empty(all)

	var sessions []*olm.InboundGroupSession
	for _, room := range []string{"!b:localhost", "!a:localhost", roomID} {
		_, session, err := account.NewGroupSessionPair(room, s.clock)
		require.Nil(err)
		session.Imported = true
		sessions = append(sessions, session)
	}
	require.Nil(cs.SaveChanges(ctx, &store.Changes{InboundGroupSessions: sessions}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()

	loaded, err := cs.GetInboundGroupSession(ctx, sessions[0].RoomID, sessions[0].SessionID)
	require.Nil(err)
	require.Equal(sessions[0], loaded)
	all, err = cs.GetInboundGroupSessions(ctx)
	require.Nil(err)
	require.Len(all, 3)
	counts, err := cs.InboundGroupSessionCounts(ctx)
	require.Nil(err)
	require.Equal(3, counts.Total)

	first, err := cs.InboundGroupSessionsForBackup(ctx, 2)
	require.Nil(err)
	again, err := cs.InboundGroupSessionsForBackup(ctx, 2)
	require.Nil(err)
	require.Equal(first, again)
	require.Equal("!a:localhost", first[0].RoomID)
	require.Equal("!b:localhost", first[1].RoomID)
}

func (s *suite) trackedUsers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	_, cs := s.getLoadedStore(t, name)

	loaded, err := cs.LoadTrackedUsers(ctx)
	require.Nil(err)
	require.Empty(loaded)

	users := []identities.TrackedUser{
		{UserID: "@alice:example.org", Dirty: true},
		{UserID: "@bob:example.org", Dirty: false},
	}
	require.Nil(cs.SaveTrackedUsers(ctx, users))

	check := func(cs store.CryptoStore) {
		loaded, err := cs.LoadTrackedUsers(ctx)
		require.Nil(err)
		if !store.Supports(cs, store.OpTrackedUsers) {
			require.Empty(loaded)
			return
		}
		byID := make(map[string]identities.TrackedUser)
		for _, u := range loaded {
			byID[u.UserID] = u
		}
		require.Len(byID, 2)
		require.True(byID["@alice:example.org"].Dirty)
		require.False(byID["@bob:example.org"].Dirty)
		_, ok := byID["@candy:example.org"]
		require.False(ok)
	}
	check(cs)

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	check(cs)

	require.Nil(cs.SaveTrackedUsers(ctx, []identities.TrackedUser{{UserID: "@bob:example.org", Dirty: true}}))
	if store.Supports(cs, store.OpTrackedUsers) {
		loaded, err = cs.LoadTrackedUsers(ctx)
		require.Nil(err)
		require.Len(loaded, 2)
		for _, u := range loaded {
			require.True(u.Dirty)
		}
	}
}

func (s *suite) deviceSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	_, cs := s.getLoadedStore(t, name)

	device1 := identities.DeviceFromAccount(newAccount(t, "@alice:localhost", "FIRSTDEVICE"))
	device2 := identities.DeviceFromAccount(newAccount(t, "@alice:localhost", "SECONDDEVICE"))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Devices: store.DeviceChanges{New: []*identities.Device{device1, device2}},
	}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	_, err := cs.LoadAccount(ctx)
	require.Nil(err)

	loaded, err := cs.GetDevice(ctx, device1.UserID, device1.DeviceID)
	require.Nil(err)
	require.Equal(device1, loaded)
	require.ElementsMatch(device1.Algorithms, loaded.Algorithms)
	require.Equal(device1.Keys, loaded.Keys)

	devices, err := cs.GetUserDevices(ctx, device1.UserID)
	require.Nil(err)
	require.Len(devices, 2)
	require.Equal(device2, devices[device2.DeviceID])

	devices, err = cs.GetUserDevices(ctx, "@nobody:localhost")
	require.Nil(err)
	require.Empty(devices)
}

func (s *suite) deviceDeleting(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	_, cs := s.getLoadedStore(t, name)

	device := identities.DeviceFromAccount(newAccount(t, bobID, bobDeviceID))
	other := identities.DeviceFromAccount(newAccount(t, bobID, "OTHERDEVICE"))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Devices: store.DeviceChanges{Changed: []*identities.Device{device, other}},
	}))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Devices: store.DeviceChanges{Deleted: []*identities.Device{device}},
	}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()

	loaded, err := cs.GetDevice(ctx, device.UserID, device.DeviceID)
	require.Nil(err)
	require.Nil(loaded)
	loaded, err = cs.GetDevice(ctx, other.UserID, other.DeviceID)
	require.Nil(err)
	require.Equal(other, loaded)
}

func ownIdentity(userID string) *identities.OwnUserIdentity {
	return &identities.OwnUserIdentity{
		UserID:         userID,
		MasterKey:      crossSigningKey(userID, "master"),
		SelfSigningKey: crossSigningKey(userID, "self_signing"),
		UserSigningKey: crossSigningKey(userID, "user_signing"),
	}
}

func otherIdentity(userID string) *identities.OtherUserIdentity {
	return &identities.OtherUserIdentity{
		UserID:         userID,
		MasterKey:      crossSigningKey(userID, "master"),
		SelfSigningKey: crossSigningKey(userID, "self_signing"),
	}
}

func crossSigningKey(userID, usage string) identities.CrossSigningKey {
	return identities.CrossSigningKey{
		UserID: userID,
		Usage:  []string{usage},
		Keys:   map[string]string{"ed25519:" + usage: crypto.EncodeKey([]byte(userID + usage))},
	}
}

func (s *suite) userSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	userID := "@example:localhost"
	cs := s.get(t, name)
	require.Nil(cs.SaveAccount(ctx, newAccount(t, userID, "WSKKLTJZCL")))

	own := ownIdentity(userID)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Identities: store.IdentityChanges{Changed: []*identities.UserIdentities{identities.Own(own)}},
	}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()

	loaded, err := cs.GetUserIdentity(ctx, userID)
	require.Nil(err)
	require.Equal(own.MasterKey, loaded.MasterKey())
	require.Equal(own.SelfSigningKey, loaded.SelfSigningKey())
	require.Equal(identities.Own(own), loaded)

	other := otherIdentity(bobID)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Identities: store.IdentityChanges{New: []*identities.UserIdentities{identities.Other(other)}},
	}))
	loaded, err = cs.GetUserIdentity(ctx, bobID)
	require.Nil(err)
	require.Nil(loaded.Own)
	require.Equal(identities.Other(other), loaded)

	own.MarkAsVerified()
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		Identities: store.IdentityChanges{Changed: []*identities.UserIdentities{identities.Own(own)}},
	}))
	loaded, err = cs.GetUserIdentity(ctx, userID)
	require.Nil(err)
	require.True(loaded.Own.Verified)

	loaded, err = cs.GetUserIdentity(ctx, "@nobody:localhost")
	require.Nil(err)
	require.Nil(loaded)
}

func (s *suite) privateIdentitySaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	loaded, err := cs.LoadIdentity(ctx)
	require.Nil(err)
	require.Nil(loaded)

	identity, err := olm.NewPrivateCrossSigningIdentity(aliceID)
	require.Nil(err)
	require.Nil(cs.SaveChanges(ctx, &store.Changes{PrivateIdentity: identity}))
	loaded, err = cs.LoadIdentity(ctx)
	require.Nil(err)
	require.Equal(identity.UserID, loaded.UserID)
	require.Equal(identity, loaded)
}

func (s *suite) olmHashSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	hash := olm.MessageHash{SenderKey: "test_sender", Hash: "test_hash"}
	known, err := cs.IsMessageKnown(ctx, hash)
	require.Nil(err)
	require.False(known)

	require.Nil(cs.SaveChanges(ctx, &store.Changes{MessageHashes: []olm.MessageHash{hash}}))
	known, err = cs.IsMessageKnown(ctx, hash)
	require.Nil(err)
	require.True(known)

	require.Nil(cs.SaveChanges(ctx, &store.Changes{MessageHashes: []olm.MessageHash{hash, hash}}))
	known, err = cs.IsMessageKnown(ctx, hash)
	require.Nil(err)
	require.True(known)

	known, err = cs.IsMessageKnown(ctx, olm.MessageHash{SenderKey: "other_sender", Hash: "test_hash"})
	require.Nil(err)
	require.False(known)
}

func roomKeyInfo(sessionID string) gossiping.SecretInfo {
	return gossiping.RoomKey(gossiping.RoomKeyInfo{
		RoomID:    roomID,
		Algorithm: types.MegolmV1AesSha2,
		SenderKey: "Nn0L2hkcCMFKqynTjyGsJbth7QrVmX3lbrksMkrGOAw",
		SessionID: sessionID,
	})
}

func (s *suite) keyRequestSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	account, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	id := "txn-" + storeName(t)
	info := roomKeyInfo("test_session_id")
	request := &gossiping.GossipRequest{RequestRecipient: account.UserID, RequestID: id, Info: info}

	stored, err := cs.GetOutgoingSecretRequest(ctx, id)
	require.Nil(err)
	require.Nil(stored)

	require.Nil(cs.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{request}}))
	stored, err = cs.GetOutgoingSecretRequest(ctx, id)
	require.Nil(err)
	require.Equal(request, stored)
	stored, err = cs.GetSecretRequestByInfo(ctx, info)
	require.Nil(err)
	require.Equal(request, stored)
	unsent, err := cs.GetUnsentSecretRequests(ctx)
	require.Nil(err)
	require.Equal([]*gossiping.GossipRequest{request}, unsent)

	sent := request.Clone()
	sent.SentOut = true
	require.Nil(cs.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{sent}}))
	unsent, err = cs.GetUnsentSecretRequests(ctx)
	require.Nil(err)
	require.Empty(unsent)
	stored, err = cs.GetOutgoingSecretRequest(ctx, id)
	require.Nil(err)
	require.Equal(sent, stored)
	stored, err = cs.GetSecretRequestByInfo(ctx, info)
	require.Nil(err)
	require.Equal(sent, stored)

	require.Nil(cs.DeleteOutgoingSecretRequest(ctx, id))
	stored, err = cs.GetOutgoingSecretRequest(ctx, id)
	require.Nil(err)
	require.Nil(stored)
	stored, err = cs.GetSecretRequestByInfo(ctx, info)
	require.Nil(err)
	require.Nil(stored)
	unsent, err = cs.GetUnsentSecretRequests(ctx)
	require.Nil(err)
	require.Empty(unsent)

	require.Nil(cs.DeleteOutgoingSecretRequest(ctx, id))
}

func (s *suite) keyRequestSameInfo(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	secret := gossiping.Secret(gossiping.SecretCrossSigningMaster)
	first := &gossiping.GossipRequest{RequestRecipient: aliceID, RequestID: "first", Info: secret}
	second := &gossiping.GossipRequest{RequestRecipient: aliceID, RequestID: "second", Info: secret}
	require.Nil(cs.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{first}}))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{second}}))

	stored, err := cs.GetOutgoingSecretRequest(ctx, "first")
	require.Nil(err)
	require.Nil(stored)
	stored, err = cs.GetSecretRequestByInfo(ctx, secret)
	require.Nil(err)
	require.Equal(second, stored)
	unsent, err := cs.GetUnsentSecretRequests(ctx)
	require.Nil(err)
	require.Equal([]*gossiping.GossipRequest{second}, unsent)
}

func (s *suite) withheldInfoStorage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	account, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	room := "!DwLygpkclUAfQNnfva:example.com"
	session1 := "GBnDxGP9i3IkPsz3/ihNr6P7qjIXxSRVWZ1MYmSn09w"
	session2 := "IDLtnNCH2kIr3xIf1B7JFkGpQmTjyMca2jww+X6zeOE"
	event := func(sessionID string, code types.WithheldCode) types.RoomKeyWithheldEvent {
		return types.RoomKeyWithheldEvent{
			Sender: account.UserID,
			Content: types.RoomKeyWithheldContent{
				Algorithm:  types.MegolmV1AesSha2,
				Code:       code,
				RoomID:     room,
				SessionID:  sessionID,
				SenderKey:  "9n7mdWKOjr9c4NTlG6zV8dbFtNK79q9vZADoh7nMUwA",
				FromDevice: "DEVICEID",
			},
		}
	}
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		WithheldSessionInfo: map[string]map[string]types.RoomKeyWithheldEvent{
			room: {
				session1: event(session1, types.WithheldUnverified),
				session2: event(session2, types.WithheldBlacklisted),
			},
		},
	}))

	withheld, err := cs.GetWithheldInfo(ctx, room, session1)
	require.Nil(err)
	require.Equal(types.MegolmV1AesSha2, withheld.Content.Algorithm)
	require.Equal(types.WithheldUnverified, withheld.Content.Code)

	withheld, err = cs.GetWithheldInfo(ctx, room, session2)
	require.Nil(err)
	require.Equal(types.WithheldBlacklisted, withheld.Content.Code)
	require.Equal(session2, withheld.Content.SessionID)

	withheld, err = cs.GetWithheldInfo(ctx, "!nQRyiRFuyUhXeaQfiR:example.com", session2)
	require.Nil(err)
	require.Nil(withheld)
}

func (s *suite) roomSettingsSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	settings1 := types.RoomSettings{Algorithm: types.MegolmV1AesSha2, OnlyAllowTrustedDevices: true}
	settings2 := types.RoomSettings{Algorithm: types.OlmV1Curve25519AesSha2, OnlyAllowTrustedDevices: false}
	require.Nil(cs.SaveChanges(ctx, &store.Changes{
		RoomSettings: map[string]types.RoomSettings{
			"!test_1:localhost": settings1,
			"!test_2:localhost": settings2,
		},
	}))

	loaded1, err := cs.GetRoomSettings(ctx, "!test_1:localhost")
	require.Nil(err)
	loaded2, err := cs.GetRoomSettings(ctx, "!test_2:localhost")
	require.Nil(err)
	loaded3, err := cs.GetRoomSettings(ctx, "!test_3:localhost")
	require.Nil(err)
	require.Nil(loaded3)

	if !store.Supports(cs, store.OpRoomSettings) {
		require.Nil(loaded1)
		require.Nil(loaded2)
		return
	}
	require.Equal(&settings1, loaded1)
	require.Equal(&settings2, loaded2)
}

func (s *suite) backupKeysSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	cs := s.get(t, name)

	keys, err := cs.LoadBackupKeys(ctx)
	require.Nil(err)
	require.Equal(store.BackupKeys{}, keys)

	key := []byte("0123456789abcdef0123456789abcdef")
	require.Nil(cs.SaveChanges(ctx, &store.Changes{BackupDecryptionKey: key, BackupVersion: "1"}))
	require.Nil(cs.SaveChanges(ctx, &store.Changes{BackupVersion: "2"}))

	cs = s.reopen(t, cs, name)
	defer cs.Close()
	keys, err = cs.LoadBackupKeys(ctx)
	require.Nil(err)
	if !store.Supports(cs, store.OpBackupKeys) {
		require.Equal(store.BackupKeys{}, keys)
		return
	}
	require.Equal(store.BackupKeys{DecryptionKey: key, BackupVersion: "2"}, keys)
}

func (s *suite) customValueSaving(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()

	require.Nil(cs.SetCustomValue(ctx, "A", []byte("Hello")))
	loaded, err := cs.GetCustomValue(ctx, "A")
	require.Nil(err)
	if !store.Supports(cs, store.OpCustomValues) {
		require.Nil(loaded)
		return
	}
	require.Equal([]byte("Hello"), loaded)

	require.Nil(cs.SetCustomValue(ctx, "A", []byte("World")))
	loaded, err = cs.GetCustomValue(ctx, "A")
	require.Nil(err)
	require.Equal([]byte("World"), loaded)

	loaded, err = cs.GetCustomValue(ctx, "B")
	require.Nil(err)
	require.Nil(loaded)

	// an empty value is stored, and reads back as present
	require.Nil(cs.SetCustomValue(ctx, "empty", nil))
	loaded, err = cs.GetCustomValue(ctx, "empty")
	require.Nil(err)
	require.NotNil(loaded)
	require.Empty(loaded)
	inserted, err := cs.InsertCustomValueIfMissing(ctx, "empty too", nil)
	require.Nil(err)
	require.True(inserted)
	loaded, err = cs.GetCustomValue(ctx, "empty too")
	require.Nil(err)
	require.NotNil(loaded)
}

func (s *suite) customValueInsertIfMissingRemove(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	_, cs := s.getLoadedStore(t, storeName(t))
	defer cs.Close()
	val := []byte("Hello")

	removed, err := cs.RemoveCustomValue(ctx, "A")
	require.Nil(err)
	require.False(removed)

	inserted, err := cs.InsertCustomValueIfMissing(ctx, "A", val)
	require.Nil(err)
	if !store.Supports(cs, store.OpCustomValues) {
		require.False(inserted)
		loaded, err := cs.GetCustomValue(ctx, "A")
		require.Nil(err)
		require.Nil(loaded)
		return
	}
	require.True(inserted)

	loaded, err := cs.GetCustomValue(ctx, "A")
	require.Nil(err)
	require.Equal(val, loaded)

	inserted, err = cs.InsertCustomValueIfMissing(ctx, "A", []byte("other"))
	require.Nil(err)
	require.False(inserted)
	inserted, err = cs.InsertCustomValueIfMissing(ctx, "A", []byte("other"))
	require.Nil(err)
	require.False(inserted)
	loaded, err = cs.GetCustomValue(ctx, "A")
	require.Nil(err)
	require.Equal(val, loaded)

	removed, err = cs.RemoveCustomValue(ctx, "A")
	require.Nil(err)
	require.True(removed)
	loaded, err = cs.GetCustomValue(ctx, "A")
	require.Nil(err)
	require.Nil(loaded)
	removed, err = cs.RemoveCustomValue(ctx, "A")
	require.Nil(err)
	require.False(removed)
}

func (s *suite) customValueMultipleStores(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	_, store1 := s.getLoadedStore(t, name)
	defer store1.Close()
	_, store2 := s.getLoadedStore(t, name)
	defer store2.Close()
	if !store.Supports(store1, store.OpCustomValues) {
		t.Skip("custom values are not kept by this store")
	}
	val1 := []byte("Hello")
	val2 := []byte("Goodbye")

	inserted, err := store1.InsertCustomValueIfMissing(ctx, "A", val1)
	require.Nil(err)
	require.True(inserted)
	inserted, err = store2.InsertCustomValueIfMissing(ctx, "A", val2)
	require.Nil(err)
	require.False(inserted)

	for _, cs := range []store.CryptoStore{store1, store2} {
		loaded, err := cs.GetCustomValue(ctx, "A")
		require.Nil(err)
		require.Equal(val1, loaded)
	}

	removed, err := store1.RemoveCustomValue(ctx, "A")
	require.Nil(err)
	require.True(removed)
	removed, err = store1.RemoveCustomValue(ctx, "A")
	require.Nil(err)
	require.False(removed)
	for _, cs := range []store.CryptoStore{store1, store2} {
		loaded, err := cs.GetCustomValue(ctx, "A")
		require.Nil(err)
		require.Nil(loaded)
	}

	inserted, err = store2.InsertCustomValueIfMissing(ctx, "A", val2)
	require.Nil(err)
	require.True(inserted)
	inserted, err = store1.InsertCustomValueIfMissing(ctx, "A", val1)
	require.Nil(err)
	require.False(inserted)
	for _, cs := range []store.CryptoStore{store1, store2} {
		loaded, err := cs.GetCustomValue(ctx, "A")
		require.Nil(err)
		require.Equal(val2, loaded)
	}
}

func (s *suite) concurrentCustomValueInsert(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	name := storeName(t)
	handles := []store.CryptoStore{s.get(t, name), s.get(t, name)}
	defer func() {
		for _, h := range handles {
			require.Nil(h.Close())
		}
	}()
	if !store.Supports(handles[0], store.OpCustomValues) {
		t.Skip("custom values are not kept by this store")
	}

	const racers = 8
	results := make(chan bool, racers)
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := handles[i%2].InsertCustomValueIfMissing(ctx, "lock", []byte(fmt.Sprintf("holder %d", i)))
			errs <- err
			results <- inserted
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		require.Nil(err)
	}
	winners := 0
	for inserted := range results {
		if inserted {
			winners++
		}
	}
	require.Equal(1, winners)

	v0, err := handles[0].GetCustomValue(ctx, "lock")
	require.Nil(err)
	v1, err := handles[1].GetCustomValue(ctx, "lock")
	require.Nil(err)
	require.NotNil(v0)
	require.Equal(v0, v1)
}

func (s *suite) rejectsInvalidBatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	cs := s.get(t, storeName(t))
	defer cs.Close()

	device := identities.DeviceFromAccount(newAccount(t, bobID, bobDeviceID))
	err := cs.SaveChanges(ctx, &store.Changes{
		Devices: store.DeviceChanges{
			New:     []*identities.Device{device},
			Deleted: []*identities.Device{device},
		},
	})
	require.ErrorIs(err, store.ErrPrecondition)
	loaded, err := cs.GetDevice(ctx, device.UserID, device.DeviceID)
	require.Nil(err)
	require.Nil(loaded)

	err = cs.SaveChanges(ctx, &store.Changes{KeyRequests: []*gossiping.GossipRequest{{Info: roomKeyInfo("s")}}})
	require.ErrorIs(err, store.ErrPrecondition)
}
