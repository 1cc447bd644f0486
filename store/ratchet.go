package store

import (
	"context"
	"fmt"

	"github.com/meow-io/go-cryptostore/clock"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/status-im/doubleratchet"
)

// RatchetStorage persists doubleratchet states as the pickles of the sessions of one sender key. Session ids are
// the ratchet ids.
type RatchetStorage struct {
	ctx       context.Context
	store     CryptoStore
	senderKey string
	clock     clock.Clock
}

var _ doubleratchet.SessionStorage = (*RatchetStorage)(nil)

func NewRatchetStorage(ctx context.Context, cs CryptoStore, senderKey string, cl clock.Clock) *RatchetStorage {
	return &RatchetStorage{ctx: ctx, store: cs, senderKey: senderKey, clock: cl}
}

func findSession(sessions []*olm.Session, id []byte) *olm.Session {
	for _, s := range sessions {
		if s.SessionID == string(id) {
			return s
		}
	}
	return nil
}

// Load returns nil if no session with id is stored.
func (rs *RatchetStorage) Load(id []byte) (*doubleratchet.State, error) {
	list, err := rs.store.GetSessions(rs.ctx, rs.senderKey)
	if err != nil || list == nil {
		return nil, err
	}
	var pickle []byte
	if err := list.Run(rs.ctx, func(_ context.Context, sessions []*olm.Session) error {
		if s := findSession(sessions, id); s != nil {
			pickle = append([]byte(nil), s.Pickle...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if pickle == nil {
		return nil, nil
	}
	state, err := olm.UnpickleRatchetState(pickle)
	if err != nil {
		return nil, EncodingError("load ratchet", err)
	}
	return state, nil
}

// Save writes state into the session with id, creating it if the sender key has none. The list lock is held from
// the lookup until the write is committed.
func (rs *RatchetStorage) Save(id []byte, state *doubleratchet.State) error {
	pickle, err := olm.PickleRatchetState(state)
	if err != nil {
		return EncodingError("save ratchet", err)
	}
	list, err := rs.store.GetSessions(rs.ctx, rs.senderKey)
	if err != nil {
		return err
	}
	if list == nil {
		return rs.save(rs.ctx, id, nil, pickle)
	}
	return list.Run(rs.ctx, func(ctx context.Context, sessions []*olm.Session) error {
		return rs.save(ctx, id, findSession(sessions, id), pickle)
	})
}

func (rs *RatchetStorage) save(ctx context.Context, id []byte, existing *olm.Session, pickle []byte) error {
	now := rs.clock.CurrentTimeMs()
	s := &olm.Session{SessionID: string(id), SenderKey: rs.senderKey, CreatedAt: now}
	if existing != nil {
		s = existing.Clone()
	}
	s.Pickle = pickle
	s.LastUsedAt = now
	if err := rs.store.SaveChanges(ctx, &Changes{Sessions: []*olm.Session{s}}); err != nil {
		return fmt.Errorf("store: error saving ratchet %x: %w", id, err)
	}
	return nil
}
