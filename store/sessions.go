package store

import (
	"context"
	"sync"

	"github.com/meow-io/go-cryptostore/olm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type heldKey struct{}

// heldLists is the chain of session lists a context was handed out for by Lock.
type heldLists struct {
	list *SessionList
	next *heldLists
}

// SessionList is the ordered list of pairwise sessions for one sender key. Every caller resolving the same sender
// key on a store handle gets the same *SessionList. Callers that read a session, advance its ratchet and write it
// back must hold the list lock for the whole step, and write with the context Lock returned.
type SessionList struct {
	sem chan struct{}

	// guards sessions
	mu       sync.Mutex
	sessions []*olm.Session
}

func newSessionList() *SessionList {
	return &SessionList{sem: make(chan struct{}, 1)}
}

// Lock takes the list lock, waiting until it is free or ctx is done. On error the lock is not held.
//
// The returned context marks the list as held. Store calls made with it until Unlock reach the list without
// waiting for the lock; calls made with any other context wait for Unlock.
func (l *SessionList) Lock(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	next, _ := ctx.Value(heldKey{}).(*heldLists)
	return context.WithValue(ctx, heldKey{}, &heldLists{list: l, next: next}), nil
}

func (l *SessionList) Unlock() {
	select {
	case <-l.sem:
	default:
		panic("store: unlock of unlocked session list")
	}
}

func (l *SessionList) heldIn(ctx context.Context) bool {
	for h, _ := ctx.Value(heldKey{}).(*heldLists); h != nil; h = h.next {
		if h.list == l {
			return true
		}
	}
	return false
}

// Run holds the list lock while fn runs. fn gets the holding context.
func (l *SessionList) Run(ctx context.Context, fn func(ctx context.Context, sessions []*olm.Session) error) error {
	if l.heldIn(ctx) {
		return fn(ctx, l.Sessions())
	}
	heldCtx, err := l.Lock(ctx)
	if err != nil {
		return err
	}
	defer l.Unlock()
	return fn(heldCtx, l.Sessions())
}

// Sessions returns the sessions in insertion order. The slice is a copy; the sessions are shared.
func (l *SessionList) Sessions() []*olm.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*olm.Session(nil), l.sessions...)
}

func (l *SessionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *SessionList) add(s *olm.Session) bool {
	for i, existing := range l.sessions {
		if existing.SessionID == s.SessionID {
			l.sessions[i] = s
			return false
		}
	}
	l.sessions = append(l.sessions, s)
	return true
}

// merge reorders the list to follow rows. Sessions already in the list keep their identity and take the row's
// state; sessions missing from rows stay at the end.
func (l *SessionList) merge(rows []*olm.Session) {
	current := make(map[string]*olm.Session, len(l.sessions))
	for _, s := range l.sessions {
		current[s.SessionID] = s
	}
	merged := make([]*olm.Session, 0, len(rows)+len(l.sessions))
	for _, row := range rows {
		if existing, ok := current[row.SessionID]; ok {
			*existing = *row
			merged = append(merged, existing)
			delete(current, row.SessionID)
			continue
		}
		merged = append(merged, row)
	}
	for _, s := range l.sessions {
		if _, ok := current[s.SessionID]; ok {
			merged = append(merged, s)
		}
	}
	l.sessions = merged
}

// Snapshot copies every session while holding the list lock.
func (l *SessionList) Snapshot(ctx context.Context) ([]*olm.Session, error) {
	var out []*olm.Session
	err := l.Run(ctx, func(_ context.Context, sessions []*olm.Session) error {
		out = make([]*olm.Session, len(sessions))
		for i, s := range sessions {
			out[i] = s.Clone()
		}
		return nil
	})
	return out, err
}

// SessionStore maps sender keys to their shared session lists.
type SessionStore struct {
	mu      sync.Mutex
	entries map[string]*SessionList
}

func NewSessionStore() *SessionStore {
	return &SessionStore{entries: make(map[string]*SessionList)}
}

func (s *SessionStore) entry(senderKey string) *SessionList {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.entries[senderKey]
	if !ok {
		l = newSessionList()
		s.entries[senderKey] = l
	}
	return l
}

// LockFor takes the list lock of every sender key in sessions that ctx does not already hold, in sender key
// order, and returns the func releasing them. Writers hold these locks from before their commit until the
// committed sessions are in the lists.
func (s *SessionStore) LockFor(ctx context.Context, sessions []*olm.Session) (func(), error) {
	keys := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		keys[session.SenderKey] = struct{}{}
	}
	ordered := maps.Keys(keys)
	slices.Sort(ordered)

	var locked []*SessionList
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
	for _, senderKey := range ordered {
		l := s.entry(senderKey)
		if l.heldIn(ctx) {
			continue
		}
		if _, err := l.Lock(ctx); err != nil {
			unlock()
			return nil, err
		}
		locked = append(locked, l)
	}
	return unlock, nil
}

// Add puts session into the list for its sender key, replacing the session with the same id in place. It reports
// whether session was appended. The caller holds the list lock, usually through LockFor.
func (s *SessionStore) Add(session *olm.Session) bool {
	l := s.entry(session.SenderKey)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(session)
}

// Get returns the list for senderKey, or nil if it holds no sessions.
func (s *SessionStore) Get(senderKey string) *SessionList {
	s.mu.Lock()
	l, ok := s.entries[senderKey]
	s.mu.Unlock()
	if !ok || l.Len() == 0 {
		return nil
	}
	return l
}

// Load reads the rows for senderKey with loader and merges them into the shared list, under the list lock unless
// ctx already holds it. Every call reads again, so sessions committed through other handles show up in the list
// handed out earlier. It returns nil if the list is empty.
func (s *SessionStore) Load(ctx context.Context, senderKey string, loader func(ctx context.Context) ([]*olm.Session, error)) (*SessionList, error) {
	l := s.entry(senderKey)
	if !l.heldIn(ctx) {
		heldCtx, err := l.Lock(ctx)
		if err != nil {
			return nil, err
		}
		defer l.Unlock()
		ctx = heldCtx
	}
	rows, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.merge(rows)
	empty := len(l.sessions) == 0
	l.mu.Unlock()
	if empty {
		return nil, nil
	}
	return l, nil
}
