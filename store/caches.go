package store

import (
	"sync"

	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type groupEntry struct {
	mu      sync.Mutex
	session *olm.InboundGroupSession
}

// GroupSessionStore holds inbound group sessions keyed by room and session id. Each session sits behind its own
// lock; the table lock is only held for lookups.
type GroupSessionStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*groupEntry
}

func NewGroupSessionStore() *GroupSessionStore {
	return &GroupSessionStore{entries: make(map[string]map[string]*groupEntry)}
}

// Add stores a copy of session and reports whether it was not known before.
func (g *GroupSessionStore) Add(session *olm.InboundGroupSession) bool {
	g.mu.Lock()
	room, ok := g.entries[session.RoomID]
	if !ok {
		room = make(map[string]*groupEntry)
		g.entries[session.RoomID] = room
	}
	e, ok := room[session.SessionID]
	if !ok {
		room[session.SessionID] = &groupEntry{session: session.Clone()}
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	e.mu.Lock()
	e.session = session.Clone()
	e.mu.Unlock()
	return false
}

func (g *GroupSessionStore) Get(roomID, sessionID string) *olm.InboundGroupSession {
	g.mu.RLock()
	e, ok := g.entries[roomID][sessionID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// ordered returns the entries sorted by room id, then session id.
func (g *GroupSessionStore) ordered() []*groupEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := maps.Keys(g.entries)
	slices.Sort(rooms)
	var out []*groupEntry
	for _, r := range rooms {
		ids := maps.Keys(g.entries[r])
		slices.Sort(ids)
		for _, id := range ids {
			out = append(out, g.entries[r][id])
		}
	}
	return out
}

// All returns copies of every session ordered by room id, then session id.
func (g *GroupSessionStore) All() []*olm.InboundGroupSession {
	entries := g.ordered()
	out := make([]*olm.InboundGroupSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	return out
}

func (g *GroupSessionStore) Counts() RoomKeyCounts {
	var c RoomKeyCounts
	for _, e := range g.ordered() {
		e.mu.Lock()
		c.Total++
		if e.session.BackedUp {
			c.BackedUp++
		}
		e.mu.Unlock()
	}
	return c
}

// ForBackup returns up to limit sessions not yet backed up. A limit below one returns nothing.
func (g *GroupSessionStore) ForBackup(limit int) []*olm.InboundGroupSession {
	if limit <= 0 {
		return nil
	}
	var out []*olm.InboundGroupSession
	for _, e := range g.ordered() {
		if len(out) >= limit {
			break
		}
		e.mu.Lock()
		if !e.session.BackedUp {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

func (g *GroupSessionStore) ResetBackupState() {
	for _, e := range g.ordered() {
		e.mu.Lock()
		e.session.ResetBackupState()
		e.mu.Unlock()
	}
}

// DeviceStore holds devices keyed by user id and device id.
type DeviceStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*identities.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{entries: make(map[string]map[string]*identities.Device)}
}

// Add stores a copy of d and reports whether it was not known before.
func (s *DeviceStore) Add(d *identities.Device) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.entries[d.UserID]
	if !ok {
		user = make(map[string]*identities.Device)
		s.entries[d.UserID] = user
	}
	_, existed := user[d.DeviceID]
	user[d.DeviceID] = d.Clone()
	return !existed
}

// Remove deletes a device and returns it, or nil if it was unknown.
func (s *DeviceStore) Remove(userID, deviceID string) *identities.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[userID][deviceID]
	if !ok {
		return nil
	}
	delete(s.entries[userID], deviceID)
	if len(s.entries[userID]) == 0 {
		delete(s.entries, userID)
	}
	return d
}

func (s *DeviceStore) Get(userID, deviceID string) *identities.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.entries[userID][deviceID]
	if !ok {
		return nil
	}
	return d.Clone()
}

func (s *DeviceStore) UserDevices(userID string) map[string]*identities.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*identities.Device, len(s.entries[userID]))
	for id, d := range s.entries[userID] {
		out[id] = d.Clone()
	}
	return out
}
