package olm

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/meow-io/go-cryptostore/clock"
	"github.com/meow-io/go-cryptostore/ids"
	"github.com/meow-io/go-cryptostore/types"
	"golang.org/x/exp/maps"
)

type InboundGroupSession struct {
	RoomID     string                         `bencode:"room_id"`
	SessionID  string                         `bencode:"session_id"`
	SenderKey  string                         `bencode:"sender_key"`
	SigningKey string                         `bencode:"signing_key"`
	Algorithm  types.EventEncryptionAlgorithm `bencode:"algorithm"`
	Pickle     []byte                         `bencode:"pickle"`
	Imported   bool                           `bencode:"imported"`
	BackedUp   bool                           `bencode:"backed_up"`
}

func (s *InboundGroupSession) MarkAsBackedUp() {
	s.BackedUp = true
}

func (s *InboundGroupSession) ResetBackupState() {
	s.BackedUp = false
}

func (s *InboundGroupSession) Clone() *InboundGroupSession {
	c := *s
	c.Pickle = cloneBytes(s.Pickle)
	return &c
}

// OutboundRequest is a to-device message queued on an outbound group session until it is sent.
type OutboundRequest struct {
	RequestID string `bencode:"request_id"`
	Recipient string `bencode:"recipient"`
	DeviceID  string `bencode:"device_id"`
	EventType string `bencode:"event_type"`
	Content   []byte `bencode:"content"`
}

type OutboundGroupSession struct {
	RoomID       string                         `bencode:"room_id"`
	SessionID    string                         `bencode:"session_id"`
	DeviceID     string                         `bencode:"device_id"`
	Algorithm    types.EventEncryptionAlgorithm `bencode:"algorithm"`
	Pickle       []byte                         `bencode:"pickle"`
	MessageCount uint64                         `bencode:"message_count"`
	Shared       bool                           `bencode:"shared"`
	CreatedAt    uint64                         `bencode:"created_at"`
	Requests     map[string]OutboundRequest     `bencode:"requests"`
}

func (s *OutboundGroupSession) AddRequest(r OutboundRequest) {
	if s.Requests == nil {
		s.Requests = make(map[string]OutboundRequest)
	}
	s.Requests[r.RequestID] = r
}

// MarkRequestAsSent drops a queued request and reports whether it was queued.
func (s *OutboundGroupSession) MarkRequestAsSent(requestID string) bool {
	if _, ok := s.Requests[requestID]; !ok {
		return false
	}
	delete(s.Requests, requestID)
	if len(s.Requests) == 0 {
		s.Requests = nil
	}
	return true
}

func (s *OutboundGroupSession) Clone() *OutboundGroupSession {
	c := *s
	c.Pickle = cloneBytes(s.Pickle)
	if s.Requests != nil {
		c.Requests = maps.Clone(s.Requests)
		for id, r := range c.Requests {
			r.Content = cloneBytes(r.Content)
			c.Requests[id] = r
		}
	}
	return &c
}

// NewGroupSessionPair creates a fresh outbound group session for room and the matching inbound session this
// account uses to decrypt its own messages.
func (a *Account) NewGroupSessionPair(roomID string, cl clock.Clock) (*OutboundGroupSession, *InboundGroupSession, error) {
	sessionKey := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, sessionKey); err != nil {
		return nil, nil, fmt.Errorf("olm: error generating session key: %w", err)
	}
	sessionID := ids.NewSessionID()
	out := &OutboundGroupSession{
		RoomID:    roomID,
		SessionID: sessionID,
		DeviceID:  a.DeviceID,
		Algorithm: types.MegolmV1AesSha2,
		Pickle:    sessionKey,
		CreatedAt: cl.CurrentTimeMs(),
	}
	in := &InboundGroupSession{
		RoomID:     roomID,
		SessionID:  sessionID,
		SenderKey:  a.IdentityKeys.Curve25519,
		SigningKey: a.IdentityKeys.Ed25519,
		Algorithm:  types.MegolmV1AesSha2,
		Pickle:     cloneBytes(sessionKey),
	}
	return out, in, nil
}
