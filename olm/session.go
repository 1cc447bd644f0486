package olm

import (
	"github.com/meow-io/go-cryptostore/clock"
	"github.com/meow-io/go-cryptostore/ids"
)

// Session is one pairwise ratchet with a correspondent, keyed by the correspondent's curve25519 identity key.
type Session struct {
	SessionID  string `bencode:"session_id"`
	SenderKey  string `bencode:"sender_key"`
	Pickle     []byte `bencode:"pickle"`
	CreatedAt  uint64 `bencode:"created_at"`
	LastUsedAt uint64 `bencode:"last_used_at"`
}

func NewSession(senderKey string, pickle []byte, cl clock.Clock) *Session {
	now := cl.CurrentTimeMs()
	return &Session{
		SessionID:  ids.NewSessionID(),
		SenderKey:  senderKey,
		Pickle:     pickle,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

func (s *Session) Clone() *Session {
	c := *s
	c.Pickle = cloneBytes(s.Pickle)
	return &c
}

// MessageHash identifies a decrypted pairwise message for replay detection.
type MessageHash struct {
	SenderKey string `bencode:"sender_key"`
	Hash      string `bencode:"hash"`
}
