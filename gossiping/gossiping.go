// This package defines outgoing key and secret requests and the descriptor key they are deduplicated by.
package gossiping

import "github.com/meow-io/go-cryptostore/types"

type SecretName string

const (
	SecretCrossSigningMaster      SecretName = "m.cross_signing.master"
	SecretCrossSigningSelfSigning SecretName = "m.cross_signing.self_signing"
	SecretCrossSigningUserSigning SecretName = "m.cross_signing.user_signing"
	SecretBackupKey               SecretName = "m.megolm_backup.v1"
)

type RoomKeyInfo struct {
	RoomID    string                         `bencode:"room_id"`
	Algorithm types.EventEncryptionAlgorithm `bencode:"algorithm"`
	SenderKey string                         `bencode:"sender_key"`
	SessionID string                         `bencode:"session_id"`
}

// SecretInfo describes what a request asks for: a room key or a named secret. Exactly one field is set.
type SecretInfo struct {
	KeyRequest    *RoomKeyInfo `bencode:"key_request"`
	SecretRequest *SecretName  `bencode:"secret_request"`
}

func RoomKey(info RoomKeyInfo) SecretInfo {
	return SecretInfo{KeyRequest: &info}
}

func Secret(name SecretName) SecretInfo {
	return SecretInfo{SecretRequest: &name}
}

func (i SecretInfo) Valid() bool {
	return (i.KeyRequest == nil) != (i.SecretRequest == nil)
}

// KeyInfoString derives the lookup key a request is indexed under. Room keys concatenate room id, algorithm and
// session id without a separator; named secrets use the name itself.
func KeyInfoString(info SecretInfo) string {
	if info.KeyRequest != nil {
		return info.KeyRequest.RoomID + string(info.KeyRequest.Algorithm) + info.KeyRequest.SessionID
	}
	if info.SecretRequest != nil {
		return string(*info.SecretRequest)
	}
	return ""
}

type GossipRequest struct {
	RequestRecipient string     `bencode:"request_recipient"`
	RequestID        string     `bencode:"request_id"`
	Info             SecretInfo `bencode:"info"`
	SentOut          bool       `bencode:"sent_out"`
}

func (r *GossipRequest) Clone() *GossipRequest {
	c := *r
	if r.Info.KeyRequest != nil {
		k := *r.Info.KeyRequest
		c.Info.KeyRequest = &k
	}
	if r.Info.SecretRequest != nil {
		s := *r.Info.SecretRequest
		c.Info.SecretRequest = &s
	}
	return &c
}
