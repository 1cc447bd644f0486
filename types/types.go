// This package holds the small value types shared by entities and by the store batch record.
package types

type EventEncryptionAlgorithm string

const (
	OlmV1Curve25519AesSha2 EventEncryptionAlgorithm = "m.olm.v1.curve25519-aes-sha2"
	MegolmV1AesSha2        EventEncryptionAlgorithm = "m.megolm.v1.aes-sha2"
)

type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

type RoomKeyWithheldContent struct {
	Algorithm  EventEncryptionAlgorithm `bencode:"algorithm"`
	Code       WithheldCode             `bencode:"code"`
	Reason     string                   `bencode:"reason"`
	RoomID     string                   `bencode:"room_id"`
	SessionID  string                   `bencode:"session_id"`
	SenderKey  string                   `bencode:"sender_key"`
	FromDevice string                   `bencode:"from_device"`
}

// RoomKeyWithheldEvent records that a room key was deliberately not shared with this device.
type RoomKeyWithheldEvent struct {
	Sender  string                 `bencode:"sender"`
	Content RoomKeyWithheldContent `bencode:"content"`
}

type RoomSettings struct {
	Algorithm               EventEncryptionAlgorithm `bencode:"algorithm"`
	OnlyAllowTrustedDevices bool                     `bencode:"only_allow_trusted_devices"`
}
