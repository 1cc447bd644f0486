package badgerstore

import "strings"

const sep = "\x00"

var (
	keyAccount         = []byte("account")
	keyPrivateIdentity = []byte("private_identity")
	keyBackupKeys      = []byte("backup_keys")
)

const (
	prefixSessions     = "sessions"
	prefixInbound      = "igs"
	prefixOutbound     = "ogs"
	prefixTracked      = "tracked"
	prefixDevice       = "device"
	prefixIdentity     = "identity"
	prefixHash         = "hash"
	prefixRequest      = "request"
	prefixRequestInfo  = "request_info"
	prefixWithheld     = "withheld"
	prefixRoomSettings = "room_settings"
	prefixCustomValue  = "custom"
)

// key joins parts behind prefix, each part preceded by a NUL.
func key(prefix string, parts ...string) []byte {
	return []byte(prefix + sep + strings.Join(parts, sep))
}

// scanPrefix is the prefix every key built from prefix and parts (plus at least one more part) starts with.
func scanPrefix(prefix string, parts ...string) []byte {
	if len(parts) == 0 {
		return []byte(prefix + sep)
	}
	return []byte(prefix + sep + strings.Join(parts, sep) + sep)
}
