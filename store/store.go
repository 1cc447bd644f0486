// This package defines the contract every crypto store backend implements, the batch record changes are
// submitted in, and the concurrency primitives backends share: the pairwise session ledger, the group session
// table, the device table and the gossip request index.
package store

import (
	"context"

	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/types"
)

// CryptoStore persists the cryptographic state of one device. Absence is reported as a nil or empty result, never
// as an error.
type CryptoStore interface {
	LoadAccount(ctx context.Context) (*olm.Account, error)
	SaveAccount(ctx context.Context, account *olm.Account) error
	LoadIdentity(ctx context.Context) (*olm.PrivateCrossSigningIdentity, error)

	// SaveChanges applies a batch. Each entity kind is applied atomically; the batch as a whole may not be.
	// Sessions are written while holding their sender keys' lists, waiting for any holder unless ctx came from
	// that holder's Lock.
	SaveChanges(ctx context.Context, changes *Changes) error

	// GetSessions returns the shared session list for senderKey, or nil if no session is known. The list includes
	// every session committed to the store so far, through any handle.
	GetSessions(ctx context.Context, senderKey string) (*SessionList, error)

	GetInboundGroupSession(ctx context.Context, roomID, sessionID string) (*olm.InboundGroupSession, error)
	GetInboundGroupSessions(ctx context.Context) ([]*olm.InboundGroupSession, error)
	InboundGroupSessionCounts(ctx context.Context) (RoomKeyCounts, error)
	// InboundGroupSessionsForBackup returns up to limit sessions not yet backed up, ordered by room id and then
	// session id.
	InboundGroupSessionsForBackup(ctx context.Context, limit int) ([]*olm.InboundGroupSession, error)
	ResetBackupState(ctx context.Context) error

	GetOutboundGroupSession(ctx context.Context, roomID string) (*olm.OutboundGroupSession, error)

	LoadTrackedUsers(ctx context.Context) ([]identities.TrackedUser, error)
	SaveTrackedUsers(ctx context.Context, users []identities.TrackedUser) error

	GetDevice(ctx context.Context, userID, deviceID string) (*identities.Device, error)
	GetUserDevices(ctx context.Context, userID string) (map[string]*identities.Device, error)
	GetUserIdentity(ctx context.Context, userID string) (*identities.UserIdentities, error)

	IsMessageKnown(ctx context.Context, hash olm.MessageHash) (bool, error)

	GetOutgoingSecretRequest(ctx context.Context, requestID string) (*gossiping.GossipRequest, error)
	GetSecretRequestByInfo(ctx context.Context, info gossiping.SecretInfo) (*gossiping.GossipRequest, error)
	GetUnsentSecretRequests(ctx context.Context) ([]*gossiping.GossipRequest, error)
	DeleteOutgoingSecretRequest(ctx context.Context, requestID string) error

	LoadBackupKeys(ctx context.Context) (BackupKeys, error)
	GetWithheldInfo(ctx context.Context, roomID, sessionID string) (*types.RoomKeyWithheldEvent, error)
	GetRoomSettings(ctx context.Context, roomID string) (*types.RoomSettings, error)

	GetCustomValue(ctx context.Context, key string) ([]byte, error)
	SetCustomValue(ctx context.Context, key string, value []byte) error
	// InsertCustomValueIfMissing stores value only if key is absent, and reports whether it did. The check is
	// atomic against every handle on the same physical store.
	InsertCustomValueIfMissing(ctx context.Context, key string, value []byte) (bool, error)
	RemoveCustomValue(ctx context.Context, key string) (bool, error)

	Close() error
}

// Operation names a group of contract operations a backend may leave unimplemented.
type Operation string

const (
	OpOutboundGroupSessions Operation = "outbound_group_sessions"
	OpTrackedUsers          Operation = "tracked_users"
	OpBackupKeys            Operation = "backup_keys"
	OpRoomSettings          Operation = "room_settings"
	OpCustomValues          Operation = "custom_values"
)

// PartialStore is implemented by backends that stub some operations. Stubbed operations report absence and
// discard writes.
type PartialStore interface {
	Unsupported() []Operation
}

// Supports reports whether s implements op faithfully.
func Supports(s CryptoStore, op Operation) bool {
	p, ok := s.(PartialStore)
	if !ok {
		return true
	}
	for _, u := range p.Unsupported() {
		if u == op {
			return false
		}
	}
	return true
}
