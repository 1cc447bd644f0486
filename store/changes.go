package store

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/types"
)

type DeviceChanges struct {
	New     []*identities.Device
	Changed []*identities.Device
	Deleted []*identities.Device
}

type IdentityChanges struct {
	New     []*identities.UserIdentities
	Changed []*identities.UserIdentities
}

// Changes is a batch of pending writes. Every field is optional.
type Changes struct {
	Account               *olm.Account
	PrivateIdentity       *olm.PrivateCrossSigningIdentity
	Sessions              []*olm.Session
	InboundGroupSessions  []*olm.InboundGroupSession
	OutboundGroupSessions []*olm.OutboundGroupSession
	Devices               DeviceChanges
	Identities            IdentityChanges
	MessageHashes         []olm.MessageHash
	KeyRequests           []*gossiping.GossipRequest
	// room id -> session id -> event
	WithheldSessionInfo map[string]map[string]types.RoomKeyWithheldEvent
	RoomSettings        map[string]types.RoomSettings
	BackupDecryptionKey []byte
	BackupVersion       string
}

type RoomKeyCounts struct {
	Total    int
	BackedUp int
}

type BackupKeys struct {
	DecryptionKey []byte `bencode:"decryption_key"`
	BackupVersion string `bencode:"backup_version"`
}

func (c *Changes) IsEmpty() bool {
	return c.Account == nil &&
		c.PrivateIdentity == nil &&
		len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 &&
		len(c.OutboundGroupSessions) == 0 &&
		len(c.Devices.New) == 0 &&
		len(c.Devices.Changed) == 0 &&
		len(c.Devices.Deleted) == 0 &&
		len(c.Identities.New) == 0 &&
		len(c.Identities.Changed) == 0 &&
		len(c.MessageHashes) == 0 &&
		len(c.KeyRequests) == 0 &&
		len(c.WithheldSessionInfo) == 0 &&
		len(c.RoomSettings) == 0 &&
		c.BackupDecryptionKey == nil &&
		c.BackupVersion == ""
}

var (
	errDeviceOverlap   = errors.New("device appears in more than one of new, changed and deleted")
	errMissingKey      = errors.New("entity is missing its key")
	errInvalidIdentity = errors.New("user identity must hold exactly one of own and other")
	errInvalidRequest  = errors.New("key request must have a request id and exactly one descriptor")
)

// Validate checks the preconditions SaveChanges relies on. The error is of kind KindPrecondition.
func (c *Changes) Validate() error {
	if err := c.validate(); err != nil {
		return PreconditionError("save changes", err)
	}
	return nil
}

func (c *Changes) validate() error {
	if c.Account != nil && (c.Account.UserID == "" || c.Account.DeviceID == "") {
		return fmt.Errorf("account: %w", errMissingKey)
	}
	if c.PrivateIdentity != nil && c.PrivateIdentity.UserID == "" {
		return fmt.Errorf("private identity: %w", errMissingKey)
	}
	for _, s := range c.Sessions {
		if s.SenderKey == "" || s.SessionID == "" {
			return fmt.Errorf("session: %w", errMissingKey)
		}
	}
	for _, s := range c.InboundGroupSessions {
		if s.RoomID == "" || s.SessionID == "" {
			return fmt.Errorf("inbound group session: %w", errMissingKey)
		}
	}
	for _, s := range c.OutboundGroupSessions {
		if s.RoomID == "" {
			return fmt.Errorf("outbound group session: %w", errMissingKey)
		}
	}

	seen := make(map[[2]string]bool)
	for _, set := range [][]*identities.Device{c.Devices.New, c.Devices.Changed, c.Devices.Deleted} {
		inSet := make(map[[2]string]bool, len(set))
		for _, d := range set {
			if d.UserID == "" || d.DeviceID == "" {
				return fmt.Errorf("device: %w", errMissingKey)
			}
			k := [2]string{d.UserID, d.DeviceID}
			if seen[k] && !inSet[k] {
				return fmt.Errorf("%s %s: %w", d.UserID, d.DeviceID, errDeviceOverlap)
			}
			inSet[k] = true
		}
		for k := range inSet {
			seen[k] = true
		}
	}

	for _, set := range [][]*identities.UserIdentities{c.Identities.New, c.Identities.Changed} {
		for _, i := range set {
			if !i.Valid() {
				return errInvalidIdentity
			}
			if i.UserID() == "" {
				return fmt.Errorf("user identity: %w", errMissingKey)
			}
		}
	}

	for _, h := range c.MessageHashes {
		if h.SenderKey == "" || h.Hash == "" {
			return fmt.Errorf("message hash: %w", errMissingKey)
		}
	}
	for _, r := range c.KeyRequests {
		if r.RequestID == "" || !r.Info.Valid() {
			return errInvalidRequest
		}
	}
	for roomID, sessions := range c.WithheldSessionInfo {
		if roomID == "" {
			return fmt.Errorf("withheld info: %w", errMissingKey)
		}
		for sessionID := range sessions {
			if sessionID == "" {
				return fmt.Errorf("withheld info: %w", errMissingKey)
			}
		}
	}
	for roomID := range c.RoomSettings {
		if roomID == "" {
			return fmt.Errorf("room settings: %w", errMissingKey)
		}
	}
	return nil
}
