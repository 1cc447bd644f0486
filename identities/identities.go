// This package defines the device and cross-signing identity records kept for every tracked user.
package identities

import (
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/types"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type LocalTrust uint8

const (
	TrustUnset LocalTrust = iota
	TrustVerified
	TrustBlacklisted
	TrustIgnored
)

type Device struct {
	UserID      string                           `bencode:"user_id"`
	DeviceID    string                           `bencode:"device_id"`
	Algorithms  []types.EventEncryptionAlgorithm `bencode:"algorithms"`
	Keys        map[string]string                `bencode:"keys"`
	DisplayName string                           `bencode:"display_name"`
	Trust       LocalTrust                       `bencode:"trust"`
	Deleted     bool                             `bencode:"deleted"`
}

// DeviceFromAccount describes the device an account lives on, the way other devices see it in key queries.
func DeviceFromAccount(a *olm.Account) *Device {
	return &Device{
		UserID:     a.UserID,
		DeviceID:   a.DeviceID,
		Algorithms: []types.EventEncryptionAlgorithm{types.OlmV1Curve25519AesSha2, types.MegolmV1AesSha2},
		Keys: map[string]string{
			"curve25519:" + a.DeviceID: a.IdentityKeys.Curve25519,
			"ed25519:" + a.DeviceID:    a.IdentityKeys.Ed25519,
		},
	}
}

func (d *Device) Clone() *Device {
	c := *d
	c.Algorithms = slices.Clone(d.Algorithms)
	if d.Keys != nil {
		c.Keys = maps.Clone(d.Keys)
	}
	return &c
}

type CrossSigningKey struct {
	UserID string            `bencode:"user_id"`
	Usage  []string          `bencode:"usage"`
	Keys   map[string]string `bencode:"keys"`
}

func (k CrossSigningKey) clone() CrossSigningKey {
	k.Usage = slices.Clone(k.Usage)
	if k.Keys != nil {
		k.Keys = maps.Clone(k.Keys)
	}
	return k
}

type OwnUserIdentity struct {
	UserID         string          `bencode:"user_id"`
	MasterKey      CrossSigningKey `bencode:"master_key"`
	SelfSigningKey CrossSigningKey `bencode:"self_signing_key"`
	UserSigningKey CrossSigningKey `bencode:"user_signing_key"`
	Verified       bool            `bencode:"verified"`
}

func (i *OwnUserIdentity) MarkAsVerified() {
	i.Verified = true
}

type OtherUserIdentity struct {
	UserID         string          `bencode:"user_id"`
	MasterKey      CrossSigningKey `bencode:"master_key"`
	SelfSigningKey CrossSigningKey `bencode:"self_signing_key"`
}

// UserIdentities holds exactly one of Own or Other.
type UserIdentities struct {
	Own   *OwnUserIdentity   `bencode:"own"`
	Other *OtherUserIdentity `bencode:"other"`
}

func (u *UserIdentities) UserID() string {
	if u.Own != nil {
		return u.Own.UserID
	}
	if u.Other != nil {
		return u.Other.UserID
	}
	return ""
}

func (u *UserIdentities) MasterKey() CrossSigningKey {
	if u.Own != nil {
		return u.Own.MasterKey
	}
	if u.Other != nil {
		return u.Other.MasterKey
	}
	return CrossSigningKey{}
}

func (u *UserIdentities) SelfSigningKey() CrossSigningKey {
	if u.Own != nil {
		return u.Own.SelfSigningKey
	}
	if u.Other != nil {
		return u.Other.SelfSigningKey
	}
	return CrossSigningKey{}
}

// Valid reports whether exactly one variant is set.
func (u *UserIdentities) Valid() bool {
	return (u.Own == nil) != (u.Other == nil)
}

func (u *UserIdentities) Clone() *UserIdentities {
	c := &UserIdentities{}
	if u.Own != nil {
		own := *u.Own
		own.MasterKey = u.Own.MasterKey.clone()
		own.SelfSigningKey = u.Own.SelfSigningKey.clone()
		own.UserSigningKey = u.Own.UserSigningKey.clone()
		c.Own = &own
	}
	if u.Other != nil {
		other := *u.Other
		other.MasterKey = u.Other.MasterKey.clone()
		other.SelfSigningKey = u.Other.SelfSigningKey.clone()
		c.Other = &other
	}
	return c
}

func Own(i *OwnUserIdentity) *UserIdentities {
	return &UserIdentities{Own: i}
}

func Other(i *OtherUserIdentity) *UserIdentities {
	return &UserIdentities{Other: i}
}

// TrackedUser is a user whose device list is followed. Dirty means the list must be re-queried.
type TrackedUser struct {
	UserID string `bencode:"user_id"`
	Dirty  bool   `bencode:"dirty"`
}
