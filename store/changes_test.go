package store

import (
	"errors"
	"testing"

	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsDisjointDevices(t *testing.T) {
	require := require.New(t)
	d1 := &identities.Device{UserID: "@a", DeviceID: "1"}
	d2 := &identities.Device{UserID: "@a", DeviceID: "2"}
	c := &Changes{Devices: DeviceChanges{New: []*identities.Device{d1, d1}, Deleted: []*identities.Device{d2}}}
	require.Nil(c.Validate())
	require.False(c.IsEmpty())
	require.True((&Changes{}).IsEmpty())
}

func TestValidateRejectsBadBatches(t *testing.T) {
	d := &identities.Device{UserID: "@a", DeviceID: "1"}
	cases := map[string]*Changes{
		"overlapping devices":  {Devices: DeviceChanges{New: []*identities.Device{d}, Deleted: []*identities.Device{d}}},
		"device without id":    {Devices: DeviceChanges{Changed: []*identities.Device{{UserID: "@a"}}}},
		"request without id":   {KeyRequests: []*gossiping.GossipRequest{{Info: gossiping.Secret(gossiping.SecretBackupKey)}}},
		"request without info": {KeyRequests: []*gossiping.GossipRequest{{RequestID: "1"}}},
		"session without key":  {Sessions: []*olm.Session{{SessionID: "a"}}},
		"empty identity":       {Identities: IdentityChanges{New: []*identities.UserIdentities{{}}}},
		"hash without sender":  {MessageHashes: []olm.MessageHash{{Hash: "h"}}},
		"account without ids":  {Account: &olm.Account{}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.Validate()
			require.NotNil(t, err)
			require.True(t, errors.Is(err, ErrPrecondition))
			require.False(t, errors.Is(err, ErrIO))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	require := require.New(t)
	base := errors.New("disk on fire")
	err := IOError("load account", base)
	require.ErrorIs(err, ErrIO)
	require.ErrorIs(err, base)
	require.Equal("store: load account io error: disk on fire", err.Error())

	// an error that already carries a kind keeps it
	require.ErrorIs(EncodingError("x", err), ErrIO)
	require.Nil(IOError("x", nil))
	require.ErrorIs(PreconditionError("get", ErrClosed), ErrClosed)
}
