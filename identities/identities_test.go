package identities

import (
	"testing"

	"github.com/meow-io/go-cryptostore/bencode"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/stretchr/testify/require"
)

func ownIdentity() *OwnUserIdentity {
	return &OwnUserIdentity{
		UserID:         "@example:localhost",
		MasterKey:      CrossSigningKey{UserID: "@example:localhost", Usage: []string{"master"}, Keys: map[string]string{"ed25519:m": "m"}},
		SelfSigningKey: CrossSigningKey{UserID: "@example:localhost", Usage: []string{"self_signing"}, Keys: map[string]string{"ed25519:s": "s"}},
		UserSigningKey: CrossSigningKey{UserID: "@example:localhost", Usage: []string{"user_signing"}, Keys: map[string]string{"ed25519:u": "u"}},
	}
}

func TestVariantEncodingKeepsShape(t *testing.T) {
	require := require.New(t)
	id := Own(ownIdentity())
	require.True(id.Valid())
	buf, err := bencode.Serialize(id)
	require.Nil(err)

	decoded := &UserIdentities{}
	require.Nil(bencode.Deserialize(buf, decoded))
	require.Nil(decoded.Other)
	require.Equal(id, decoded)
	require.Equal("@example:localhost", decoded.UserID())
	require.Equal([]string{"master"}, decoded.MasterKey().Usage)
}

func TestCloneIsDeep(t *testing.T) {
	require := require.New(t)
	id := Own(ownIdentity())
	c := id.Clone()
	c.Own.MarkAsVerified()
	c.Own.MasterKey.Keys["ed25519:m"] = "changed"
	require.False(id.Own.Verified)
	require.Equal("m", id.Own.MasterKey.Keys["ed25519:m"])

	require.False((&UserIdentities{}).Valid())
	require.Equal("", (&UserIdentities{}).UserID())
}

func TestDeviceFromAccount(t *testing.T) {
	require := require.New(t)
	a, err := olm.NewAccount("@alice:localhost", "FIRSTDEVICE")
	require.Nil(err)
	d := DeviceFromAccount(a)
	require.Equal(a.IdentityKeys.Curve25519, d.Keys["curve25519:FIRSTDEVICE"])
	require.Len(d.Algorithms, 2)

	c := d.Clone()
	c.Keys["curve25519:FIRSTDEVICE"] = "x"
	require.Equal(a.IdentityKeys.Curve25519, d.Keys["curve25519:FIRSTDEVICE"])
}
