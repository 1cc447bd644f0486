package olm

import (
	"testing"
	"time"

	"github.com/meow-io/go-cryptostore/clock"
	"github.com/meow-io/go-cryptostore/crypto"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
)

func TestNewAccount(t *testing.T) {
	require := require.New(t)
	a, err := NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	require.Len(a.IdentityKeys.Curve25519, 43)
	require.Len(a.IdentityKeys.Ed25519, 43)
	require.False(a.Shared)

	b := a.Clone()
	b.MarkAsShared()
	b.UpdateUploadedKeyCount(50)
	b.Pickle[0] ^= 1
	require.False(a.Shared)
	require.Equal(uint64(0), a.UploadedKeyCount)
	require.NotEqual(a.Pickle, b.Pickle)

	require.Equal(uint64(0), a.GenerateOneTimeKeys(10))
	require.Equal(uint64(10), a.GenerateOneTimeKeys(5))
	require.Equal(uint64(15), a.OneTimeKeyCounter)
}

func TestGroupSessionPair(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManualClock(time.UnixMilli(1000))
	a, err := NewAccount("@alice:example.org", "ALICEDEVICE")
	require.Nil(err)
	out, in, err := a.NewGroupSessionPair("!test:localhost", cl)
	require.Nil(err)
	require.Equal(out.SessionID, in.SessionID)
	require.Equal(out.Pickle, in.Pickle)
	require.Equal(types.MegolmV1AesSha2, in.Algorithm)
	require.Equal(uint64(1000), out.CreatedAt)
	require.False(in.BackedUp)

	in.MarkAsBackedUp()
	require.True(in.BackedUp)
	in.ResetBackupState()
	require.False(in.BackedUp)

	out.AddRequest(OutboundRequest{RequestID: "r1", Recipient: "@example:localhost", DeviceID: "*", EventType: "m.dummy", Content: []byte("{}")})
	c := out.Clone()
	require.True(out.MarkRequestAsSent("r1"))
	require.False(out.MarkRequestAsSent("r1"))
	require.Nil(out.Requests)
	require.Len(c.Requests, 1)
}

func TestRatchetStateRoundTrip(t *testing.T) {
	require := require.New(t)
	peer, err := crypto.GenerateCurve25519()
	require.Nil(err)
	shared := make([]byte, 32)
	shared[3] = 9

	state, err := NewRatchetState(shared, peer.Public[:])
	require.Nil(err)
	require.Nil(state.MkSkipped.Put([]byte("sid"), peer.Public[:], 4, []byte("message key 4"), 1))
	require.Nil(state.MkSkipped.Put([]byte("sid"), peer.Public[:], 7, []byte("message key 7"), 2))

	pickle, err := PickleRatchetState(state)
	require.Nil(err)
	restored, err := UnpickleRatchetState(pickle)
	require.Nil(err)

	require.Equal(state.DHs.PublicKey(), restored.DHs.PublicKey())
	require.Equal(state.DHs.PrivateKey(), restored.DHs.PrivateKey())
	require.Equal(state.RootCh.CK, restored.RootCh.CK)
	require.Equal(state.SendCh.CK, restored.SendCh.CK)
	require.Equal(state.NHKs, restored.NHKs)
	require.Equal(state.MaxSkip, restored.MaxSkip)

	mk, ok, err := restored.MkSkipped.Get(peer.Public[:], 7)
	require.Nil(err)
	require.True(ok)
	require.Equal([]byte("message key 7"), []byte(mk))
	n, err := restored.MkSkipped.Count(peer.Public[:])
	require.Nil(err)
	require.Equal(uint(2), n)

	repickled, err := PickleRatchetState(restored)
	require.Nil(err)
	require.Equal(pickle, repickled)
}

func TestUnpickleRejectsGarbage(t *testing.T) {
	require := require.New(t)
	_, err := UnpickleRatchetState([]byte("not bencode"))
	require.NotNil(err)
	_, err = UnpickleRatchetState([]byte("de"))
	require.NotNil(err)
}

func TestSkippedKeysTruncate(t *testing.T) {
	require := require.New(t)
	ks := NewSkippedKeys()
	pub := []byte("pub")
	for i := uint(0); i < 5; i++ {
		require.Nil(ks.Put([]byte("a"), pub, i, []byte{byte(i + 1)}, i))
	}
	require.Nil(ks.Put([]byte("b"), []byte("other"), 0, []byte{9}, 0))

	require.Nil(ks.TruncateMks([]byte("a"), 2))
	n, err := ks.Count(pub)
	require.Nil(err)
	require.Equal(uint(2), n)
	_, ok, err := ks.Get(pub, 4)
	require.Nil(err)
	require.True(ok)
	_, ok, err = ks.Get(pub, 1)
	require.Nil(err)
	require.False(ok)

	require.Nil(ks.DeleteOldMks([]byte("a"), 4))
	n, err = ks.Count(pub)
	require.Nil(err)
	require.Equal(uint(1), n)

	require.Nil(ks.DeleteMk(pub, 4))
	all, err := ks.All()
	require.Nil(err)
	require.Len(all, 1)
}

func TestPrivateIdentityClone(t *testing.T) {
	require := require.New(t)
	p, err := NewPrivateCrossSigningIdentity("@alice:example.org")
	require.Nil(err)
	require.Len(p.MasterKey, 32)
	c := p.Clone()
	c.MarkAsShared()
	c.MasterKey[0] ^= 1
	require.False(p.Shared)
	require.NotEqual(p.MasterKey, c.MasterKey)
}
