package store

import (
	"testing"

	"github.com/meow-io/go-cryptostore/gossiping"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
)

func roomKeyInfo(session string) gossiping.SecretInfo {
	return gossiping.RoomKey(gossiping.RoomKeyInfo{RoomID: "!test:localhost", Algorithm: types.MegolmV1AesSha2, SenderKey: "sk", SessionID: session})
}

func TestKeyRequestLifecycle(t *testing.T) {
	require := require.New(t)
	x := NewKeyRequestIndex()
	r := &gossiping.GossipRequest{RequestRecipient: "@alice:example.org", RequestID: "1", Info: roomKeyInfo("s")}
	x.Save(r)
	require.Equal(r, x.Get("1"))
	require.Equal(r, x.GetByInfo(roomKeyInfo("s")))
	require.Len(x.Unsent(), 1)

	sent := r.Clone()
	sent.SentOut = true
	x.Save(sent)
	require.Empty(x.Unsent())
	require.Equal(sent, x.Get("1"))
	require.Equal(sent, x.GetByInfo(roomKeyInfo("s")))

	require.True(x.Delete("1"))
	require.False(x.Delete("1"))
	require.Nil(x.Get("1"))
	require.Nil(x.GetByInfo(roomKeyInfo("s")))
}

func TestKeyRequestSameInfoReplacesOlderRequest(t *testing.T) {
	require := require.New(t)
	x := NewKeyRequestIndex()
	x.Save(&gossiping.GossipRequest{RequestID: "1", Info: roomKeyInfo("s")})
	x.Save(&gossiping.GossipRequest{RequestID: "2", Info: roomKeyInfo("s")})
	require.Nil(x.Get("1"))
	require.Equal("2", x.GetByInfo(roomKeyInfo("s")).RequestID)
	require.Len(x.Unsent(), 1)
}

func TestKeyRequestChangedInfoDropsOldDescriptor(t *testing.T) {
	require := require.New(t)
	x := NewKeyRequestIndex()
	x.Save(&gossiping.GossipRequest{RequestID: "1", Info: roomKeyInfo("s")})
	x.Save(&gossiping.GossipRequest{RequestID: "1", Info: gossiping.Secret(gossiping.SecretBackupKey)})
	require.Nil(x.GetByInfo(roomKeyInfo("s")))
	require.Equal("1", x.GetByInfo(gossiping.Secret(gossiping.SecretBackupKey)).RequestID)
}
