package store

import (
	"testing"

	"github.com/meow-io/go-cryptostore/identities"
	"github.com/meow-io/go-cryptostore/olm"
	"github.com/meow-io/go-cryptostore/types"
	"github.com/stretchr/testify/require"
)

func groupSession(room, id string) *olm.InboundGroupSession {
	return &olm.InboundGroupSession{RoomID: room, SessionID: id, SenderKey: "sk", Algorithm: types.MegolmV1AesSha2, Pickle: []byte(id)}
}

func TestGroupSessionStore(t *testing.T) {
	require := require.New(t)
	g := NewGroupSessionStore()
	require.True(g.Add(groupSession("!b", "2")))
	require.True(g.Add(groupSession("!a", "9")))
	require.True(g.Add(groupSession("!b", "1")))
	backed := groupSession("!a", "1")
	backed.MarkAsBackedUp()
	require.True(g.Add(backed))
	require.False(g.Add(groupSession("!b", "1")))

	require.Equal(RoomKeyCounts{Total: 4, BackedUp: 1}, g.Counts())
	require.Nil(g.Get("!c", "1"))
	require.Equal("9", g.Get("!a", "9").SessionID)

	order := func(ss []*olm.InboundGroupSession) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.RoomID+"/"+s.SessionID)
		}
		return out
	}
	require.Equal([]string{"!a/1", "!a/9", "!b/1", "!b/2"}, order(g.All()))
	require.Equal([]string{"!a/9", "!b/1"}, order(g.ForBackup(2)))
	require.Equal(order(g.ForBackup(2)), order(g.ForBackup(2)))

	g.ResetBackupState()
	require.Equal(RoomKeyCounts{Total: 4, BackedUp: 0}, g.Counts())
	require.Len(g.ForBackup(10), 4)
	require.Empty(g.ForBackup(0))
}

func TestGroupSessionStoreHandsOutCopies(t *testing.T) {
	require := require.New(t)
	g := NewGroupSessionStore()
	s := groupSession("!a", "1")
	g.Add(s)
	s.MarkAsBackedUp()
	require.False(g.Get("!a", "1").BackedUp)
	got := g.Get("!a", "1")
	got.MarkAsBackedUp()
	require.Equal(0, g.Counts().BackedUp)
}

func TestDeviceStore(t *testing.T) {
	require := require.New(t)
	s := NewDeviceStore()
	d1 := &identities.Device{UserID: "@alice:localhost", DeviceID: "FIRST"}
	d2 := &identities.Device{UserID: "@alice:localhost", DeviceID: "SECOND"}
	require.True(s.Add(d1))
	require.True(s.Add(d2))
	require.False(s.Add(d1))
	require.Len(s.UserDevices("@alice:localhost"), 2)

	require.NotNil(s.Remove("@alice:localhost", "FIRST"))
	require.Nil(s.Remove("@alice:localhost", "FIRST"))
	require.Nil(s.Get("@alice:localhost", "FIRST"))
	require.Equal(d2, s.Get("@alice:localhost", "SECOND"))
	require.Empty(s.UserDevices("@bob:localhost"))
}
