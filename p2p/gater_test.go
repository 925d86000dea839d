package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestBanGaterExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	g := NewBanGater()
	g.now = func() time.Time { return now }

	pid := peer.ID("peer-a")
	require.False(t, g.IsBanned(pid))
	require.True(t, g.InterceptPeerDial(pid))

	g.Ban(pid, time.Minute)
	require.True(t, g.IsBanned(pid))
	require.False(t, g.InterceptPeerDial(pid))
	require.False(t, g.InterceptSecured(0, pid, nil))
	require.Equal(t, 1, g.Banned())

	now = now.Add(time.Minute)
	require.False(t, g.IsBanned(pid))
	require.Equal(t, 0, g.Banned())
}

func TestBanGaterAcceptsBeforeHandshake(t *testing.T) {
	g := NewBanGater()
	g.Ban(peer.ID("peer-b"), time.Hour)
	require.True(t, g.InterceptAccept(nil))
}
