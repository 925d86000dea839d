package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DefaultBanDuration applies to peers that sent invalid blocks.
const DefaultBanDuration = time.Hour

// BanGater is a libp2p ConnectionGater that refuses peers on its ban list.
// Bans expire on their own.
type BanGater struct {
	mu   sync.Mutex
	bans map[peer.ID]time.Time // peer -> ban expiry
	now  func() time.Time
}

func NewBanGater() *BanGater {
	return &BanGater{
		bans: make(map[peer.ID]time.Time),
		now:  time.Now,
	}
}

// Ban refuses pid for d.
func (g *BanGater) Ban(pid peer.ID, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bans[pid] = g.now().Add(d)
}

// IsBanned reports whether pid is currently banned, dropping expired bans.
func (g *BanGater) IsBanned(pid peer.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bans[pid]
	if !ok {
		return false
	}
	if !g.now().Before(until) {
		delete(g.bans, pid)
		return false
	}
	return true
}

// Banned returns the number of active bans.
func (g *BanGater) Banned() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for _, until := range g.bans {
		if now.Before(until) {
			n++
		}
	}
	return n
}

func (g *BanGater) InterceptPeerDial(pid peer.ID) bool {
	return !g.IsBanned(pid)
}

func (g *BanGater) InterceptAddrDial(pid peer.ID, _ multiaddr.Multiaddr) bool {
	return !g.IsBanned(pid)
}

// InterceptAccept allows everything; the peer ID is unknown before the
// security handshake.
func (g *BanGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *BanGater) InterceptSecured(_ network.Direction, pid peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.IsBanned(pid)
}

func (g *BanGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if g.IsBanned(conn.RemotePeer()) {
		return false, control.DisconnectReason(1)
	}
	return true, 0
}
