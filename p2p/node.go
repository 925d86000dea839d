package p2p

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blocknetprivacy/minichain/protocol/params"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Protocol IDs
const (
	ProtocolBlock = protocol.ID(params.ProtocolBlock)
	ProtocolTx    = protocol.ID(params.ProtocolTx)
	ProtocolSync  = protocol.ID(params.ProtocolSync)
)

const (
	streamTimeout   = 30 * time.Second
	sendTimeout     = 10 * time.Second
	redialInterval  = 30 * time.Second
	dialPeerTimeout = 10 * time.Second
)

// NodeConfig configures the P2P node
type NodeConfig struct {
	// ListenAddrs are the multiaddrs to listen on
	ListenAddrs []string

	// Peers are full multiaddrs (ending in /p2p/<id>) kept connected
	Peers []string

	// IdentityPath persists the node key; empty means ephemeral
	IdentityPath string

	MaxInbound  int
	MaxOutbound int

	// UserAgent is announced to peers
	UserAgent string
}

// DefaultNodeConfig returns sensible defaults
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		MaxInbound:  64,
		MaxOutbound: 16,
		UserAgent:   params.NetworkID,
	}
}

// MessageHandler processes a block or transaction payload from a peer.
type MessageHandler func(from peer.ID, data []byte) error

// Node is a libp2p host speaking the block, tx and sync protocols.
type Node struct {
	mu sync.RWMutex

	host   host.Host
	gater  *BanGater
	config NodeConfig
	peers  []peer.AddrInfo

	onBlock MessageHandler
	onTx    MessageHandler
	sync    SyncProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates the libp2p host and registers protocol handlers. Call
// Start to dial configured peers.
func NewNode(cfg NodeConfig) (*Node, error) {
	privKey, _, err := LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid listen address %s", addr)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	peers := make([]peer.AddrInfo, 0, len(cfg.Peers))
	for _, addr := range cfg.Peers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid peer address %s", addr)
		}
		peers = append(peers, *pi)
	}

	connMgr, err := connmgr.NewConnManager(
		cfg.MaxOutbound,
		cfg.MaxInbound+cfg.MaxOutbound,
		connmgr.WithGracePeriod(time.Minute),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create connection manager")
	}

	gater := NewBanGater()
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(gater),
		libp2p.UserAgent(cfg.UserAgent),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create libp2p host")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:   h,
		gater:  gater,
		config: cfg,
		peers:  peers,
		ctx:    ctx,
		cancel: cancel,
	}
	h.SetStreamHandler(ProtocolBlock, n.handleBlockStream)
	h.SetStreamHandler(ProtocolTx, n.handleTxStream)
	h.SetStreamHandler(ProtocolSync, n.handleSyncStream)
	return n, nil
}

// SetBlockHandler sets the callback for received blocks
func (n *Node) SetBlockHandler(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBlock = handler
}

// SetTxHandler sets the callback for received transactions
func (n *Node) SetTxHandler(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTx = handler
}

// SetSyncProvider sets the source answering sync requests.
func (n *Node) SetSyncProvider(p SyncProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sync = p
}

func (n *Node) handleBlockStream(s network.Stream) {
	n.handlePayload(s, MaxBlockPayloadSize, func() MessageHandler { return n.onBlock }, "block")
}

func (n *Node) handleTxStream(s network.Stream) {
	n.handlePayload(s, MaxTxPayloadSize, func() MessageHandler { return n.onTx }, "tx")
}

func (n *Node) handlePayload(s network.Stream, limit uint32, handler func() MessageHandler, kind string) {
	defer s.Close()
	from := s.Conn().RemotePeer()
	logger := log.WithFields(log.Fields{"peer": from, "kind": kind})

	if err := s.SetReadDeadline(time.Now().Add(streamTimeout)); err != nil {
		logger.WithError(err).Debug("Failed to set read deadline")
		return
	}
	data, err := readFrame(s, limit)
	if err != nil {
		if !isStreamClosed(err) {
			logger.WithError(err).Debug("Failed to read payload")
		}
		return
	}

	n.mu.RLock()
	h := handler()
	n.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h(from, data); err != nil {
		logger.WithError(err).Debug("Payload rejected")
	}
}

// Start dials the configured peers and keeps redialing them while the
// node runs.
func (n *Node) Start() error {
	n.dialPeers()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(redialInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				n.dialPeers()
			}
		}
	}()
	return nil
}

func (n *Node) dialPeers() {
	for _, pi := range n.peers {
		if n.host.Network().Connectedness(pi.ID) == network.Connected || n.gater.IsBanned(pi.ID) {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, dialPeerTimeout)
		err := n.host.Connect(ctx, pi)
		cancel()
		if err != nil {
			log.WithField("peer", pi.ID).WithError(err).Debug("Failed to dial peer")
		}
	}
}

// Stop gracefully shuts down the node
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	return n.host.Close()
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// PeerID returns the node's peer ID
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Peers returns connected peers that are not banned
func (n *Node) Peers() []peer.ID {
	var out []peer.ID
	for _, p := range n.host.Network().Peers() {
		if !n.gater.IsBanned(p) {
			out = append(out, p)
		}
	}
	return out
}

// Connect dials a peer directly
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return n.host.Connect(ctx, pi)
}

// BanPeer disconnects pid and refuses it for DefaultBanDuration.
func (n *Node) BanPeer(pid peer.ID, reason string) {
	n.gater.Ban(pid, DefaultBanDuration)
	log.WithFields(log.Fields{"peer": pid, "reason": reason}).Warn("Banned peer")
	if err := n.host.Network().ClosePeer(pid); err != nil {
		log.WithField("peer", pid).WithError(err).Debug("Failed to close banned peer")
	}
}

// IsBanned checks if a peer is banned
func (n *Node) IsBanned(pid peer.ID) bool {
	return n.gater.IsBanned(pid)
}

// BannedCount returns the number of banned peers
func (n *Node) BannedCount() int {
	return n.gater.Banned()
}

// BroadcastBlock sends a serialized block to every connected peer.
func (n *Node) BroadcastBlock(ctx context.Context, data []byte) error {
	return n.broadcast(ctx, ProtocolBlock, data)
}

// BroadcastTx sends a serialized transaction to every connected peer.
func (n *Node) BroadcastTx(ctx context.Context, data []byte) error {
	return n.broadcast(ctx, ProtocolTx, data)
}

// broadcast fails only when there were peers and none accepted the payload.
func (n *Node) broadcast(ctx context.Context, proto protocol.ID, data []byte) error {
	peers := n.Peers()
	if len(peers) == 0 {
		return nil
	}

	errs := make([]error, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			errs[i] = n.send(ctx, p, proto, data)
			if errs[i] != nil {
				log.WithFields(log.Fields{"peer": p, "protocol": proto}).WithError(errs[i]).Debug("Send failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errs[0]
}

func (n *Node) send(ctx context.Context, p peer.ID, proto protocol.ID, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	s, err := n.host.NewStream(ctx, p, proto)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeFrame(s, data)
}

// FullMultiaddrs returns listen addresses with the peer ID appended, the
// form other nodes put in their peer list.
func (n *Node) FullMultiaddrs() []string {
	pid := n.PeerID()
	addrs := n.host.Addrs()
	full := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		s := addr.String()
		if strings.HasPrefix(s, "/ip6/::1") {
			continue
		}
		full = append(full, fmt.Sprintf("%s/p2p/%s", s, pid))
	}
	return full
}
