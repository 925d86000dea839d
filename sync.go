package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// PeerClient is the transport the syncer and the daemon talk to peers
// through. Peers are identified by an opaque string (a base URL or a
// libp2p peer ID).
type PeerClient interface {
	KnownPeers() []string
	GetBlockHeight(ctx context.Context, peer string) (uint64, error)
	// GetBlocks returns consecutive blocks starting at height from.
	GetBlocks(ctx context.Context, peer string, from uint64) ([]*Block, error)
	BroadcastTx(ctx context.Context, tx *Transaction) error
	BroadcastBlock(ctx context.Context, b *Block) error
}

// SyncConfig configures the syncer.
type SyncConfig struct {
	Interval    time.Duration
	PeerTimeout time.Duration

	// Parallel caps concurrent height queries.
	Parallel int
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:    DefaultSyncInterval,
		PeerTimeout: DefaultPeerTimeout,
		Parallel:    8,
	}
}

// PeerHeight is a peer's reported chain height.
type PeerHeight struct {
	Peer   string
	Height uint64
}

// Syncer pulls missing blocks from the tallest known peer. The longest
// observed height wins; there is no fork choice beyond that.
type Syncer struct {
	chain   *Chain
	peers   PeerClient
	cfg     SyncConfig
	metrics *Metrics
	onBlock func(*Block)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	syncing atomic.Bool
}

func NewSyncer(chain *Chain, peers PeerClient, cfg SyncConfig) *Syncer {
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	return &Syncer{
		chain:    chain,
		peers:    peers,
		cfg:      cfg,
		metrics:  chain.Metrics(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnBlock registers a callback for every block sync appends.
func (s *Syncer) OnBlock(fn func(*Block)) {
	s.onBlock = fn
}

// IsSyncing reports whether a round is in progress.
func (s *Syncer) IsSyncing() bool {
	return s.syncing.Load()
}

// breaker returns the circuit breaker for peer, creating it on first use.
// A peer that fails five requests in a row is skipped for a minute.
func (s *Syncer) breaker(peer string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[peer]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        peer,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"peer": name, "from": from.String(), "to": to.String()}).
				Info("Peer breaker state changed")
		},
	})
	s.breakers[peer] = cb
	return cb
}

func (s *Syncer) peerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.PeerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.PeerTimeout)
}

func (s *Syncer) peerFailed(peer string, err error) {
	s.metrics.SyncPeerErrors.WithLabelValues(peer).Inc()
	log.WithField("peer", peer).WithError(err).Warn("Peer request failed")
}

// PeerHeights queries every known peer concurrently. Peers that fail or are
// behind an open breaker are left out.
func (s *Syncer) PeerHeights(ctx context.Context) []PeerHeight {
	peers := s.peers.KnownPeers()
	results := make([]*PeerHeight, len(peers))

	var g errgroup.Group
	g.SetLimit(s.cfg.Parallel)
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			reqCtx, cancel := s.peerCtx(ctx)
			defer cancel()
			v, err := s.breaker(p).Execute(func() (interface{}, error) {
				return s.peers.GetBlockHeight(reqCtx, p)
			})
			if err != nil {
				s.peerFailed(p, err)
				return nil
			}
			results[i] = &PeerHeight{Peer: p, Height: v.(uint64)}
			return nil
		})
	}
	_ = g.Wait()

	var out []PeerHeight
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// SyncOnce runs one round: find the tallest peer above the local height
// and append its blocks from local+1 until caught up. It stops at the first
// block the chain rejects and returns how many blocks were appended.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	if s.syncing.Swap(true) {
		return 0, nil
	}
	defer s.syncing.Store(false)
	defer s.metrics.SyncRounds.Inc()

	var best PeerHeight
	for _, ph := range s.PeerHeights(ctx) {
		if ph.Height > best.Height {
			best = ph
		}
	}
	local := s.chain.Height()
	if best.Height <= local {
		return 0, nil
	}

	logger := log.WithFields(log.Fields{"peer": best.Peer, "local": local, "remote": best.Height})
	logger.Info("Syncing from peer")

	added := 0
	for local < best.Height {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		reqCtx, cancel := s.peerCtx(ctx)
		v, err := s.breaker(best.Peer).Execute(func() (interface{}, error) {
			return s.peers.GetBlocks(reqCtx, best.Peer, local+1)
		})
		cancel()
		if err != nil {
			s.peerFailed(best.Peer, err)
			if !errors.Is(err, ErrNetwork) {
				err = networkErr(err, "get blocks from "+best.Peer)
			}
			return added, err
		}

		blocks := v.([]*Block)
		if len(blocks) == 0 {
			break
		}
		for _, b := range blocks {
			ok, err := s.chain.AddBlock(b)
			if err != nil {
				logger.WithField("height", b.Header.Height).WithError(err).Warn("Peer sent invalid block")
				return added, err
			}
			if ok {
				added++
				if s.onBlock != nil {
					s.onBlock(b)
				}
			}
		}

		next := s.chain.Height()
		if next == local {
			break
		}
		local = next
	}

	logger.WithField("added", added).Info("Sync round complete")
	return added, nil
}

// Run syncs immediately and then every Interval until ctx is cancelled.
// Round failures are logged and never end the loop.
func (s *Syncer) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("Sync round ended early")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
