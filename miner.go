package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MinerConfig holds mining configuration
type MinerConfig struct {
	// Address receives the coinbase subsidy
	Address string
	// Interval is the pause between block attempts in Run
	Interval time.Duration
	// MineEmpty mines coinbase-only blocks when the mempool is empty
	MineEmpty bool
	// MaxBlockTxs caps mempool transactions per block (0 = no cap)
	MaxBlockTxs int
}

// MinerStats holds mining statistics
type MinerStats struct {
	BlocksFound uint64
	Cancelled   uint64
	StartTime   time.Time
	LastBlock   time.Time
}

// Miner assembles blocks from the mempool and seals them through the chain.
type Miner struct {
	config  MinerConfig
	chain   *Chain
	mempool *Mempool
	onBlock func(*Block)

	blocksFound atomic.Uint64
	cancelled   atomic.Uint64
	running     atomic.Bool

	mu        sync.Mutex
	startTime time.Time
	lastBlock time.Time
}

// NewMiner creates a new miner. mempool may be nil for coinbase-only mining.
func NewMiner(chain *Chain, mempool *Mempool, config MinerConfig) *Miner {
	return &Miner{
		config:    config,
		chain:     chain,
		mempool:   mempool,
		startTime: time.Now(),
	}
}

// OnBlock registers a callback run after every block this miner commits.
func (m *Miner) OnBlock(fn func(*Block)) {
	m.onBlock = fn
}

// MineOnce mines a single block holding a fresh coinbase and the pending
// transactions. It returns ErrMiningCancelled if the tip moved first.
func (m *Miner) MineOnce(ctx context.Context) (*Block, error) {
	if m.config.Address == "" {
		return nil, errors.WithMessage(wallet.ErrInvalidAddress, "miner has no reward address")
	}

	if m.chain.IsEmpty() {
		b, err := m.chain.CreateGenesis(ctx, m.config.Address)
		if errors.Is(err, ErrChainExists) {
			// A peer's genesis landed first.
			err = ErrMiningCancelled
		}
		return m.finish(b, err)
	}

	var txs []*Transaction
	if m.mempool != nil {
		txs = m.mempool.GetTransactionsForBlock(m.config.MaxBlockTxs)
	}
	return m.finish(m.chain.MineRewardBlock(ctx, m.config.Address, txs))
}

func (m *Miner) finish(b *Block, err error) (*Block, error) {
	if err != nil {
		if errors.Is(err, ErrMiningCancelled) {
			m.cancelled.Add(1)
		}
		return nil, err
	}

	m.blocksFound.Add(1)
	m.mu.Lock()
	m.lastBlock = time.Now()
	m.mu.Unlock()

	if m.mempool != nil {
		m.mempool.OnBlockConnected(b)
	}
	log.WithFields(log.Fields{
		"height": b.Header.Height,
		"hash":   b.Hash,
		"txs":    len(b.Transactions),
	}).Info("Mined block")

	if m.onBlock != nil {
		m.onBlock(b)
	}
	return b, nil
}

// Run mines every Interval until ctx is cancelled.
func (m *Miner) Run(ctx context.Context) error {
	if m.running.Swap(true) {
		return errors.New("miner already running")
	}
	defer m.running.Store(false)

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()

	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultMineInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !m.config.MineEmpty && !m.chain.IsEmpty() && (m.mempool == nil || m.mempool.Size() == 0) {
			continue
		}

		if _, err := m.MineOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrMiningCancelled) {
				log.Debug("Tip changed while mining, rebuilding template")
				continue
			}
			log.WithError(err).Warn("Mining attempt failed")
		}
	}
}

// IsRunning returns true if Run is active
func (m *Miner) IsRunning() bool {
	return m.running.Load()
}

// Stats returns current mining statistics
func (m *Miner) Stats() MinerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MinerStats{
		BlocksFound: m.blocksFound.Load(),
		Cancelled:   m.cancelled.Load(),
		StartTime:   m.startTime,
		LastBlock:   m.lastBlock,
	}
}
