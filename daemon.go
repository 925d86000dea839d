package main

import (
	"context"
	"time"

	"github.com/blocknetprivacy/minichain/p2p"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const broadcastTimeout = 10 * time.Second

// Daemon wires the chain, mempool, miner, syncer, peer transport and API
// into one running node.
type Daemon struct {
	cfg *Config

	chain   *Chain
	mempool *Mempool
	miner   *Miner
	syncer  *Syncer
	peers   PeerClient
	node    *p2p.Node // nil with the http transport
	api     *APIServer
	metrics *Metrics
}

// NewDaemon opens the configured store and builds every component.
func NewDaemon(cfg *Config) (*Daemon, error) {
	store, err := OpenChainStore(cfg.StorageEngine, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg *Config, store ChainStore) (*Daemon, error) {
	metrics := NewMetrics()
	chain, err := NewChain(store, ChainConfig{Difficulty: cfg.Difficulty, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		chain:   chain,
		mempool: NewMempool(DefaultMempoolConfig(), chain, metrics),
		metrics: metrics,
	}

	switch cfg.Transport {
	case TransportLibp2p:
		nodeCfg := p2p.DefaultNodeConfig()
		nodeCfg.ListenAddrs = cfg.P2PListen
		nodeCfg.Peers = cfg.Peers
		nodeCfg.IdentityPath = cfg.IdentityFile()
		nodeCfg.UserAgent = "minichain/" + Version
		node, err := p2p.NewNode(nodeCfg)
		if err != nil {
			return nil, err
		}
		node.SetBlockHandler(d.handleP2PBlock)
		node.SetTxHandler(d.handleP2PTx)
		node.SetSyncProvider(chainSyncProvider{chain: chain})
		d.node = node
		d.peers = NewP2PPeerClient(node)
	default:
		d.peers = NewHTTPPeerClient(cfg.Peers, cfg.PeerTimeout)
	}

	d.miner = NewMiner(chain, d.mempool, MinerConfig{
		Address:   cfg.MiningAddress,
		Interval:  cfg.MiningInterval,
		MineEmpty: cfg.MiningEmpty,
	})
	d.miner.OnBlock(d.broadcastBlock)

	d.syncer = NewSyncer(chain, d.peers, SyncConfig{
		Interval:    cfg.SyncInterval,
		PeerTimeout: cfg.PeerTimeout,
		Parallel:    8,
	})
	d.syncer.OnBlock(d.mempool.OnBlockConnected)

	d.api = NewAPIServer(d)
	return d, nil
}

func (d *Daemon) Chain() *Chain     { return d.chain }
func (d *Daemon) Mempool() *Mempool { return d.mempool }
func (d *Daemon) Miner() *Miner     { return d.miner }
func (d *Daemon) Syncer() *Syncer   { return d.syncer }
func (d *Daemon) Metrics() *Metrics { return d.metrics }
func (d *Daemon) Node() *p2p.Node   { return d.node }
func (d *Daemon) API() *APIServer   { return d.api }
func (d *Daemon) Peers() PeerClient { return d.peers }
func (d *Daemon) Config() *Config   { return d.cfg }

// Run starts every service and blocks until ctx is cancelled or one of
// them fails.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.APIListen != "" {
		if d.cfg.APIAuth {
			token, err := generateToken()
			if err != nil {
				return err
			}
			if err := writeCookie(d.cfg.DataDir, token); err != nil {
				return err
			}
			defer deleteCookie(d.cfg.DataDir)
			d.api.SetToken(token)
		}
		if err := d.api.Start(d.cfg.APIListen); err != nil {
			return err
		}
		defer d.api.Stop()
	}
	if d.node != nil {
		if err := d.node.Start(); err != nil {
			return err
		}
		log.WithFields(log.Fields{"peer": d.node.PeerID(), "addrs": d.node.FullMultiaddrs()}).Info("P2P node started")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.syncer.Run(gctx) })
	if d.cfg.MiningEnabled {
		g.Go(func() error { return d.miner.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := d.mempool.RemoveExpired(); n > 0 {
					log.WithField("removed", n).Info("Expired mempool transactions")
				}
			}
		}
	})

	height := d.chain.Height()
	log.WithFields(log.Fields{
		"height":    height,
		"transport": d.cfg.Transport,
		"mining":    d.cfg.MiningEnabled,
	}).Info("Daemon running")

	return g.Wait()
}

// Close releases the node and the store.
func (d *Daemon) Close() error {
	var firstErr error
	if d.node != nil {
		if err := d.node.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := d.chain.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SubmitTx queues a transaction and relays it if it was new.
func (d *Daemon) SubmitTx(ctx context.Context, tx *Transaction) error {
	if d.mempool.HasTransaction(tx.Hash) {
		return nil
	}
	if err := d.mempool.AddTransaction(tx); err != nil {
		return err
	}
	log.WithField("tx", tx.Hash).Debug("Accepted transaction")

	bctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	if err := d.peers.BroadcastTx(bctx, tx); err != nil {
		log.WithField("tx", tx.Hash).WithError(err).Warn("Failed to relay transaction")
	}
	return nil
}

// SubmitBlock appends a block from outside and relays it if it was new.
func (d *Daemon) SubmitBlock(ctx context.Context, b *Block) (bool, error) {
	added, err := d.chain.AddBlock(b)
	if err != nil || !added {
		return added, err
	}
	log.WithFields(log.Fields{"height": b.Header.Height, "hash": b.Hash}).Info("Accepted block")
	d.mempool.OnBlockConnected(b)

	bctx, cancel := context.WithTimeout(ctx, broadcastTimeout)
	defer cancel()
	if err := d.peers.BroadcastBlock(bctx, b); err != nil {
		log.WithField("hash", b.Hash).WithError(err).Warn("Failed to relay block")
	}
	return true, nil
}

// broadcastBlock relays a block the local miner produced.
func (d *Daemon) broadcastBlock(b *Block) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	if err := d.peers.BroadcastBlock(ctx, b); err != nil {
		log.WithField("hash", b.Hash).WithError(err).Warn("Failed to broadcast mined block")
	}
}

// isForgedBlock matches failures no honest peer produces, as opposed to
// blocks that are merely stale or ahead of us.
func isForgedBlock(err error) bool {
	return errors.Is(err, ErrPowNotMet) ||
		errors.Is(err, ErrBlockHashMismatch) ||
		errors.Is(err, ErrRootHashMismatch) ||
		errors.Is(err, ErrWrongDifficulty) ||
		errors.Is(err, ErrInvalidTransaction)
}

func (d *Daemon) handleP2PBlock(from peer.ID, data []byte) error {
	b, err := DeserializeBlock(data)
	if err != nil {
		d.node.BanPeer(from, "undecodable block")
		return err
	}
	_, err = d.SubmitBlock(context.Background(), b)
	switch {
	case err == nil:
		return nil
	case isForgedBlock(err):
		d.node.BanPeer(from, err.Error())
	case b.Header.Height > d.chain.Height()+1:
		go func() {
			if _, err := d.syncer.SyncOnce(context.Background()); err != nil {
				log.WithError(err).Debug("Catch-up sync failed")
			}
		}()
	}
	return err
}

func (d *Daemon) handleP2PTx(from peer.ID, data []byte) error {
	tx, err := DeserializeTx(data)
	if err != nil {
		return err
	}
	return d.SubmitTx(context.Background(), tx)
}

// DaemonStats is the status view served by the API.
type DaemonStats struct {
	Version    string       `json:"version"`
	Height     uint64       `json:"height"`
	Tip        Hash         `json:"tip"`
	Difficulty uint32       `json:"difficulty"`
	Peers      int          `json:"peers"`
	Transport  string       `json:"transport"`
	Mempool    MempoolStats `json:"mempool"`
	Mining     bool         `json:"mining"`
	Syncing    bool         `json:"syncing"`
	UTXOTxs    int          `json:"utxo_txs"`
}

// Stats returns a point-in-time status snapshot.
func (d *Daemon) Stats() DaemonStats {
	tip, height := d.chain.Tip()
	utxoCount, err := d.chain.UTXO().Count()
	if err != nil {
		log.WithError(err).Debug("Failed to count UTXO entries")
	}
	return DaemonStats{
		Version:    Version,
		Height:     height,
		Tip:        tip,
		Difficulty: d.chain.Difficulty(),
		Peers:      len(d.peers.KnownPeers()),
		Transport:  d.cfg.Transport,
		Mempool:    d.mempool.Stats(),
		Mining:     d.miner.IsRunning(),
		Syncing:    d.syncer.IsSyncing(),
		UTXOTxs:    utxoCount,
	}
}
