package main

import (
	"context"
	"sync"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTxNotFound    = errors.New("transaction not found")
	ErrBlockNotFound = errors.New("block not found")
)

// ChainConfig configures a Chain.
type ChainConfig struct {
	// Difficulty is the nbits every block must declare. It is static;
	// there is no retargeting.
	Difficulty uint32

	// Metrics receives chain counters. A private set is created when nil.
	Metrics *Metrics
}

// Chain is the ledger orchestrator. It is Empty until a genesis block is
// committed and Active afterwards.
//
// All commits are serialized by writeMu. The tip snapshot is published
// under mu so readers always see a hash and height that agree, and every
// commit closes tipChanged to cancel in-flight proof-of-work.
type Chain struct {
	writeMu sync.Mutex

	mu         sync.RWMutex
	tipHash    Hash
	height     uint64
	tipChanged chan struct{}

	store      ChainStore
	utxo       *UTXOSet
	difficulty uint32
	metrics    *Metrics
}

// NewChain loads the tip from store and rebuilds the UTXO index if it was
// left behind the tip (for example by a crash between commit and reindex).
func NewChain(store ChainStore, cfg ChainConfig) (*Chain, error) {
	if cfg.Difficulty > MaxDifficultyBits {
		return nil, errors.Errorf("difficulty %d exceeds maximum %d", cfg.Difficulty, MaxDifficultyBits)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	c := &Chain{
		tipChanged: make(chan struct{}),
		store:      store,
		utxo:       NewUTXOSet(store),
		difficulty: cfg.Difficulty,
		metrics:    metrics,
	}

	tip, ok, err := store.LatestBlockHash()
	if err != nil {
		return nil, err
	}
	if ok {
		height, _, err := store.Height()
		if err != nil {
			return nil, err
		}
		c.tipHash, c.height = tip, height

		utxoTip, indexed, err := store.UTXOTip()
		if err != nil {
			return nil, err
		}
		if !indexed || utxoTip != tip {
			log.WithFields(log.Fields{"height": height, "tip": tip}).Info("UTXO index behind chain tip, reindexing")
			if err := c.utxo.Reindex(); err != nil {
				return nil, err
			}
		}
	}
	metrics.Height.Set(float64(c.height))

	return c, nil
}

// ============================================================================
// Tip snapshot
// ============================================================================

// Tip returns the latest block hash and the height together.
func (c *Chain) Tip() (Hash, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash, c.height
}

func (c *Chain) snapshot() (Hash, uint64, <-chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash, c.height, c.tipChanged
}

// Height returns the number of committed blocks.
func (c *Chain) Height() uint64 {
	_, h := c.Tip()
	return h
}

// LatestBlockHash returns the tip hash; ok is false while Empty.
func (c *Chain) LatestBlockHash() (Hash, bool) {
	h, height := c.Tip()
	return h, height > 0
}

// IsEmpty reports whether the genesis block is still missing.
func (c *Chain) IsEmpty() bool {
	return c.Height() == 0
}

// TipChanged returns a channel closed at the next commit.
func (c *Chain) TipChanged() <-chan struct{} {
	_, _, ch := c.snapshot()
	return ch
}

func (c *Chain) Difficulty() uint32 { return c.difficulty }

func (c *Chain) UTXO() *UTXOSet { return c.utxo }

func (c *Chain) Metrics() *Metrics { return c.metrics }

// ============================================================================
// Mutations
// ============================================================================

// CreateGenesis mines and commits the first block, paying the subsidy to
// address. It moves the chain from Empty to Active.
func (c *Chain) CreateGenesis(ctx context.Context, address string) (*Block, error) {
	tip, height, tipCh := c.snapshot()
	if height != 0 {
		return nil, ErrChainExists
	}
	cb, err := NewCoinbase(address, 1)
	if err != nil {
		return nil, err
	}
	return c.mineOn(ctx, tip, height, tipCh, GenesisPrevHash, []*Transaction{cb})
}

// MineBlock validates txs against the tip, mines a block holding them and
// commits it. The search is abandoned with ErrMiningCancelled if ctx ends
// or another block is committed first.
func (c *Chain) MineBlock(ctx context.Context, txs []*Transaction) (*Block, error) {
	return c.mineTemplate(ctx, "", txs)
}

// MineRewardBlock is MineBlock with a coinbase paying address prepended.
// The coinbase height comes from the same tip the block is validated
// against, so a concurrent commit surfaces as ErrMiningCancelled.
func (c *Chain) MineRewardBlock(ctx context.Context, address string, txs []*Transaction) (*Block, error) {
	if address == "" {
		return nil, errors.WithMessage(wallet.ErrInvalidAddress, "no reward address")
	}
	return c.mineTemplate(ctx, address, txs)
}

func (c *Chain) mineTemplate(ctx context.Context, reward string, txs []*Transaction) (*Block, error) {
	c.writeMu.Lock()
	tip, height, tipCh := c.snapshot()
	if height == 0 {
		c.writeMu.Unlock()
		return nil, ErrChainEmpty
	}
	if reward != "" {
		cb, err := NewCoinbase(reward, height+1)
		if err != nil {
			c.writeMu.Unlock()
			return nil, err
		}
		txs = append([]*Transaction{cb}, txs...)
	}
	err := c.validateTransactions(txs, height+1)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	return c.mineOn(ctx, tip, height, tipCh, tip, txs)
}

// mineOn runs the proof of work outside the writer lock and commits only if
// the tip is still the one the block was built on.
func (c *Chain) mineOn(ctx context.Context, tip Hash, height uint64, tipCh <-chan struct{}, prev Hash, txs []*Transaction) (*Block, error) {
	b := assembleBlock(txs, prev, height+1, c.difficulty)

	mineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-tipCh:
			cancel()
		case <-mineCtx.Done():
		}
	}()

	pow := NewProofOfWork(b)
	err := pow.Seal(mineCtx)
	c.metrics.PowHashes.Add(float64(pow.Hashes()))
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if cur, curHeight := c.Tip(); cur != tip || curHeight != height {
		return nil, ErrMiningCancelled
	}
	if err := c.commit(b); err != nil {
		return nil, err
	}
	c.metrics.BlocksMined.Inc()
	return b, nil
}

// AddBlock appends a block received from a peer. A block that is already
// stored is ignored and reported as not added. Validation happens before
// any write, so a rejected block leaves the chain untouched.
func (c *Chain) AddBlock(b *Block) (bool, error) {
	if b == nil {
		return false, errors.WithMessage(ErrInvalidBlock, "nil block")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	exists, err := c.store.HasBlock(b.Hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := c.validateBlock(b); err != nil {
		c.metrics.BlocksRejected.WithLabelValues(rejectReason(err)).Inc()
		return false, err
	}
	if err := c.commit(b); err != nil {
		return false, err
	}
	c.metrics.BlocksAccepted.Inc()
	return true, nil
}

// commit writes the block and tip atomically, publishes the new tip and
// rebuilds the UTXO index. Callers hold writeMu.
func (c *Chain) commit(b *Block) error {
	if err := c.store.UpdateBlocks(b.Hash, b, b.Header.Height); err != nil {
		return err
	}

	c.mu.Lock()
	c.tipHash = b.Hash
	c.height = b.Header.Height
	close(c.tipChanged)
	c.tipChanged = make(chan struct{})
	c.mu.Unlock()

	c.metrics.Height.Set(float64(b.Header.Height))

	if err := c.utxo.Reindex(); err != nil {
		return errors.Wrapf(err, "block %s committed but UTXO index is stale", b.Hash)
	}
	return nil
}

// Reindex rebuilds the UTXO index while holding off commits.
func (c *Chain) Reindex(progress func(done, total uint64)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.utxo.ReindexWithProgress(progress)
}

// ============================================================================
// Validation
// ============================================================================

// validateBlock checks a candidate for the next height. Callers hold writeMu.
func (c *Chain) validateBlock(b *Block) error {
	tip, height := c.Tip()
	h := &b.Header

	if h.Bits != c.difficulty {
		return errors.Wrapf(ErrWrongDifficulty, "got %d, want %d", h.Bits, c.difficulty)
	}
	digest := h.ComputeHash()
	if digest != b.Hash {
		return ErrBlockHashMismatch
	}
	if !PowCheckTarget(digest, DifficultyToTarget(h.Bits)) {
		return ErrPowNotMet
	}

	wantPrev := tip
	if height == 0 {
		wantPrev = GenesisPrevHash
	}
	if h.PrevHash != wantPrev {
		return errors.Wrapf(ErrWrongPrev, "got %s, want %s", h.PrevHash, wantPrev)
	}
	if h.Height != height+1 {
		return errors.Wrapf(ErrWrongHeight, "got %d, want %d", h.Height, height+1)
	}

	if ComputeRootHash(b.Transactions) != h.RootHash {
		return ErrRootHashMismatch
	}
	return c.validateTransactions(b.Transactions, h.Height)
}

// validateTransactions checks a block's transactions in order against the
// current UTXO index, letting later transactions spend earlier ones.
func (c *Chain) validateTransactions(txs []*Transaction, height uint64) error {
	set, err := c.currentUTXO()
	if err != nil {
		return err
	}
	view := newUTXOView(set, c)

	for i, tx := range txs {
		if tx == nil {
			return errors.Wrapf(ErrInvalidTransaction, "tx %d is nil", i)
		}
		if err := tx.CheckSanity(); err != nil {
			return errors.Wrapf(err, "tx %d (%s)", i, tx.Hash)
		}
		if tx.IsCoinbase() {
			if i != 0 {
				return errors.Wrapf(ErrBadCoinbase, "tx %d: coinbase must be first", i)
			}
			if err := checkCoinbase(tx, height); err != nil {
				return err
			}
		} else if err := view.spend(tx); err != nil {
			return errors.Wrapf(err, "tx %d (%s)", i, tx.Hash)
		}
		if err := view.addOutputs(tx); err != nil {
			return errors.Wrapf(err, "tx %d (%s)", i, tx.Hash)
		}
	}
	return nil
}

// ValidateTransaction checks a loose (mempool) transaction against the tip.
func (c *Chain) ValidateTransaction(tx *Transaction) error {
	if err := tx.CheckSanity(); err != nil {
		return err
	}
	if tx.IsCoinbase() {
		return errors.WithMessage(ErrBadCoinbase, "coinbase outside a block")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	set, err := c.currentUTXO()
	if err != nil {
		return err
	}
	return newUTXOView(set, c).spend(tx)
}

// checkIndex fails with ErrStaleUTXOIndex when the persisted UTXO index was
// built for a block other than the tip.
func (c *Chain) checkIndex() error {
	tip, height := c.Tip()
	utxoTip, ok, err := c.store.UTXOTip()
	if err != nil {
		return err
	}
	if height == 0 && !ok {
		return nil
	}
	if !ok || utxoTip != tip {
		return errors.Wrapf(ErrStaleUTXOIndex, "index at %s, tip %s", utxoTip, tip)
	}
	return nil
}

// currentUTXO returns the index for the tip, rebuilding it first if an
// earlier commit left it behind. Callers hold writeMu.
func (c *Chain) currentUTXO() (UTXOMap, error) {
	if err := c.checkIndex(); err != nil {
		if !errors.Is(err, ErrStaleUTXOIndex) {
			return nil, err
		}
		log.WithError(err).Warn("UTXO index stale, reindexing before validation")
		if err := c.utxo.Reindex(); err != nil {
			return nil, errors.Wrap(err, "rebuild stale UTXO index")
		}
	}
	return c.utxo.Snapshot()
}

func checkCoinbase(tx *Transaction, height uint64) error {
	if len(tx.Outputs) != 1 || tx.Outputs[0].Value != Subsidy {
		return errors.Wrapf(ErrBadCoinbase, "must pay exactly %d in one output", Subsidy)
	}
	if string(tx.Inputs[0].PubKey) != string(coinbaseExtra(height)) {
		return errors.Wrapf(ErrBadCoinbase, "does not commit to height %d", height)
	}
	return nil
}

// utxoView is a scratch copy of the UTXO index that block validation
// mutates as it applies transactions.
type utxoView struct {
	set     UTXOMap
	spent   map[OutPoint]struct{}
	history OutputFetcher
}

func newUTXOView(set UTXOMap, history OutputFetcher) *utxoView {
	return &utxoView{set: set, spent: make(map[OutPoint]struct{}), history: history}
}

// FetchOutput resolves unspent outputs only, and tells a spent output apart
// from one that never existed.
func (v *utxoView) FetchOutput(txHash Hash, index uint32) (*TxOutput, error) {
	if out, ok := v.set.Lookup(txHash, index); ok {
		return out, nil
	}
	if _, ok := v.spent[OutPoint{TxHash: txHash, Index: index}]; ok {
		return nil, errors.Wrapf(ErrDoubleSpend, "%s:%d", txHash, index)
	}
	if v.history != nil {
		if _, err := v.history.FetchOutput(txHash, index); err == nil {
			return nil, errors.Wrapf(ErrDoubleSpend, "%s:%d", txHash, index)
		}
	}
	return nil, errors.Wrapf(ErrUnknownOutput, "%s:%d", txHash, index)
}

func (v *utxoView) spend(tx *Transaction) error {
	if err := tx.Verify(v); err != nil {
		return err
	}

	var inTotal uint64
	for _, in := range tx.Inputs {
		out, _ := v.set.Lookup(in.PrevTx, in.Index)
		if inTotal+out.Value < inTotal {
			return ErrValueOverflow
		}
		inTotal += out.Value
	}
	outTotal, err := tx.OutputValue()
	if err != nil {
		return err
	}
	if outTotal > inTotal {
		return errors.Wrapf(ErrInsufficientFunds, "outputs %d exceed inputs %d", outTotal, inTotal)
	}

	for _, in := range tx.Inputs {
		v.remove(in.PrevTx, in.Index)
	}
	return nil
}

func (v *utxoView) remove(txHash Hash, index uint32) {
	entries := v.set[txHash]
	for i, e := range entries {
		if e.Index == index {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(v.set, txHash)
	} else {
		v.set[txHash] = entries
	}
	v.spent[OutPoint{TxHash: txHash, Index: index}] = struct{}{}
}

func (v *utxoView) addOutputs(tx *Transaction) error {
	if _, dup := v.set[tx.Hash]; dup {
		return errors.WithMessage(ErrInvalidTransaction, "duplicate transaction hash")
	}
	entries := make([]UTXOEntry, len(tx.Outputs))
	for i, out := range tx.Outputs {
		entries[i] = UTXOEntry{Index: uint32(i), Output: out}
	}
	v.set[tx.Hash] = entries
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// FindTransaction scans the chain from genesis. It is O(chain length).
func (c *Chain) FindTransaction(hash Hash) (*Transaction, error) {
	tx, _, err := c.FindTransactionBlock(hash)
	return tx, err
}

// FindTransactionBlock is FindTransaction that also returns the block.
func (c *Chain) FindTransactionBlock(hash Hash) (*Transaction, *Block, error) {
	it, err := NewBlockIterator(c.store)
	if err != nil {
		return nil, nil, err
	}
	for it.Next() {
		if tx := it.Block().FindTx(hash); tx != nil {
			return tx, it.Block(), nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, errors.Wrap(ErrTxNotFound, hash.String())
}

// FetchOutput returns a committed output whether or not it is spent.
func (c *Chain) FetchOutput(txHash Hash, index uint32) (*TxOutput, error) {
	tx, err := c.FindTransaction(txHash)
	if errors.Is(err, ErrTxNotFound) {
		return nil, errors.Wrapf(ErrUnknownOutput, "%s:%d", txHash, index)
	}
	if err != nil {
		return nil, err
	}
	if int(index) >= len(tx.Outputs) {
		return nil, errors.Wrapf(ErrUnknownOutput, "%s:%d", txHash, index)
	}
	return &tx.Outputs[index], nil
}

// SearchUTXO recomputes the unspent set from history without touching the
// persisted index.
func (c *Chain) SearchUTXO() (UTXOMap, error) {
	return computeUTXO(c.store, nil)
}

// GetBlock returns the block at height number.
func (c *Chain) GetBlock(number uint64) (*Block, error) {
	b, err := c.store.GetBlockByHeight(number)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", number)
	}
	return b, nil
}

// GetBlockByHash returns the stored block with the given hash.
func (c *Chain) GetBlockByHash(hash Hash) (*Block, error) {
	b, err := c.store.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.Wrap(ErrBlockNotFound, hash.String())
	}
	return b, nil
}

// GetBlocks returns up to max blocks starting at height from.
func (c *Chain) GetBlocks(from uint64, max int) ([]*Block, error) {
	if from == 0 {
		from = 1
	}
	height := c.Height()
	var blocks []*Block
	for h := from; h <= height && len(blocks) < max; h++ {
		b, err := c.GetBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Balance sums the unspent outputs paying address.
func (c *Chain) Balance(address string) (uint64, error) {
	lock, err := wallet.LockingKey(address)
	if err != nil {
		return 0, err
	}
	return c.utxo.Balance(lock)
}

// Unspent lists the unspent outputs paying address.
func (c *Chain) Unspent(address string) ([]UnspentOutput, error) {
	lock, err := wallet.LockingKey(address)
	if err != nil {
		return nil, err
	}
	return c.utxo.Unspent(lock)
}

// Close releases the store.
func (c *Chain) Close() error {
	return c.store.Close()
}
