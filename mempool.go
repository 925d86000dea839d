package main

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrMempoolFull = errors.New("mempool full")

// MempoolConfig configures the mempool
type MempoolConfig struct {
	// MaxSize is the maximum number of transactions
	MaxSize int

	// ExpirationTime is how long a tx stays in mempool
	ExpirationTime time.Duration
}

// DefaultMempoolConfig returns sensible defaults
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:        5000,
		ExpirationTime: 24 * time.Hour,
	}
}

// TxValidator checks a loose transaction against the current tip.
type TxValidator interface {
	ValidateTransaction(tx *Transaction) error
}

// MempoolEntry represents a transaction in the mempool
type MempoolEntry struct {
	Tx      *Transaction
	Size    int       // Serialized size in bytes
	AddedAt time.Time // When added to mempool
	seq     uint64    // Arrival order
}

// Mempool stores unconfirmed transactions. It only admits transactions
// spending confirmed outputs and never two that spend the same output.
type Mempool struct {
	mu sync.RWMutex

	config    MempoolConfig
	validator TxValidator
	metrics   *Metrics

	txByID    map[Hash]*MempoolEntry
	txBySpend map[OutPoint]Hash // spent outpoint -> pending tx
	nextSeq   uint64
}

// NewMempool creates a new mempool. metrics may be nil.
func NewMempool(cfg MempoolConfig, validator TxValidator, metrics *Metrics) *Mempool {
	return &Mempool{
		config:    cfg,
		validator: validator,
		metrics:   metrics,
		txByID:    make(map[Hash]*MempoolEntry),
		txBySpend: make(map[OutPoint]Hash),
	}
}

// AddTransaction validates tx and queues it. Adding a transaction that is
// already pending is a no-op.
func (m *Mempool) AddTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IsCoinbase() {
		return errors.WithMessage(ErrBadCoinbase, "coinbase transaction cannot be added to mempool")
	}
	if _, exists := m.txByID[tx.Hash]; exists {
		return nil
	}

	for _, in := range tx.Inputs {
		if other, exists := m.txBySpend[OutPoint{TxHash: in.PrevTx, Index: in.Index}]; exists {
			return errors.Wrapf(ErrDoubleSpend, "conflicts with pending tx %s", other)
		}
	}

	if err := m.validator.ValidateTransaction(tx); err != nil {
		return err
	}

	if len(m.txByID) >= m.config.MaxSize && !m.evictOldest() {
		return ErrMempoolFull
	}

	m.nextSeq++
	m.txByID[tx.Hash] = &MempoolEntry{
		Tx:      tx,
		Size:    len(tx.Serialize()),
		AddedAt: time.Now(),
		seq:     m.nextSeq,
	}
	for _, in := range tx.Inputs {
		m.txBySpend[OutPoint{TxHash: in.PrevTx, Index: in.Index}] = tx.Hash
	}
	m.updateGauge()
	return nil
}

func (m *Mempool) evictOldest() bool {
	var oldest *MempoolEntry
	for _, entry := range m.txByID {
		if oldest == nil || entry.seq < oldest.seq {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	m.removeTxByID(oldest.Tx.Hash)
	return true
}

// removeTxByID removes a transaction from mempool by ID
func (m *Mempool) removeTxByID(txID Hash) {
	entry, exists := m.txByID[txID]
	if !exists {
		return
	}
	delete(m.txByID, txID)
	for _, in := range entry.Tx.Inputs {
		op := OutPoint{TxHash: in.PrevTx, Index: in.Index}
		if m.txBySpend[op] == txID {
			delete(m.txBySpend, op)
		}
	}
}

func (m *Mempool) updateGauge() {
	if m.metrics != nil {
		m.metrics.MempoolSize.Set(float64(len(m.txByID)))
	}
}

// RemoveTransaction removes a transaction by ID
func (m *Mempool) RemoveTransaction(txID Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeTxByID(txID)
	m.updateGauge()
}

// GetTransaction returns a transaction by ID
func (m *Mempool) GetTransaction(txID Hash) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.txByID[txID]
	if !ok {
		return nil, false
	}
	return entry.Tx, true
}

// HasTransaction checks if a transaction is in the mempool
func (m *Mempool) HasTransaction(txID Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txByID[txID]
	return ok
}

// entriesLocked returns entries in arrival order.
func (m *Mempool) entriesLocked() []*MempoolEntry {
	entries := make([]*MempoolEntry, 0, len(m.txByID))
	for _, e := range m.txByID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// GetTransactionsForBlock returns up to maxCount transactions in arrival
// order. maxCount <= 0 means no limit.
func (m *Mempool) GetTransactionsForBlock(maxCount int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var txs []*Transaction
	for _, e := range m.entriesLocked() {
		if maxCount > 0 && len(txs) >= maxCount {
			break
		}
		txs = append(txs, e.Tx)
	}
	return txs
}

// GetAllEntries returns all entries in arrival order
func (m *Mempool) GetAllEntries() []*MempoolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked()
}

// Size returns the number of transactions in mempool
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByID)
}

// Clear removes all transactions
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txByID = make(map[Hash]*MempoolEntry)
	m.txBySpend = make(map[OutPoint]Hash)
	m.updateGauge()
}

// RemoveExpired removes transactions that have been in mempool too long
func (m *Mempool) RemoveExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.ExpirationTime <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.config.ExpirationTime)
	removed := 0
	for id, entry := range m.txByID {
		if entry.AddedAt.Before(cutoff) {
			m.removeTxByID(id)
			removed++
		}
	}
	m.updateGauge()
	return removed
}

// OnBlockConnected drops transactions the block confirmed or conflicted
// with, then revalidates the rest against the new tip.
func (m *Mempool) OnBlockConnected(block *Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range block.Transactions {
		m.removeTxByID(tx.Hash)
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			if other, ok := m.txBySpend[OutPoint{TxHash: in.PrevTx, Index: in.Index}]; ok {
				m.removeTxByID(other)
			}
		}
	}

	for _, e := range m.entriesLocked() {
		if err := m.validator.ValidateTransaction(e.Tx); err != nil {
			log.WithFields(log.Fields{"tx": e.Tx.Hash, "height": block.Header.Height}).
				WithError(err).Debug("Evicting transaction invalidated by block")
			m.removeTxByID(e.Tx.Hash)
		}
	}
	m.updateGauge()
}

// MempoolStats holds mempool statistics
type MempoolStats struct {
	Count     int `json:"count"`
	SizeBytes int `json:"size_bytes"`
}

// Stats returns mempool statistics
func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := MempoolStats{Count: len(m.txByID)}
	for _, e := range m.txByID {
		stats.SizeBytes += e.Size
	}
	return stats
}
