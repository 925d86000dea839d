package main

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// UTXOEntry is one unspent output of a transaction.
type UTXOEntry struct {
	Index  uint32
	Output TxOutput
}

// UTXOMap maps a transaction hash to its outputs that remain unspent.
type UTXOMap map[Hash][]UTXOEntry

// UnspentOutput is a flattened UTXO entry.
type UnspentOutput struct {
	OutPoint
	Output TxOutput
}

// sortedTxHashes returns the keys of m in byte order.
func (m UTXOMap) sortedTxHashes() []Hash {
	keys := make([]Hash, 0, len(m))
	for h := range m {
		keys = append(keys, h)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	return keys
}

// Lookup returns the unspent output at (txHash, index), if any.
func (m UTXOMap) Lookup(txHash Hash, index uint32) (*TxOutput, bool) {
	for i := range m[txHash] {
		if m[txHash][i].Index == index {
			return &m[txHash][i].Output, true
		}
	}
	return nil, false
}

// FetchOutput resolves an unspent output, so a map can back signing.
func (m UTXOMap) FetchOutput(txHash Hash, index uint32) (*TxOutput, error) {
	out, ok := m.Lookup(txHash, index)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownOutput, "%s:%d", txHash, index)
	}
	return out, nil
}

// FindSpendableOutputs selects from the map the same way UTXOSet does.
func (m UTXOMap) FindSpendableOutputs(lockingKey []byte, amount uint64) (uint64, []OutPoint, error) {
	return selectSpendable(m, lockingKey, amount)
}

// Unspent lists outputs locked with lockingKey ordered by tx hash then index.
func (m UTXOMap) Unspent(lockingKey []byte) []UnspentOutput {
	var out []UnspentOutput
	for _, h := range m.sortedTxHashes() {
		for _, e := range m[h] {
			if e.Output.IsLockedWith(lockingKey) {
				out = append(out, UnspentOutput{OutPoint: OutPoint{TxHash: h, Index: e.Index}, Output: e.Output})
			}
		}
	}
	return out
}

// computeUTXO walks the full history and returns every output that no input
// references. Spends are collected first and subtracted afterwards, so the
// result does not depend on the order blocks or transactions are visited.
func computeUTXO(store ChainStore, progress func(done, total uint64)) (UTXOMap, error) {
	it, err := NewBlockIterator(store)
	if err != nil {
		return nil, err
	}

	outputs := make(map[OutPoint]TxOutput)
	spent := make(map[OutPoint]struct{})
	for it.Next() {
		b := it.Block()
		for _, tx := range b.Transactions {
			for i, out := range tx.Outputs {
				outputs[OutPoint{TxHash: tx.Hash, Index: uint32(i)}] = out
			}
			if tx.IsCoinbase() {
				continue
			}
			for _, in := range tx.Inputs {
				spent[OutPoint{TxHash: in.PrevTx, Index: in.Index}] = struct{}{}
			}
		}
		if progress != nil {
			progress(b.Header.Height, it.Total())
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	set := make(UTXOMap)
	for op, out := range outputs {
		if _, ok := spent[op]; ok {
			continue
		}
		set[op.TxHash] = append(set[op.TxHash], UTXOEntry{Index: op.Index, Output: out})
	}
	for h := range set {
		entries := set[h]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	}
	return set, nil
}

// UTXOSet is the persisted, rebuildable UTXO index.
type UTXOSet struct {
	store ChainStore
}

func NewUTXOSet(store ChainStore) *UTXOSet {
	return &UTXOSet{store: store}
}

// Reindex rebuilds the persisted index from the complete block history.
func (u *UTXOSet) Reindex() error {
	return u.ReindexWithProgress(nil)
}

// ReindexWithProgress is Reindex with a per-block progress callback.
func (u *UTXOSet) ReindexWithProgress(progress func(done, total uint64)) error {
	set, err := computeUTXO(u.store, progress)
	if err != nil {
		return err
	}
	tip, _, err := u.store.LatestBlockHash()
	if err != nil {
		return err
	}
	return u.store.ReplaceUTXOSet(set, tip)
}

// Snapshot loads the whole persisted index.
func (u *UTXOSet) Snapshot() (UTXOMap, error) {
	return u.store.GetUTXOSet()
}

// FindSpendableOutputs selects outputs locked with lockingKey, in tx hash
// then output index order, until their sum reaches amount.
func (u *UTXOSet) FindSpendableOutputs(lockingKey []byte, amount uint64) (uint64, []OutPoint, error) {
	set, err := u.store.GetUTXOSet()
	if err != nil {
		return 0, nil, err
	}
	return selectSpendable(set, lockingKey, amount)
}

func selectSpendable(set UTXOMap, lockingKey []byte, amount uint64) (uint64, []OutPoint, error) {
	var accumulated uint64
	var selected []OutPoint
	for _, uo := range set.Unspent(lockingKey) {
		if accumulated >= amount {
			break
		}
		if accumulated+uo.Output.Value < accumulated {
			return 0, nil, ErrValueOverflow
		}
		accumulated += uo.Output.Value
		selected = append(selected, uo.OutPoint)
	}
	if accumulated < amount {
		return accumulated, nil, errors.Wrapf(ErrInsufficientFunds, "have %d, need %d", accumulated, amount)
	}
	return accumulated, selected, nil
}

// Unspent lists the outputs locked with lockingKey.
func (u *UTXOSet) Unspent(lockingKey []byte) ([]UnspentOutput, error) {
	set, err := u.store.GetUTXOSet()
	if err != nil {
		return nil, err
	}
	return set.Unspent(lockingKey), nil
}

// Balance sums the unspent outputs locked with lockingKey.
func (u *UTXOSet) Balance(lockingKey []byte) (uint64, error) {
	outs, err := u.Unspent(lockingKey)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, uo := range outs {
		total += uo.Output.Value
	}
	return total, nil
}

// Count returns the number of transactions with unspent outputs.
func (u *UTXOSet) Count() (int, error) {
	set, err := u.store.GetUTXOSet()
	if err != nil {
		return 0, err
	}
	return len(set), nil
}

// encodeUTXOEntries: n u32 | (index u32 | value u64 | lock bytes)...
func encodeUTXOEntries(entries []UTXOEntry) []byte {
	var e encoder
	e.putUint32(uint32(len(entries)))
	for _, entry := range entries {
		e.putUint32(entry.Index)
		e.putUint64(entry.Output.Value)
		e.putBytes(entry.Output.LockingKey)
	}
	return e.bytes()
}

func decodeUTXOEntries(data []byte) ([]UTXOEntry, error) {
	d := newDecoder(data)
	n := d.count(4 + minTxOutSize)
	entries := make([]UTXOEntry, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		entries = append(entries, UTXOEntry{
			Index: d.uint32(),
			Output: TxOutput{
				Value:      d.uint64(),
				LockingKey: d.bytesField(maxFieldBytes),
			},
		})
	}
	if err := d.finish(); err != nil {
		return nil, errors.Wrap(err, "decode utxo entries")
	}
	return entries, nil
}
