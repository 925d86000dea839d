package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeEngines = []string{StorageEngineBolt, StorageEngineBadger}

func mustOpenStore(t *testing.T, engine string) ChainStore {
	t.Helper()

	store, err := OpenChainStore(engine, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreBlocks(t *testing.T) {
	_, blocks := mustBuildChain(t, 3)

	for _, engine := range storeEngines {
		t.Run(engine, func(t *testing.T) {
			store := mustOpenStore(t, engine)

			_, ok, err := store.LatestBlockHash()
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = store.Height()
			require.NoError(t, err)
			assert.False(t, ok)

			for i, b := range blocks {
				require.NoError(t, store.UpdateBlocks(b.Hash, b, uint64(i+1)))
			}

			tip, ok, err := store.LatestBlockHash()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, blocks[2].Hash, tip)
			height, _, err := store.Height()
			require.NoError(t, err)
			assert.Equal(t, uint64(3), height)

			got, err := store.GetBlockByHeight(2)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, blocks[1].Hash, got.Hash)

			got, err = store.GetBlock(blocks[0].Hash)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, uint64(1), got.Header.Height)

			has, err := store.HasBlock(blocks[2].Hash)
			require.NoError(t, err)
			assert.True(t, has)

			missing, err := store.GetBlock(Hash{0x77})
			require.NoError(t, err)
			assert.Nil(t, missing)
			missing, err = store.GetBlockByHeight(4)
			require.NoError(t, err)
			assert.Nil(t, missing)
			has, err = store.HasBlock(Hash{0x77})
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestStoreRejectsHeightGap(t *testing.T) {
	_, blocks := mustBuildChain(t, 2)

	for _, engine := range storeEngines {
		t.Run(engine, func(t *testing.T) {
			store := mustOpenStore(t, engine)

			err := store.UpdateBlocks(blocks[1].Hash, blocks[1], 2)
			require.ErrorIs(t, err, ErrStorage)

			_, ok, err := store.LatestBlockHash()
			require.NoError(t, err)
			assert.False(t, ok, "failed update leaves the store empty")
		})
	}
}

func TestStoreUTXO(t *testing.T) {
	entries := []UTXOEntry{{Index: 1, Output: TxOutput{Value: 3, LockingKey: []byte{0xab}}}}

	for _, engine := range storeEngines {
		t.Run(engine, func(t *testing.T) {
			store := mustOpenStore(t, engine)

			require.NoError(t, store.WriteUTXO(Hash{0x01}, entries))
			got, err := store.GetUTXO(Hash{0x01})
			require.NoError(t, err)
			assert.Equal(t, entries, got)

			require.NoError(t, store.WriteUTXO(Hash{0x01}, nil))
			got, err = store.GetUTXO(Hash{0x01})
			require.NoError(t, err)
			assert.Empty(t, got)

			_, ok, err := store.UTXOTip()
			require.NoError(t, err)
			assert.False(t, ok)

			set := UTXOMap{Hash{0x02}: entries, Hash{0x03}: entries}
			require.NoError(t, store.ReplaceUTXOSet(set, Hash{0x09}))
			all, err := store.GetUTXOSet()
			require.NoError(t, err)
			assert.Equal(t, set, all)
			tip, ok, err := store.UTXOTip()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, Hash{0x09}, tip)

			require.NoError(t, store.ClearUTXOSet())
			all, err = store.GetUTXOSet()
			require.NoError(t, err)
			assert.Empty(t, all)
			_, ok, err = store.UTXOTip()
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBlockIteratorOrder(t *testing.T) {
	chain, blocks := mustBuildChain(t, 4)

	it, err := NewBlockIterator(chain.store)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), it.Total())

	var seen []Hash
	for it.Next() {
		seen = append(seen, it.Block().Hash)
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, 4)
	for i := range blocks {
		assert.Equal(t, blocks[i].Hash, seen[i])
	}
}

func TestOpenChainStoreUnknownEngine(t *testing.T) {
	_, err := OpenChainStore("leveldb", t.TempDir())
	assert.Error(t, err)
}

func TestChainReopensOnBadger(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenChainStore(StorageEngineBadger, dir)
	require.NoError(t, err)
	chain, err := NewChain(store, ChainConfig{Difficulty: testDifficulty})
	require.NoError(t, err)
	mustExtendChain(t, chain, 2)
	tip, height := chain.Tip()
	require.NoError(t, chain.Close())

	store, err = OpenChainStore(StorageEngineBadger, dir)
	require.NoError(t, err)
	chain, err = NewChain(store, ChainConfig{Difficulty: testDifficulty})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })

	assertTipUnchanged(t, chain, tip, height)
	indexed, err := chain.UTXO().Snapshot()
	require.NoError(t, err)
	searched, err := chain.SearchUTXO()
	require.NoError(t, err)
	assert.Equal(t, searched, indexed)
}

func TestBadgerReplaceUTXOSetLargerThanOneTxn(t *testing.T) {
	// A 1 MiB memtable caps a badger transaction at about 150 KiB.
	opts := badgerOptions(t.TempDir()).
		WithMemTableSize(1 << 20).
		WithValueThreshold(1 << 10)
	store, err := openBadgerStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	old := UTXOMap{Hash{0xff, 0xff}: {{Index: 0, Output: TxOutput{Value: 1, LockingKey: []byte{0x01}}}}}
	require.NoError(t, store.ReplaceUTXOSet(old, Hash{0x01}))

	set := make(UTXOMap)
	for i := 0; i < 5000; i++ {
		var h Hash
		h[0], h[1] = byte(i>>8), byte(i)
		set[h] = []UTXOEntry{{Index: uint32(i % 3), Output: TxOutput{Value: uint64(i + 1), LockingKey: make([]byte, 20)}}}
	}
	require.NoError(t, store.ReplaceUTXOSet(set, Hash{0x02}))

	got, err := store.GetUTXOSet()
	require.NoError(t, err)
	assert.Equal(t, set, got)
	tip, ok, err := store.UTXOTip()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Hash{0x02}, tip)
}
