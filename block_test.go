package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/blocknetprivacy/minichain/p2p"
	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoinbase(t *testing.T, height uint64) *Transaction {
	t.Helper()

	cb, err := NewCoinbase(mustNewAddress(t, wallet.NewKeystore()), height)
	require.NoError(t, err)
	return cb
}

func TestHeaderLayout(t *testing.T) {
	h := BlockHeader{
		Height:    7,
		Bits:      12,
		Timestamp: 1_700_000_000,
		RootHash:  Hash{0xaa},
		PrevHash:  Hash{0xbb},
		Nonce:     0x0102030405060708,
	}
	buf := h.Serialize()
	require.Len(t, buf, HeaderSize)

	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(buf[0:]))
	assert.Equal(t, uint32(12), binary.LittleEndian.Uint32(buf[8:]))
	assert.Equal(t, uint64(1_700_000_000), binary.LittleEndian.Uint64(buf[12:]))
	assert.Equal(t, byte(0xaa), buf[20])
	assert.Equal(t, byte(0xbb), buf[52])
	assert.Equal(t, h.Nonce, binary.LittleEndian.Uint64(buf[headerNonceOffset:]))
}

func TestBlockRoundTrip(t *testing.T) {
	b, err := NewBlock(context.Background(), []*Transaction{testCoinbase(t, 1)}, GenesisPrevHash, 1, testDifficulty)
	require.NoError(t, err)

	decoded, err := DeserializeBlock(b.Serialize())
	require.NoError(t, err)
	assert.Equal(t, b.Header, decoded.Header)
	assert.Equal(t, b.Hash, decoded.Hash)
	require.Len(t, decoded.Transactions, 1)
	assert.Equal(t, b.Transactions[0].Serialize(), decoded.Transactions[0].Serialize())
	assert.Equal(t, b.Serialize(), decoded.Serialize())
}

func TestDeserializeBlockRejectsMalformed(t *testing.T) {
	b, err := NewBlock(context.Background(), []*Transaction{testCoinbase(t, 1)}, GenesisPrevHash, 1, testDifficulty)
	require.NoError(t, err)
	raw := b.Serialize()

	_, err = DeserializeBlock(raw[:len(raw)-1])
	assert.Error(t, err, "truncated")

	_, err = DeserializeBlock(append(append([]byte(nil), raw...), 0))
	assert.Error(t, err, "trailing byte")

	_, err = DeserializeBlock(nil)
	assert.Error(t, err, "empty")
}

func TestBlockListRoundTrip(t *testing.T) {
	_, blocks := mustBuildChain(t, 3)

	decoded, err := DecodeBlockList(EncodeBlockList(blocks))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i := range blocks {
		assert.Equal(t, blocks[i].Hash, decoded[i].Hash)
	}

	empty, err := DecodeBlockList(EncodeBlockList(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRootHashCommitsToTransactionOrder(t *testing.T) {
	a, b := testCoinbase(t, 1), testCoinbase(t, 2)
	assert.NotEqual(t, ComputeRootHash([]*Transaction{a, b}), ComputeRootHash([]*Transaction{b, a}))
	assert.Equal(t, ComputeRootHash([]*Transaction{a, b}), ComputeRootHash([]*Transaction{a, b}))
}

func TestDifficultyToTarget(t *testing.T) {
	assert.Equal(t, 0, DifficultyToTarget(0).Cmp(new(big.Int).Lsh(big.NewInt(1), 256)))
	assert.Equal(t, 0, DifficultyToTarget(8).Cmp(new(big.Int).Lsh(big.NewInt(1), 248)))
	assert.Equal(t, int64(2), DifficultyToTarget(255).Int64())
	assert.Equal(t, int64(2), DifficultyToTarget(1000).Int64(), "bits are capped")
}

func TestPowCheckTarget(t *testing.T) {
	target := DifficultyToTarget(8)

	var below Hash
	below[0] = 0x00
	below[1] = 0xff
	assert.True(t, PowCheckTarget(below, target))

	var equal Hash
	equal[0] = 0x01
	assert.False(t, PowCheckTarget(equal, target), "target itself is not below target")
}

func TestProofOfWorkSealAndValidate(t *testing.T) {
	b, err := NewBlock(context.Background(), []*Transaction{testCoinbase(t, 1)}, GenesisPrevHash, 1, testDifficulty)
	require.NoError(t, err)

	assert.Equal(t, b.Header.ComputeHash(), b.Hash)
	assert.True(t, NewProofOfWork(b).Validate())

	b.Header.Nonce++
	assert.False(t, NewProofOfWork(b).Validate(), "hash no longer matches header")
}

func TestProofOfWorkCancelled(t *testing.T) {
	b := assembleBlock([]*Transaction{testCoinbase(t, 1)}, GenesisPrevHash, 1, MaxDifficultyBits)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewProofOfWork(b).Seal(ctx)
	require.ErrorIs(t, err, ErrMiningCancelled)
	assert.True(t, b.Hash.IsZero(), "cancelled search leaves the block unsealed")
	assert.Zero(t, b.Header.Nonce)
}

func TestGenesisPrevHashIsNotZero(t *testing.T) {
	assert.False(t, GenesisPrevHash.IsZero())
	assert.False(t, bytes.Equal(GenesisPrevHash[:], make([]byte, 32)))
}

func TestNewGenesisBlock(t *testing.T) {
	addr := mustNewAddress(t, wallet.NewKeystore())
	g, err := NewGenesisBlock(context.Background(), testDifficulty, addr)
	require.NoError(t, err)
	assert.True(t, g.IsGenesis())
	require.Len(t, g.Transactions, 1)
	assert.True(t, g.Transactions[0].IsCoinbase())

	chain := mustCreateTestChain(t)
	added, err := chain.AddBlock(g)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, Subsidy, mustBalance(t, chain, addr))
}

func TestEncodeBlockListLimit(t *testing.T) {
	_, blocks := mustBuildChain(t, 3)
	firstTwo := 4 + (4 + len(blocks[0].Serialize())) + (4 + len(blocks[1].Serialize()))

	all, err := DecodeBlockList(EncodeBlockListLimit(blocks, 1<<20))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	two, err := DecodeBlockList(EncodeBlockListLimit(blocks, firstTwo))
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, blocks[1].Hash, two[1].Hash)

	first, err := DecodeBlockList(EncodeBlockListLimit(blocks, 1))
	require.NoError(t, err)
	require.Len(t, first, 1, "an oversized first block is still served")
	assert.Equal(t, blocks[0].Hash, first[0].Hash)

	// The largest response still fits one sync frame.
	assert.Less(t, MaxBlocksResponseBytes+4+maxBlockBytes, p2p.MaxSyncResponseSize)
}
