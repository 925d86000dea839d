package main

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Constants
// ============================================================================

// GenesisMessage seeds the sentinel predecessor of the genesis block.
const GenesisMessage = "minichain genesis: every height is won by the first valid block"

// GenesisPrevHash is the predecessor reference of the genesis block. No
// block hashes to it, so it is never dereferenced.
var GenesisPrevHash = HashBytes([]byte(GenesisMessage))

// ============================================================================
// Block Header
// ============================================================================

// BlockHeader is the proof-of-work preimage of a block.
type BlockHeader struct {
	Height    uint64 // Block height, genesis is 1
	Bits      uint32 // Difficulty, target = 2^(256-Bits)
	Timestamp int64  // Unix seconds
	RootHash  Hash   // Digest of the serialized transaction set
	PrevHash  Hash   // Identifying hash of the predecessor
	Nonce     uint64 // PoW nonce
}

// Serialize writes the fixed 92-byte header layout.
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, HeaderSize)

	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], h.Height)
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], h.Bits)
	offset += 4

	binary.LittleEndian.PutUint64(buf[offset:], uint64(h.Timestamp))
	offset += 8

	copy(buf[offset:], h.RootHash[:])
	offset += 32

	copy(buf[offset:], h.PrevHash[:])
	offset += 32

	binary.LittleEndian.PutUint64(buf[offset:], h.Nonce)

	return buf
}

// ComputeHash returns the header digest, which is the block's identity.
func (h *BlockHeader) ComputeHash() Hash {
	return PowHash(h.Serialize())
}

func decodeHeader(d *decoder) BlockHeader {
	return BlockHeader{
		Height:    d.uint64(),
		Bits:      d.uint32(),
		Timestamp: int64(d.uint64()),
		RootHash:  d.hash(),
		PrevHash:  d.hash(),
		Nonce:     d.uint64(),
	}
}

// ============================================================================
// Block
// ============================================================================

// Block is a header, its own identifying hash and an ordered transaction set.
// Hash is always a separate field; PrevHash is never rewritten after assembly.
type Block struct {
	Header       BlockHeader
	Hash         Hash
	Transactions []*Transaction
}

// ComputeRootHash digests the serialized transaction set.
func ComputeRootHash(txs []*Transaction) Hash {
	var e encoder
	e.putUint32(uint32(len(txs)))
	for _, tx := range txs {
		e.putBytes(tx.Serialize())
	}
	return HashBytes(e.bytes())
}

// NewBlock assembles a block on top of prevHash and runs the proof of work.
func NewBlock(ctx context.Context, txs []*Transaction, prevHash Hash, height uint64, bits uint32) (*Block, error) {
	b := assembleBlock(txs, prevHash, height, bits)
	if err := NewProofOfWork(b).Seal(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// assembleBlock builds an unsealed block. The root hash is fixed here,
// before any nonce search starts.
func assembleBlock(txs []*Transaction, prevHash Hash, height uint64, bits uint32) *Block {
	return &Block{
		Header: BlockHeader{
			Height:    height,
			Bits:      bits,
			Timestamp: time.Now().Unix(),
			RootHash:  ComputeRootHash(txs),
			PrevHash:  prevHash,
		},
		Transactions: txs,
	}
}

// NewGenesisBlock mines the first block, paying the subsidy to address.
func NewGenesisBlock(ctx context.Context, bits uint32, address string) (*Block, error) {
	cb, err := NewCoinbase(address, 1)
	if err != nil {
		return nil, err
	}
	return NewBlock(ctx, []*Transaction{cb}, GenesisPrevHash, 1, bits)
}

// IsGenesis reports whether b claims the genesis position.
func (b *Block) IsGenesis() bool {
	return b.Header.Height == 1 && b.Header.PrevHash == GenesisPrevHash
}

// Serialize encodes the block in the canonical codec.
func (b *Block) Serialize() []byte {
	var e encoder
	e.buf.Write(b.Header.Serialize())
	e.putHash(b.Hash)
	e.putUint32(uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		e.putBytes(tx.Serialize())
	}
	return e.bytes()
}

// DeserializeBlock decodes a block produced by Serialize.
func DeserializeBlock(data []byte) (*Block, error) {
	if len(data) > maxBlockBytes {
		return nil, errors.Errorf("block too large: %d bytes", len(data))
	}
	d := newDecoder(data)
	b := &Block{Header: decodeHeader(d), Hash: d.hash()}
	n := d.count(4)
	b.Transactions = make([]*Transaction, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		raw := d.bytesField(maxTxBytes)
		if d.err != nil {
			break
		}
		tx, err := DeserializeTx(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "transaction %d", i)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	if err := d.finish(); err != nil {
		return nil, errors.Wrap(err, "decode block")
	}
	return b, nil
}

// FindTx returns the transaction with the given hash, if the block holds it.
func (b *Block) FindTx(hash Hash) *Transaction {
	for _, tx := range b.Transactions {
		if tx.Hash == hash {
			return tx
		}
	}
	return nil
}
