package main

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Canonical binary codec. Every hash, signature, stored record and peer
// message is computed over these bytes. All integers are little-endian and
// variable-length fields are a u32 length followed by the raw bytes.
//
//	header   height u64 | bits u32 | timestamp i64 | root 32 | prev 32 | nonce u64   (92 bytes)
//	txin     prev 32 | index u32 | sig bytes | pubkey bytes
//	txout    value u64 | lock bytes
//	tx       hash 32 | nIn u32 | txin... | nOut u32 | txout...
//	digest   tx without the hash field, every sig encoded empty
//	block    header | hash 32 | nTx u32 | bytes(tx)...
//	root     SHA256(nTx u32 | bytes(tx)...)
//	list     n u32 | bytes(block)...

const (
	// HeaderSize is the serialized header length.
	HeaderSize = 92

	// headerNonceOffset is where the nonce sits in a serialized header.
	headerNonceOffset = 84

	maxFieldBytes   = 1024
	maxTxBytes      = 1 << 20
	maxBlockBytes   = 8 << 20
	maxBlockListLen = 1024

	minTxInSize  = 32 + 4 + 4 + 4
	minTxOutSize = 8 + 4
)

var errShortBuffer = errors.New("unexpected end of data")

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) putUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) putHash(h Hash) {
	e.buf.Write(h[:])
}

func (e *encoder) putBytes(b []byte) {
	e.putUint32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

// decoder keeps the first error and turns every later read into a no-op.
type decoder struct {
	data []byte
	off  int
	err  error
}

func newDecoder(data []byte) *decoder {
	return &decoder{data: data}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.remaining() < n {
		d.err = errShortBuffer
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) hash() Hash {
	var h Hash
	copy(h[:], d.take(len(h)))
	return h
}

func (d *decoder) bytesField(limit int) []byte {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	if int(n) > limit {
		d.err = errors.Errorf("field length %d exceeds %d", n, limit)
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// count reads an element count and rejects counts that cannot fit in the
// remaining data given a minimum element size.
func (d *decoder) count(minElem int) int {
	n := d.uint32()
	if d.err != nil {
		return 0
	}
	if minElem > 0 && int(n) > d.remaining()/minElem {
		d.err = errors.Errorf("element count %d exceeds remaining data", n)
		return 0
	}
	return int(n)
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return errors.Errorf("%d trailing bytes", d.remaining())
	}
	return nil
}

// EncodeBlockList serializes a block batch for peer exchange.
func EncodeBlockList(blocks []*Block) []byte {
	var e encoder
	e.putUint32(uint32(len(blocks)))
	for _, b := range blocks {
		e.putBytes(b.Serialize())
	}
	return e.bytes()
}

// EncodeBlockListLimit is EncodeBlockList truncated to the longest prefix
// whose encoding fits in maxBytes. The first block is always kept so a
// response never comes back empty while blocks remain.
func EncodeBlockListLimit(blocks []*Block, maxBytes int) []byte {
	raws := make([][]byte, 0, len(blocks))
	size := 4
	for _, b := range blocks {
		raw := b.Serialize()
		if len(raws) > 0 && size+4+len(raw) > maxBytes {
			break
		}
		size += 4 + len(raw)
		raws = append(raws, raw)
	}

	var e encoder
	e.putUint32(uint32(len(raws)))
	for _, raw := range raws {
		e.putBytes(raw)
	}
	return e.bytes()
}

// DecodeBlockList parses a batch produced by EncodeBlockList.
func DecodeBlockList(data []byte) ([]*Block, error) {
	d := newDecoder(data)
	n := d.count(4)
	if d.err == nil && n > maxBlockListLen {
		return nil, errors.Errorf("block list too long: %d", n)
	}
	blocks := make([]*Block, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		raw := d.bytesField(maxBlockBytes)
		if d.err != nil {
			break
		}
		b, err := DeserializeBlock(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
		blocks = append(blocks, b)
	}
	if err := d.finish(); err != nil {
		return nil, errors.Wrap(err, "decode block list")
	}
	return blocks, nil
}
