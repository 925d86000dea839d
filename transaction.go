package main

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/pkg/errors"
)

// Subsidy is the value created by every coinbase transaction.
const Subsidy uint64 = 10

// coinbaseIndex marks the sentinel "no previous output" input.
const coinbaseIndex uint32 = math.MaxUint32

// TxInput references a previous output being spent.
type TxInput struct {
	PrevTx    Hash
	Index     uint32
	Signature []byte

	// PubKey is the spender's public key. In a coinbase it carries the block
	// height instead, which keeps coinbase hashes unique.
	PubKey []byte
}

// TxOutput locks Value to the holder of the key hashing to LockingKey.
type TxOutput struct {
	Value      uint64
	LockingKey []byte
}

// IsLockedWith reports whether the output pays to lockingKey.
func (o *TxOutput) IsLockedWith(lockingKey []byte) bool {
	return bytes.Equal(o.LockingKey, lockingKey)
}

// NewTxOutput pays value to address.
func NewTxOutput(value uint64, address string) (TxOutput, error) {
	lock, err := wallet.LockingKey(address)
	if err != nil {
		return TxOutput{}, err
	}
	return TxOutput{Value: value, LockingKey: lock}, nil
}

// OutPoint identifies a single transaction output.
type OutPoint struct {
	TxHash Hash
	Index  uint32
}

// Transaction moves value from spent outputs to new outputs.
type Transaction struct {
	Hash    Hash
	Inputs  []TxInput
	Outputs []TxOutput
}

// Signer produces signatures for keys it holds, addressed by wallet address.
type Signer interface {
	Sign(message []byte, address string) ([]byte, error)
	PublicKey(address string) ([]byte, error)
}

// OutputFetcher resolves the output an input spends.
type OutputFetcher interface {
	FetchOutput(txHash Hash, index uint32) (*TxOutput, error)
}

// OutputSelector picks unspent outputs covering an amount.
type OutputSelector interface {
	FindSpendableOutputs(lockingKey []byte, amount uint64) (uint64, []OutPoint, error)
}

// NewCoinbase creates the reward transaction for the block at height.
func NewCoinbase(to string, height uint64) (*Transaction, error) {
	out, err := NewTxOutput(Subsidy, to)
	if err != nil {
		return nil, errors.Wrap(err, "coinbase recipient")
	}
	tx := &Transaction{
		Inputs:  []TxInput{{Index: coinbaseIndex, PubKey: coinbaseExtra(height)}},
		Outputs: []TxOutput{out},
	}
	tx.Hash = tx.ComputeHash()
	return tx, nil
}

func coinbaseExtra(height uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, height)
	return b
}

// NewSpend builds and signs a transaction paying amount from one address to
// another, with change back to the sender.
func NewSpend(from, to string, amount uint64, utxo OutputSelector, fetcher OutputFetcher, signer Signer) (*Transaction, error) {
	if amount == 0 {
		return nil, errors.WithMessage(ErrInvalidTransaction, "amount must be positive")
	}
	fromLock, err := wallet.LockingKey(from)
	if err != nil {
		return nil, errors.Wrap(err, "sender")
	}
	pay, err := NewTxOutput(amount, to)
	if err != nil {
		return nil, errors.Wrap(err, "recipient")
	}
	pubKey, err := signer.PublicKey(from)
	if err != nil {
		return nil, err
	}

	accumulated, selected, err := utxo.FindSpendableOutputs(fromLock, amount)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{Outputs: []TxOutput{pay}}
	for _, op := range selected {
		tx.Inputs = append(tx.Inputs, TxInput{PrevTx: op.TxHash, Index: op.Index, PubKey: pubKey})
	}
	if accumulated > amount {
		tx.Outputs = append(tx.Outputs, TxOutput{Value: accumulated - amount, LockingKey: fromLock})
	}
	tx.Hash = tx.ComputeHash()

	if err := tx.Sign(signer, from, fetcher); err != nil {
		return nil, err
	}
	return tx, nil
}

// IsCoinbase reports whether tx is a reward transaction: a single unsigned
// input carrying the sentinel previous-output marker.
func (tx *Transaction) IsCoinbase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}
	in := tx.Inputs[0]
	return len(in.Signature) == 0 && in.Index == coinbaseIndex && in.PrevTx.IsZero()
}

// OutputValue sums output values, failing on overflow.
func (tx *Transaction) OutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total+out.Value < total {
			return 0, ErrValueOverflow
		}
		total += out.Value
	}
	return total, nil
}

// ComputeHash hashes the transaction with signatures stripped, so the hash
// is the same before and after signing.
func (tx *Transaction) ComputeHash() Hash {
	var e encoder
	tx.encode(&e, false)
	return HashBytes(e.bytes())
}

// trimmedCopy clears every signature and public key.
func (tx *Transaction) trimmedCopy() *Transaction {
	cp := &Transaction{
		Inputs:  make([]TxInput, len(tx.Inputs)),
		Outputs: tx.Outputs,
	}
	for i, in := range tx.Inputs {
		cp.Inputs[i] = TxInput{PrevTx: in.PrevTx, Index: in.Index}
	}
	return cp
}

// SigningHash is the message signed for input i: the hash of a trimmed copy
// whose input i carries the locking key of the output it spends.
func (tx *Transaction) SigningHash(i int, spentLockingKey []byte) Hash {
	cp := tx.trimmedCopy()
	cp.Inputs[i].PubKey = spentLockingKey
	return cp.ComputeHash()
}

// Sign signs every input with the key behind address.
func (tx *Transaction) Sign(signer Signer, address string, fetcher OutputFetcher) error {
	if tx.IsCoinbase() {
		return nil
	}
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		prev, err := fetcher.FetchOutput(in.PrevTx, in.Index)
		if err != nil {
			return errors.Wrapf(err, "input %d", i)
		}
		msg := tx.SigningHash(i, prev.LockingKey)
		sig, err := signer.Sign(msg[:], address)
		if err != nil {
			return errors.Wrapf(err, "sign input %d", i)
		}
		in.Signature = sig
	}
	return nil
}

// Verify checks every input signature. Coinbase transactions pass without
// any checks.
func (tx *Transaction) Verify(fetcher OutputFetcher) error {
	if tx.IsCoinbase() {
		return nil
	}
	for i, in := range tx.Inputs {
		prev, err := fetcher.FetchOutput(in.PrevTx, in.Index)
		if err != nil {
			return errors.Wrapf(err, "input %d", i)
		}
		if !bytes.Equal(wallet.PubKeyHash(in.PubKey), prev.LockingKey) {
			return errors.Wrapf(ErrInvalidSignature, "input %d: key does not own output", i)
		}
		msg := tx.SigningHash(i, prev.LockingKey)
		if !wallet.VerifySignature(in.PubKey, msg[:], in.Signature) {
			return errors.Wrapf(ErrInvalidSignature, "input %d", i)
		}
	}
	return nil
}

// CheckSanity validates structure that does not depend on chain state.
func (tx *Transaction) CheckSanity() error {
	if len(tx.Inputs) == 0 {
		return errors.WithMessage(ErrInvalidTransaction, "no inputs")
	}
	if len(tx.Outputs) == 0 {
		return errors.WithMessage(ErrInvalidTransaction, "no outputs")
	}
	if _, err := tx.OutputValue(); err != nil {
		return err
	}
	if tx.ComputeHash() != tx.Hash {
		return ErrTxHashMismatch
	}
	if tx.IsCoinbase() {
		return nil
	}
	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if in.Index == coinbaseIndex && in.PrevTx.IsZero() {
			return errors.Wrapf(ErrBadCoinbase, "input %d uses coinbase marker", i)
		}
		op := OutPoint{TxHash: in.PrevTx, Index: in.Index}
		if _, dup := seen[op]; dup {
			return errors.Wrapf(ErrDoubleSpend, "input %d repeats %s:%d", i, in.PrevTx, in.Index)
		}
		seen[op] = struct{}{}
	}
	return nil
}

// Serialize encodes the transaction in the canonical codec.
func (tx *Transaction) Serialize() []byte {
	var e encoder
	tx.encode(&e, true)
	return e.bytes()
}

// encode writes the full form, or the digest form (no hash field and empty
// signatures) when full is false.
func (tx *Transaction) encode(e *encoder, full bool) {
	if full {
		e.putHash(tx.Hash)
	}
	e.putUint32(uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		e.putHash(in.PrevTx)
		e.putUint32(in.Index)
		if full {
			e.putBytes(in.Signature)
		} else {
			e.putBytes(nil)
		}
		e.putBytes(in.PubKey)
	}
	e.putUint32(uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		e.putUint64(out.Value)
		e.putBytes(out.LockingKey)
	}
}

// DeserializeTx decodes a transaction produced by Serialize.
func DeserializeTx(data []byte) (*Transaction, error) {
	if len(data) > maxTxBytes {
		return nil, errors.Errorf("transaction too large: %d bytes", len(data))
	}
	d := newDecoder(data)
	tx := decodeTx(d)
	if err := d.finish(); err != nil {
		return nil, errors.Wrap(err, "decode transaction")
	}
	return tx, nil
}

func decodeTx(d *decoder) *Transaction {
	tx := &Transaction{Hash: d.hash()}
	nIn := d.count(minTxInSize)
	tx.Inputs = make([]TxInput, 0, nIn)
	for i := 0; i < nIn && d.err == nil; i++ {
		tx.Inputs = append(tx.Inputs, TxInput{
			PrevTx:    d.hash(),
			Index:     d.uint32(),
			Signature: d.bytesField(maxFieldBytes),
			PubKey:    d.bytesField(maxFieldBytes),
		})
	}
	nOut := d.count(minTxOutSize)
	tx.Outputs = make([]TxOutput, 0, nOut)
	for i := 0; i < nOut && d.err == nil; i++ {
		tx.Outputs = append(tx.Outputs, TxOutput{
			Value:      d.uint64(),
			LockingKey: d.bytesField(maxFieldBytes),
		})
	}
	return tx
}
