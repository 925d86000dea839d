package main

import (
	"context"
	"encoding/binary"
	"math"
	"math/big"

	"github.com/pkg/errors"
)

// powCheckInterval is how many nonces are tried between cancellation checks.
const powCheckInterval = 1 << 12

// ProofOfWork searches and checks nonces for one block header.
type ProofOfWork struct {
	block  *Block
	target *big.Int
	hashes uint64
}

func NewProofOfWork(b *Block) *ProofOfWork {
	return &ProofOfWork{block: b, target: DifficultyToTarget(b.Header.Bits)}
}

// Run tries nonces from 0 until the header hash falls below the target.
// It polls ctx every powCheckInterval nonces and gives up with
// ErrMiningCancelled once ctx is done, leaving the block untouched.
func (pow *ProofOfWork) Run(ctx context.Context) (uint64, Hash, error) {
	header := pow.block.Header
	header.Nonce = 0
	buf := header.Serialize()

	for nonce := uint64(0); ; nonce++ {
		if nonce%powCheckInterval == 0 && ctx.Err() != nil {
			return 0, Hash{}, ErrMiningCancelled
		}

		binary.LittleEndian.PutUint64(buf[headerNonceOffset:], nonce)
		hash := PowHash(buf)
		pow.hashes++
		if PowCheckTarget(hash, pow.target) {
			return nonce, hash, nil
		}

		if nonce == math.MaxUint64 {
			return 0, Hash{}, errors.New("nonce space exhausted")
		}
	}
}

// Seal runs the search and stores the winning nonce and hash in the block.
func (pow *ProofOfWork) Seal(ctx context.Context) error {
	nonce, hash, err := pow.Run(ctx)
	if err != nil {
		return err
	}
	pow.block.Header.Nonce = nonce
	pow.block.Hash = hash
	return nil
}

// Hashes returns how many header hashes Run computed.
func (pow *ProofOfWork) Hashes() uint64 {
	return pow.hashes
}

// Validate recomputes the header digest and checks it against the target
// and the block's recorded hash.
func (pow *ProofOfWork) Validate() bool {
	hash := pow.block.Header.ComputeHash()
	return hash == pow.block.Hash && PowCheckTarget(hash, pow.target)
}
