package main

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"

	"github.com/pkg/errors"
)

// Hash identifies blocks and transactions (SHA-256 digest).
type Hash [32]byte

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether every byte is zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hash hex")
	}
	if len(raw) != len(h) {
		return h, errors.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashBytes is the single digest function used for block and transaction ids.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// MaxDifficultyBits caps nbits so the target never drops below 2.
const MaxDifficultyBits = 255

var bigOne = big.NewInt(1)

// DifficultyToTarget returns 2^(256-bits).
func DifficultyToTarget(bits uint32) *big.Int {
	if bits > MaxDifficultyBits {
		bits = MaxDifficultyBits
	}
	return new(big.Int).Lsh(bigOne, uint(256-bits))
}

// PowHash hashes serialized header bytes.
func PowHash(header []byte) Hash {
	return HashBytes(header)
}

// PowCheckTarget reports whether hash, read as a big-endian integer, is
// strictly below target.
func PowCheckTarget(hash Hash, target *big.Int) bool {
	return new(big.Int).SetBytes(hash[:]).Cmp(target) < 0
}
