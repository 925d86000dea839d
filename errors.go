package main

import (
	"github.com/pkg/errors"
)

// Error taxonomy roots. Validation, storage and peer failures match one of
// these with errors.Is; orchestrator state errors below stand alone.
var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidBlock       = errors.New("invalid block")
	ErrStorage            = errors.New("storage error")
	ErrNetwork            = errors.New("network error")
)

// Transaction rejections.
var (
	ErrInvalidSignature  = errors.WithMessage(ErrInvalidTransaction, "bad signature")
	ErrInsufficientFunds = errors.WithMessage(ErrInvalidTransaction, "insufficient funds")
	ErrDoubleSpend       = errors.WithMessage(ErrInvalidTransaction, "output already spent")
	ErrUnknownOutput     = errors.WithMessage(ErrInvalidTransaction, "referenced output not found")
	ErrValueOverflow     = errors.WithMessage(ErrInvalidTransaction, "value overflow")
	ErrBadCoinbase       = errors.WithMessage(ErrInvalidTransaction, "malformed coinbase")
	ErrTxHashMismatch    = errors.WithMessage(ErrInvalidTransaction, "hash does not match contents")
)

// Block rejections.
var (
	ErrPowNotMet         = errors.WithMessage(ErrInvalidBlock, "proof of work target not met")
	ErrWrongPrev         = errors.WithMessage(ErrInvalidBlock, "previous hash does not match tip")
	ErrWrongHeight       = errors.WithMessage(ErrInvalidBlock, "unexpected height")
	ErrWrongDifficulty   = errors.WithMessage(ErrInvalidBlock, "unexpected difficulty")
	ErrRootHashMismatch  = errors.WithMessage(ErrInvalidBlock, "root hash does not match transactions")
	ErrBlockHashMismatch = errors.WithMessage(ErrInvalidBlock, "block hash does not match header")
)

// ErrStaleUTXOIndex means the persisted index was built for another tip.
var ErrStaleUTXOIndex = errors.WithMessage(ErrStorage, "UTXO index behind chain tip")

// Orchestrator state errors.
var (
	ErrChainEmpty      = errors.New("chain has no genesis block")
	ErrChainExists     = errors.New("chain already has a genesis block")
	ErrMiningCancelled = errors.New("mining cancelled, no block produced")
)

func storageErr(err error, what string) error {
	return errors.Wrapf(ErrStorage, "%s: %v", what, err)
}

func networkErr(err error, what string) error {
	return errors.Wrapf(ErrNetwork, "%s: %v", what, err)
}
