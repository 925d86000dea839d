package main

import (
	"testing"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinbaseShape(t *testing.T) {
	addr := mustNewAddress(t, wallet.NewKeystore())

	cb1, err := NewCoinbase(addr, 1)
	require.NoError(t, err)
	cb2, err := NewCoinbase(addr, 2)
	require.NoError(t, err)

	assert.True(t, cb1.IsCoinbase())
	assert.NoError(t, cb1.CheckSanity())
	require.Len(t, cb1.Outputs, 1)
	assert.Equal(t, Subsidy, cb1.Outputs[0].Value)
	assert.NotEqual(t, cb1.Hash, cb2.Hash, "height makes coinbase hashes unique")
}

func TestNewCoinbaseRejectsBadAddress(t *testing.T) {
	_, err := NewCoinbase("not-an-address", 1)
	require.ErrorIs(t, err, wallet.ErrInvalidAddress)
}

func TestTransactionRoundTrip(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	tx := mustSpend(t, chain, ks, a, b, 4)
	decoded, err := DeserializeTx(tx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, decoded.Hash)
	assert.Equal(t, tx.Serialize(), decoded.Serialize())
	assert.NoError(t, decoded.CheckSanity())
}

func TestSigningDoesNotChangeHash(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	tx := mustSpend(t, chain, ks, a, b, 4)
	require.NotEmpty(t, tx.Inputs[0].Signature)
	assert.Equal(t, tx.ComputeHash(), tx.Hash)

	unsigned := *tx
	unsigned.Inputs = append([]TxInput(nil), tx.Inputs...)
	unsigned.Inputs[0].Signature = nil
	assert.Equal(t, tx.Hash, unsigned.ComputeHash())
}

func TestSpendBuildsChange(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	tx := mustSpend(t, chain, ks, a, b, 4)
	require.Len(t, tx.Outputs, 2)
	assert.Equal(t, uint64(4), tx.Outputs[0].Value)
	assert.Equal(t, uint64(6), tx.Outputs[1].Value)

	exact := mustSpend(t, chain, ks, a, b, Subsidy)
	assert.Len(t, exact.Outputs, 1, "no change output when inputs match the amount")
}

func TestSpendInsufficientFunds(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	_, err := NewSpend(a, b, Subsidy+1, chain.UTXO(), chain, ks)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = NewSpend(b, a, 1, chain.UTXO(), chain, ks)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = NewSpend(a, b, 0, chain.UTXO(), chain, ks)
	require.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestSpendUnknownSigner(t *testing.T) {
	chain := mustCreateTestChain(t)
	a := mustNewAddress(t, wallet.NewKeystore())
	mustCreateGenesis(t, chain, a)

	_, err := NewSpend(a, a, 1, chain.UTXO(), chain, wallet.NewKeystore())
	require.ErrorIs(t, err, wallet.ErrUnknownAddress)
}

func TestVerifyDetectsTampering(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	t.Run("valid", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		assert.NoError(t, tx.Verify(chain))
	})

	t.Run("output value", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Outputs[0].Value = 9
		assert.ErrorIs(t, tx.Verify(chain), ErrInvalidSignature)
	})

	t.Run("recipient", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Outputs[0].LockingKey = tx.Outputs[1].LockingKey
		assert.ErrorIs(t, tx.Verify(chain), ErrInvalidSignature)
	})

	t.Run("signature", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Inputs[0].Signature[len(tx.Inputs[0].Signature)-1] ^= 0x01
		assert.ErrorIs(t, tx.Verify(chain), ErrInvalidSignature)
	})

	t.Run("foreign key", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		pub, err := ks.PublicKey(b)
		require.NoError(t, err)
		tx.Inputs[0].PubKey = pub
		assert.ErrorIs(t, tx.Verify(chain), ErrInvalidSignature)
	})

	t.Run("unknown output", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Inputs[0].PrevTx = Hash{0x42}
		assert.ErrorIs(t, tx.Verify(chain), ErrUnknownOutput)
	})
}

func TestCheckSanity(t *testing.T) {
	chain := mustCreateTestChain(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, chain, a)

	t.Run("hash mismatch", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Outputs[0].Value = 5
		assert.ErrorIs(t, tx.CheckSanity(), ErrTxHashMismatch)
	})

	t.Run("duplicate input", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Inputs = append(tx.Inputs, tx.Inputs[0])
		tx.Hash = tx.ComputeHash()
		assert.ErrorIs(t, tx.CheckSanity(), ErrDoubleSpend)
	})

	t.Run("no outputs", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Outputs = nil
		tx.Hash = tx.ComputeHash()
		assert.ErrorIs(t, tx.CheckSanity(), ErrInvalidTransaction)
	})

	t.Run("output overflow", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Outputs[0].Value = ^uint64(0)
		tx.Hash = tx.ComputeHash()
		assert.ErrorIs(t, tx.CheckSanity(), ErrValueOverflow)
	})

	t.Run("coinbase marker in spend", func(t *testing.T) {
		tx := mustSpend(t, chain, ks, a, b, 4)
		tx.Inputs = append(tx.Inputs, TxInput{Index: coinbaseIndex, Signature: []byte{1}})
		tx.Hash = tx.ComputeHash()
		assert.ErrorIs(t, tx.CheckSanity(), ErrBadCoinbase)
	})
}
