package main

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testDifficulty keeps sealing to a few hundred hashes per block.
const testDifficulty = 8

func init() {
	log.SetOutput(io.Discard)
}

func mustCreateTestChain(t *testing.T) *Chain {
	t.Helper()

	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	chain, err := NewChain(store, ChainConfig{Difficulty: testDifficulty})
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	return chain
}

func mustNewAddress(t *testing.T, ks *wallet.Keystore) string {
	t.Helper()

	addr, err := ks.NewKey()
	require.NoError(t, err)
	return addr
}

func mustCreateGenesis(t *testing.T, chain *Chain, address string) *Block {
	t.Helper()

	b, err := chain.CreateGenesis(context.Background(), address)
	require.NoError(t, err)
	return b
}

func mustSpend(t *testing.T, chain *Chain, ks *wallet.Keystore, from, to string, amount uint64) *Transaction {
	t.Helper()

	tx, err := NewSpend(from, to, amount, chain.UTXO(), chain, ks)
	require.NoError(t, err)
	return tx
}

func mustMine(t *testing.T, chain *Chain, txs ...*Transaction) *Block {
	t.Helper()

	b, err := chain.MineBlock(context.Background(), txs)
	require.NoError(t, err)
	return b
}

// mustMineReward mines a block whose coinbase pays address.
func mustMineReward(t *testing.T, chain *Chain, address string, txs ...*Transaction) *Block {
	t.Helper()

	cb, err := NewCoinbase(address, chain.Height()+1)
	require.NoError(t, err)
	return mustMine(t, chain, append([]*Transaction{cb}, txs...)...)
}

func mustBalance(t *testing.T, chain *Chain, address string) uint64 {
	t.Helper()

	balance, err := chain.Balance(address)
	require.NoError(t, err)
	return balance
}

// mustBuildChain returns a chain of the given height paying every reward to
// a fresh address, plus its blocks in order.
func mustBuildChain(t *testing.T, height int) (*Chain, []*Block) {
	t.Helper()

	chain := mustCreateTestChain(t)
	return chain, mustExtendChain(t, chain, height)
}

// mustExtendChain mines reward-only blocks until chain reaches height and
// returns every block from genesis.
func mustExtendChain(t *testing.T, chain *Chain, height int) []*Block {
	t.Helper()

	miner := mustNewAddress(t, wallet.NewKeystore())
	if chain.IsEmpty() {
		mustCreateGenesis(t, chain, miner)
	}
	for chain.Height() < uint64(height) {
		mustMineReward(t, chain, miner)
	}
	blocks, err := chain.GetBlocks(1, height)
	require.NoError(t, err)
	return blocks
}

func assertTipUnchanged(t *testing.T, chain *Chain, wantHash Hash, wantHeight uint64) {
	t.Helper()

	gotHash, gotHeight := chain.Tip()
	require.Equal(t, wantHeight, gotHeight, "tip height changed")
	require.Equal(t, wantHash, gotHash, "tip hash changed")

	storeHash, ok, err := chain.store.LatestBlockHash()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wantHash, storeHash, "stored tip changed")
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	return &Config{
		DataDir:        t.TempDir(),
		StorageEngine:  StorageEngineBolt,
		Difficulty:     testDifficulty,
		MiningInterval: time.Second,
		Transport:      TransportHTTP,
		PeerTimeout:    5 * time.Second,
		SyncInterval:   time.Second,
		LogLevel:       log.InfoLevel,
	}
}

// mustStartTestDaemon builds a daemon on a fresh store and serves its API
// from an httptest server.
func mustStartTestDaemon(t *testing.T, peers ...string) (*Daemon, *httptest.Server) {
	t.Helper()

	cfg := testConfig(t)
	cfg.Peers = peers
	store, err := NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	d, err := newDaemon(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	srv := httptest.NewServer(d.API().Handler())
	t.Cleanup(srv.Close)
	return d, srv
}
