package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCatchesUpToTallestPeer(t *testing.T) {
	source, srv := mustStartTestDaemon(t)
	blocks := mustExtendChain(t, source.Chain(), 5)

	follower, _ := mustStartTestDaemon(t, srv.URL)
	for _, b := range blocks[:3] {
		added, err := follower.Chain().AddBlock(b)
		require.NoError(t, err)
		require.True(t, added)
	}

	var seen []uint64
	follower.Syncer().OnBlock(func(b *Block) { seen = append(seen, b.Header.Height) })

	added, err := follower.Syncer().SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []uint64{4, 5}, seen)

	wantTip, wantHeight := source.Chain().Tip()
	assertTipUnchanged(t, follower.Chain(), wantTip, wantHeight)
	assert.Equal(t, float64(1), testutil.ToFloat64(follower.Metrics().SyncRounds))

	added, err = follower.Syncer().SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added, "nothing to fetch once caught up")
}

func TestSyncFromEmpty(t *testing.T) {
	source, srv := mustStartTestDaemon(t)
	mustExtendChain(t, source.Chain(), 3)

	follower, _ := mustStartTestDaemon(t)
	syncer := NewSyncer(follower.Chain(), NewHTTPPeerClient([]string{srv.URL}, 5*time.Second), DefaultSyncConfig())

	added, err := syncer.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	searched, err := follower.Chain().SearchUTXO()
	require.NoError(t, err)
	indexed, err := follower.Chain().UTXO().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, searched, indexed)
}

func TestSyncStopsAtDivergedBlock(t *testing.T) {
	source, srv := mustStartTestDaemon(t)
	mustExtendChain(t, source.Chain(), 3)

	follower, _ := mustStartTestDaemon(t, srv.URL)
	own := mustCreateGenesis(t, follower.Chain(), mustNewAddress(t, wallet.NewKeystore()))

	added, err := follower.Syncer().SyncOnce(context.Background())
	require.ErrorIs(t, err, ErrWrongPrev)
	assert.Zero(t, added)
	assertTipUnchanged(t, follower.Chain(), own.Hash, 1)
}

func TestSyncSkipsUnreachablePeers(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusServiceUnavailable, "down")
	}))
	t.Cleanup(down.Close)

	source, srv := mustStartTestDaemon(t)
	mustExtendChain(t, source.Chain(), 2)

	follower, _ := mustStartTestDaemon(t, down.URL, srv.URL)
	heights := follower.Syncer().PeerHeights(context.Background())
	require.Len(t, heights, 1)
	assert.Equal(t, srv.URL, heights[0].Peer)
	assert.Equal(t, uint64(2), heights[0].Height)

	added, err := follower.Syncer().SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.GreaterOrEqual(t, testutil.ToFloat64(follower.Metrics().SyncPeerErrors.WithLabelValues(down.URL)), float64(2))
}

func TestHTTPPeerClientNormalizesPeers(t *testing.T) {
	client := NewHTTPPeerClient([]string{" 10.0.0.1:8545/ ", "", "https://node.example/"}, time.Second)
	assert.Equal(t, []string{"http://10.0.0.1:8545", "https://node.example"}, client.KnownPeers())
}

func TestBlockRelayBetweenDaemons(t *testing.T) {
	receiver, receiverSrv := mustStartTestDaemon(t)
	sender, _ := mustStartTestDaemon(t, receiverSrv.URL)

	addr := mustNewAddress(t, wallet.NewKeystore())
	sender.Miner().config.Address = addr
	b, err := sender.Miner().MineOnce(context.Background())
	require.NoError(t, err)

	// The miner callback relays synchronously.
	assertTipUnchanged(t, receiver.Chain(), b.Hash, 1)
	assert.Equal(t, Subsidy, mustBalance(t, receiver.Chain(), addr))
}

func TestTransactionRelayBetweenDaemons(t *testing.T) {
	receiver, receiverSrv := mustStartTestDaemon(t)
	sender, _ := mustStartTestDaemon(t, receiverSrv.URL)

	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	genesis := mustCreateGenesis(t, sender.Chain(), a)
	_, err := receiver.SubmitBlock(context.Background(), genesis)
	require.NoError(t, err)

	tx := mustSpend(t, sender.Chain(), ks, a, b, 4)
	require.NoError(t, sender.SubmitTx(context.Background(), tx))
	require.NoError(t, sender.SubmitTx(context.Background(), tx), "resubmitting a pending tx is a no-op")

	assert.True(t, sender.Mempool().HasTransaction(tx.Hash))
	assert.True(t, receiver.Mempool().HasTransaction(tx.Hash))
}
