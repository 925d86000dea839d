package main

import (
	"context"
	"testing"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustStartLibp2pDaemon(t *testing.T, peers ...string) *Daemon {
	t.Helper()

	cfg := testConfig(t)
	cfg.Transport = TransportLibp2p
	cfg.P2PListen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Peers = peers
	store, err := NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	d, err := newDaemon(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Node().Start())
	return d
}

func TestLibp2pSyncAndRelay(t *testing.T) {
	source := mustStartLibp2pDaemon(t)
	mustExtendChain(t, source.Chain(), 3)

	addrs := source.Node().FullMultiaddrs()
	require.NotEmpty(t, addrs)
	follower := mustStartLibp2pDaemon(t, addrs[0])
	require.Equal(t, []string{source.Node().PeerID().String()}, follower.Peers().KnownPeers())

	added, err := follower.Syncer().SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	tip, height := source.Chain().Tip()
	assertTipUnchanged(t, follower.Chain(), tip, height)

	// A block mined on the follower reaches the source over the block protocol.
	follower.Miner().config.Address = mustNewAddress(t, wallet.NewKeystore())
	b, err := follower.Miner().MineOnce(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		hash, _ := source.Chain().Tip()
		return hash == b.Hash
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLibp2pForgedBlockBansPeer(t *testing.T) {
	source := mustStartLibp2pDaemon(t)
	mustExtendChain(t, source.Chain(), 1)
	follower := mustStartLibp2pDaemon(t, source.Node().FullMultiaddrs()[0])

	_, err := follower.Syncer().SyncOnce(context.Background())
	require.NoError(t, err)

	forged := mustMineReward(t, source.Chain(), mustNewAddress(t, wallet.NewKeystore()))
	clone, err := DeserializeBlock(forged.Serialize())
	require.NoError(t, err)
	clone.Header.Nonce++

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, source.Node().BroadcastBlock(ctx, clone.Serialize()))

	require.Eventually(t, func() bool {
		return follower.Node().IsBanned(source.Node().PeerID())
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(1), follower.Chain().Height())
}
