package main

import (
	"context"

	"github.com/blocknetprivacy/minichain/p2p"

	"github.com/libp2p/go-libp2p/core/peer"
)

// p2pPeerClient adapts a libp2p node to PeerClient. Peers are identified by
// their base58 peer ID.
type p2pPeerClient struct {
	node *p2p.Node
}

// NewP2PPeerClient returns a PeerClient over node's connected peers.
func NewP2PPeerClient(node *p2p.Node) PeerClient {
	return &p2pPeerClient{node: node}
}

func (c *p2pPeerClient) KnownPeers() []string {
	ids := c.node.Peers()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (c *p2pPeerClient) GetBlockHeight(ctx context.Context, p string) (uint64, error) {
	pid, err := peer.Decode(p)
	if err != nil {
		return 0, networkErr(err, "decode peer id")
	}
	h, err := c.node.RequestHeight(ctx, pid)
	if err != nil {
		return 0, networkErr(err, "get height from "+p)
	}
	return h, nil
}

func (c *p2pPeerClient) GetBlocks(ctx context.Context, p string, from uint64) ([]*Block, error) {
	pid, err := peer.Decode(p)
	if err != nil {
		return nil, networkErr(err, "decode peer id")
	}
	data, err := c.node.RequestBlocks(ctx, pid, from)
	if err != nil {
		return nil, networkErr(err, "get blocks from "+p)
	}
	blocks, err := DecodeBlockList(data)
	if err != nil {
		return nil, networkErr(err, "decode blocks from "+p)
	}
	return blocks, nil
}

func (c *p2pPeerClient) BroadcastTx(ctx context.Context, tx *Transaction) error {
	if err := c.node.BroadcastTx(ctx, tx.Serialize()); err != nil {
		return networkErr(err, "broadcast tx")
	}
	return nil
}

func (c *p2pPeerClient) BroadcastBlock(ctx context.Context, b *Block) error {
	if err := c.node.BroadcastBlock(ctx, b.Serialize()); err != nil {
		return networkErr(err, "broadcast block")
	}
	return nil
}

// chainSyncProvider serves libp2p sync requests from the chain.
type chainSyncProvider struct {
	chain *Chain
}

func (p chainSyncProvider) Height() uint64 {
	return p.chain.Height()
}

func (p chainSyncProvider) EncodedBlocksFrom(from uint64) ([]byte, error) {
	blocks, err := p.chain.GetBlocks(from, MaxBlocksPerResponse)
	if err != nil {
		return nil, err
	}
	return EncodeBlockListLimit(blocks, MaxBlocksResponseBytes), nil
}
