package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const binaryContentType = "application/octet-stream"

// httpPeerClient talks to peers through their HTTP API. Peers are base
// URLs such as http://10.0.0.2:8545.
type httpPeerClient struct {
	client *resty.Client
	peers  []string
}

// NewHTTPPeerClient returns a PeerClient for a static peer list.
func NewHTTPPeerClient(peers []string, timeout time.Duration) PeerClient {
	normalized := make([]string, 0, len(peers))
	for _, p := range peers {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if !strings.Contains(p, "://") {
			p = "http://" + p
		}
		normalized = append(normalized, p)
	}
	return &httpPeerClient{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "minichain/"+Version),
		peers: normalized,
	}
}

func (c *httpPeerClient) KnownPeers() []string {
	out := make([]string, len(c.peers))
	copy(out, c.peers)
	return out
}

type heightResponse struct {
	Height uint64 `json:"height"`
	Tip    Hash   `json:"tip"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func responseErr(resp *resty.Response, what string) error {
	msg := strings.TrimSpace(resp.String())
	if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
		msg = e.Error
	}
	return networkErr(errors.Errorf("HTTP %d: %s", resp.StatusCode(), msg), what)
}

func (c *httpPeerClient) GetBlockHeight(ctx context.Context, peer string) (uint64, error) {
	var out heightResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorResponse{}).
		Get(peer + "/api/height")
	if err != nil {
		return 0, networkErr(err, "get height from "+peer)
	}
	if resp.IsError() {
		return 0, responseErr(resp, "get height from "+peer)
	}
	return out.Height, nil
}

func (c *httpPeerClient) GetBlocks(ctx context.Context, peer string, from uint64) ([]*Block, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", binaryContentType).
		SetQueryParam("from", strconv.FormatUint(from, 10)).
		Get(peer + "/api/blocks")
	if err != nil {
		return nil, networkErr(err, "get blocks from "+peer)
	}
	if resp.IsError() {
		return nil, responseErr(resp, "get blocks from "+peer)
	}
	blocks, err := DecodeBlockList(resp.Body())
	if err != nil {
		return nil, networkErr(err, "decode blocks from "+peer)
	}
	return blocks, nil
}

// post sends body to every peer. It fails only when no peer accepted it.
func (c *httpPeerClient) post(ctx context.Context, path string, body []byte) error {
	if len(c.peers) == 0 {
		return nil
	}

	errs := make([]error, len(c.peers))
	var g errgroup.Group
	for i, p := range c.peers {
		i, p := i, p
		g.Go(func() error {
			resp, err := c.client.R().
				SetContext(ctx).
				SetHeader("Content-Type", binaryContentType).
				SetError(&errorResponse{}).
				SetBody(body).
				Post(p + path)
			if err != nil {
				errs[i] = networkErr(err, "post "+path+" to "+p)
			} else if resp.IsError() {
				errs[i] = responseErr(resp, "post "+path+" to "+p)
			}
			if errs[i] != nil {
				log.WithField("peer", p).WithError(errs[i]).Debug("Broadcast to peer failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errs[0]
}

func (c *httpPeerClient) BroadcastTx(ctx context.Context, tx *Transaction) error {
	return c.post(ctx, "/api/tx", tx.Serialize())
}

func (c *httpPeerClient) BroadcastBlock(ctx context.Context, b *Block) error {
	return c.post(ctx, "/api/block", b.Serialize())
}
