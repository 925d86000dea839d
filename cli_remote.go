package main

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// nodeClient drives a running node's API on behalf of the CLI.
type nodeClient struct {
	client *resty.Client
}

// newNodeClient targets baseURL. token is sent as a bearer token when set.
func newNodeClient(baseURL, token string) *nodeClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(5*time.Minute).
		SetHeader("User-Agent", "minichain-cli/"+Version)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &nodeClient{client: client}
}

func (c *nodeClient) do(req *resty.Request, method, path string) ([]byte, error) {
	resp, err := req.SetError(&errorResponse{}).Execute(method, path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
			return nil, errors.Errorf("node: %s (%s)", e.Error, resp.Status())
		}
		return nil, errors.Errorf("node: %s", resp.Status())
	}
	return resp.Body(), nil
}

// Get returns the JSON body of a read endpoint.
func (c *nodeClient) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(c.client.R().SetContext(ctx), resty.MethodGet, path)
}

// Mine asks the node to mine one block, paying address when set.
func (c *nodeClient) Mine(ctx context.Context, address string) ([]byte, error) {
	req := c.client.R().SetContext(ctx)
	if address != "" {
		req.SetQueryParam("address", address)
	}
	return c.do(req, resty.MethodPost, "/api/mine")
}

// SubmitTx posts a signed transaction to the node's mempool.
func (c *nodeClient) SubmitTx(ctx context.Context, tx *Transaction) error {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", binaryContentType).
		SetBody(tx.Serialize())
	_, err := c.do(req, resty.MethodPost, "/api/tx")
	return err
}

// Unspent loads the node's unspent outputs for address as a map that can
// select and resolve inputs for NewSpend.
func (c *nodeClient) Unspent(ctx context.Context, address string) (UTXOMap, error) {
	lock, err := wallet.LockingKey(address)
	if err != nil {
		return nil, err
	}
	var views []unspentView
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&views).
		SetError(&errorResponse{}).
		Get("/api/utxo/" + url.PathEscape(address))
	if err != nil {
		return nil, errors.Wrap(err, "fetch unspent outputs")
	}
	if resp.IsError() {
		return nil, errors.Errorf("node: %s", resp.Status())
	}

	set := make(UTXOMap)
	for _, v := range views {
		set[v.TxHash] = append(set[v.TxHash], UTXOEntry{
			Index:  v.Index,
			Output: TxOutput{Value: v.Value, LockingKey: lock},
		})
	}
	return set, nil
}
