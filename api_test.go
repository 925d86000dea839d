package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postBody(t *testing.T, url string, body []byte, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", binaryContentType)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIStatusAndHeight(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	blocks := mustExtendChain(t, d.Chain(), 2)

	var stats DaemonStats
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &stats))
	assert.Equal(t, uint64(2), stats.Height)
	assert.Equal(t, blocks[1].Hash, stats.Tip)
	assert.Equal(t, uint32(testDifficulty), stats.Difficulty)
	assert.Equal(t, Version, stats.Version)
	assert.Equal(t, TransportHTTP, stats.Transport)

	var h heightResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/height", &h))
	assert.Equal(t, uint64(2), h.Height)
	assert.Equal(t, blocks[1].Hash, h.Tip)
}

func TestAPIBlock(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	blocks := mustExtendChain(t, d.Chain(), 2)

	var view blockView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/block/2", &view))
	assert.Equal(t, blocks[1].Hash, view.Hash)
	assert.Equal(t, blocks[0].Hash, view.PrevHash)
	require.Len(t, view.Transactions, 1)
	assert.True(t, view.Transactions[0].Coinbase)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/block/9", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/block/abc", nil))
}

func TestAPIBalanceAndUTXO(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	addr := mustNewAddress(t, wallet.NewKeystore())
	mustCreateGenesis(t, d.Chain(), addr)

	var bal balanceView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/balance/"+addr, &bal))
	assert.Equal(t, Subsidy, bal.Balance)

	var outs []unspentView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/utxo/"+addr, &outs))
	require.Len(t, outs, 1)
	assert.Equal(t, Subsidy, outs[0].Value)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/balance/bogus", nil))
}

func TestAPISubmitAndLookupTx(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, d.Chain(), a)

	tx := mustSpend(t, d.Chain(), ks, a, b, 4)
	resp := postBody(t, srv.URL+"/api/tx", tx.Serialize(), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var lookup txLookupView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/tx/"+tx.Hash.String(), &lookup))
	assert.Equal(t, "pending", lookup.Status)
	assert.Nil(t, lookup.BlockHash)

	conflict := mustSpend(t, d.Chain(), ks, a, b, 5)
	resp = postBody(t, srv.URL+"/api/tx", conflict.Serialize(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postBody(t, srv.URL+"/api/tx", []byte{1, 2, 3}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postBody(t, srv.URL+"/api/mine?address="+b, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mined blockView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mined))
	require.Len(t, mined.Transactions, 2)
	assert.Equal(t, tx.Hash, mined.Transactions[1].Hash)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/tx/"+tx.Hash.String(), &lookup))
	assert.Equal(t, "confirmed", lookup.Status)
	assert.Equal(t, uint64(2), lookup.BlockHeight)
	require.NotNil(t, lookup.BlockHash)
	assert.Equal(t, mined.Hash, *lookup.BlockHash)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/tx/"+Hash{0x01}.String(), nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/tx/zz", nil))
}

func TestAPIMine(t *testing.T) {
	_, srv := mustStartTestDaemon(t)
	addr := mustNewAddress(t, wallet.NewKeystore())

	resp := postBody(t, srv.URL+"/api/mine", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no configured mining address")

	resp = postBody(t, srv.URL+"/api/mine?address=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	key := http.Header{idempotencyHeader: []string{"once"}}
	first := postBody(t, srv.URL+"/api/mine?address="+addr, nil, key)
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	replay := postBody(t, srv.URL+"/api/mine?address="+addr, nil, key)
	require.Equal(t, http.StatusOK, replay.StatusCode)
	assert.Equal(t, "true", replay.Header.Get("Idempotent-Replay"))
	replayBody, err := io.ReadAll(replay.Body)
	require.NoError(t, err)
	assert.Equal(t, firstBody, replayBody)

	var h heightResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/height", &h))
	assert.Equal(t, uint64(1), h.Height, "replay does not mine again")
}

func TestAPIMineRequiresToken(t *testing.T) {
	cfg := testConfig(t)
	store, err := NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	d, err := newDaemon(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	token, err := generateToken()
	require.NoError(t, err)
	d.API().SetToken(token)
	srv := httptest.NewServer(d.API().Handler())
	t.Cleanup(srv.Close)

	addr := mustNewAddress(t, wallet.NewKeystore())
	resp := postBody(t, srv.URL+"/api/mine?address="+addr, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postBody(t, srv.URL+"/api/mine?address="+addr, nil, http.Header{"Authorization": []string{"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postBody(t, srv.URL+"/api/mine?address="+addr, nil, http.Header{"Authorization": []string{"Bearer " + token}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Read routes stay public.
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/height", nil))
}

func TestAPIBinaryBlocks(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	blocks := mustExtendChain(t, d.Chain(), 3)

	resp, err := http.Get(srv.URL + "/api/blocks?from=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, binaryContentType, resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	got, err := DecodeBlockList(raw)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, blocks[1].Hash, got[0].Hash)
	assert.Equal(t, blocks[2].Hash, got[1].Hash)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/blocks?from=x", nil))
}

func TestAPISubmitBlock(t *testing.T) {
	_, blocks := mustBuildChain(t, 2)
	_, srv := mustStartTestDaemon(t)

	resp := postBody(t, srv.URL+"/api/block", blocks[1].Serialize(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "block 2 does not extend an empty chain")

	resp = postBody(t, srv.URL+"/api/block", blocks[0].Serialize(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Added bool `json:"added"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Added)

	resp = postBody(t, srv.URL+"/api/block", blocks[0].Serialize(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Added)
}

func TestAPIEvents(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	addr := mustNewAddress(t, wallet.NewKeystore())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := bufio.NewReader(resp.Body)
	next := func() (string, map[string]any) {
		var event string
		for {
			line, err := events.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var data map[string]any
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data))
				return event, data
			}
		}
	}

	event, data := next()
	require.Equal(t, "connected", event)
	assert.Equal(t, float64(0), data["height"])

	genesis := mustCreateGenesis(t, d.Chain(), addr)
	event, data = next()
	require.Equal(t, "new_block", event)
	assert.Equal(t, float64(1), data["height"])
	assert.Equal(t, genesis.Hash.String(), data["hash"])
	assert.Equal(t, float64(1), data["tx_count"])
}

func TestRemoteSendFlow(t *testing.T) {
	d, srv := mustStartTestDaemon(t)
	ks := wallet.NewKeystore()
	a, b := mustNewAddress(t, ks), mustNewAddress(t, ks)
	mustCreateGenesis(t, d.Chain(), a)

	client := newNodeClient(srv.URL, "")
	ctx := context.Background()

	utxo, err := client.Unspent(ctx, a)
	require.NoError(t, err)
	tx, err := NewSpend(a, b, 4, utxo, utxo, ks)
	require.NoError(t, err)
	require.NoError(t, client.SubmitTx(ctx, tx))

	_, err = client.Mine(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, uint64(16), mustBalance(t, d.Chain(), a))
	assert.Equal(t, uint64(4), mustBalance(t, d.Chain(), b))

	raw, err := client.Get(ctx, "/api/balance/"+b)
	require.NoError(t, err)
	var bal balanceView
	require.NoError(t, json.Unmarshal(raw, &bal))
	assert.Equal(t, uint64(4), bal.Balance)

	_, err = client.Get(ctx, "/api/block/99")
	assert.ErrorContains(t, err, "404")
}
