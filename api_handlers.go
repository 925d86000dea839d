package main

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/blocknetprivacy/minichain/wallet"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// handleStatus returns daemon status.
// GET /api/status
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Stats())
}

// handleHeight answers peer height queries.
// GET /api/height
func (s *APIServer) handleHeight(w http.ResponseWriter, r *http.Request) {
	tip, height := s.daemon.Chain().Tip()
	writeJSON(w, http.StatusOK, heightResponse{Height: height, Tip: tip})
}

// GET /api/block/{number}
func (s *APIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(r.PathValue("number"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "block number must be an unsigned integer")
		return
	}
	b, err := s.daemon.Chain().GetBlock(number)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBlockView(b))
}

// handleTx looks in the chain first, then the mempool.
// GET /api/tx/{hash}
func (s *APIServer) handleTx(w http.ResponseWriter, r *http.Request) {
	hash, err := ParseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	tx, b, err := s.daemon.Chain().FindTransactionBlock(hash)
	if err == nil {
		view := txLookupView{Tx: newTxView(tx), Status: "confirmed", BlockHeight: b.Header.Height, BlockHash: &b.Hash}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if !errors.Is(err, ErrTxNotFound) {
		writeErr(w, r, err)
		return
	}
	if tx, ok := s.daemon.Mempool().GetTransaction(hash); ok {
		writeJSON(w, http.StatusOK, txLookupView{Tx: newTxView(tx), Status: "pending"})
		return
	}
	writeErr(w, r, err)
}

// GET /api/balance/{address}
func (s *APIServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	balance, err := s.daemon.Chain().Balance(address)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Address: address, Balance: balance})
}

// GET /api/utxo/{address}
func (s *APIServer) handleUTXO(w http.ResponseWriter, r *http.Request) {
	outs, err := s.daemon.Chain().Unspent(r.PathValue("address"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	views := make([]unspentView, 0, len(outs))
	for _, uo := range outs {
		views = append(views, unspentView{TxHash: uo.TxHash, Index: uo.Index, Value: uo.Output.Value})
	}
	writeJSON(w, http.StatusOK, views)
}

// GET /api/mempool
func (s *APIServer) handleMempool(w http.ResponseWriter, r *http.Request) {
	entries := s.daemon.Mempool().GetAllEntries()
	hashes := make([]Hash, len(entries))
	for i, e := range entries {
		hashes[i] = e.Tx.Hash
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.daemon.Mempool().Stats(),
		"txs":   hashes,
	})
}

// handleBlocks serves consecutive blocks in the binary block-list codec.
// GET /api/blocks?from=N
func (s *APIServer) handleBlocks(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if q := r.URL.Query().Get("from"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an unsigned integer")
			return
		}
		from = v
	}
	blocks, err := s.daemon.Chain().GetBlocks(from, MaxBlocksPerResponse)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeBinary(w, http.StatusOK, EncodeBlockListLimit(blocks, MaxBlocksResponseBytes))
}

// handleSubmitTx accepts a binary transaction into the mempool.
// POST /api/tx
func (s *APIServer) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	tx, err := DeserializeTx(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.daemon.SubmitTx(r.Context(), tx); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"hash": tx.Hash})
}

// handleSubmitBlock appends a binary block to the chain.
// POST /api/block
func (s *APIServer) handleSubmitBlock(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	b, err := DeserializeBlock(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.daemon.SubmitBlock(r.Context(), b)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": b.Hash, "height": b.Header.Height, "added": added})
}

// handleMine mines one block now. The reward goes to ?address= when given,
// otherwise to the configured mining address.
// POST /api/mine
func (s *APIServer) handleMine(w http.ResponseWriter, r *http.Request) {
	miner := s.daemon.Miner()
	if addr := r.URL.Query().Get("address"); addr != "" {
		if !wallet.ValidateAddress(addr) {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		miner = NewMiner(s.daemon.Chain(), s.daemon.Mempool(), MinerConfig{Address: addr})
		miner.OnBlock(s.daemon.broadcastBlock)
	}
	b, err := miner.MineOnce(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBlockView(b))
}

// ============================================================================
// Helpers
// ============================================================================

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large or unreadable")
		return nil, false
	}
	return data, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

func writeBinary(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", binaryContentType)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps err onto a status. Validation failures are reported to the
// caller; anything else is logged and redacted.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTxNotFound), errors.Is(err, ErrBlockNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransaction), errors.Is(err, ErrInvalidBlock),
		errors.Is(err, wallet.ErrInvalidAddress), errors.Is(err, ErrMempoolFull):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrChainEmpty), errors.Is(err, ErrMiningCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Error("API request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ============================================================================
// JSON views
// ============================================================================

type blockView struct {
	Height       uint64   `json:"height"`
	Hash         Hash     `json:"hash"`
	PrevHash     Hash     `json:"prev_hash"`
	RootHash     Hash     `json:"root_hash"`
	Bits         uint32   `json:"bits"`
	Timestamp    int64    `json:"timestamp"`
	Nonce        uint64   `json:"nonce"`
	Transactions []txView `json:"transactions"`
}

type txView struct {
	Hash     Hash         `json:"hash"`
	Coinbase bool         `json:"coinbase"`
	Inputs   []inputView  `json:"inputs"`
	Outputs  []outputView `json:"outputs"`
}

type inputView struct {
	PrevTx    Hash   `json:"prev_tx"`
	Index     uint32 `json:"index"`
	Signature string `json:"signature,omitempty"`
	PubKey    string `json:"pubkey,omitempty"`
}

type outputView struct {
	Value   uint64 `json:"value"`
	Address string `json:"address"`
}

type txLookupView struct {
	Tx          txView `json:"tx"`
	Status      string `json:"status"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	BlockHash   *Hash  `json:"block_hash,omitempty"`
}

type balanceView struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
}

type unspentView struct {
	TxHash Hash   `json:"tx_hash"`
	Index  uint32 `json:"index"`
	Value  uint64 `json:"value"`
}

func newBlockView(b *Block) blockView {
	v := blockView{
		Height:       b.Header.Height,
		Hash:         b.Hash,
		PrevHash:     b.Header.PrevHash,
		RootHash:     b.Header.RootHash,
		Bits:         b.Header.Bits,
		Timestamp:    b.Header.Timestamp,
		Nonce:        b.Header.Nonce,
		Transactions: make([]txView, len(b.Transactions)),
	}
	for i, tx := range b.Transactions {
		v.Transactions[i] = newTxView(tx)
	}
	return v
}

func newTxView(tx *Transaction) txView {
	v := txView{
		Hash:     tx.Hash,
		Coinbase: tx.IsCoinbase(),
		Inputs:   make([]inputView, len(tx.Inputs)),
		Outputs:  make([]outputView, len(tx.Outputs)),
	}
	for i, in := range tx.Inputs {
		v.Inputs[i] = inputView{
			PrevTx:    in.PrevTx,
			Index:     in.Index,
			Signature: hex.EncodeToString(in.Signature),
			PubKey:    hex.EncodeToString(in.PubKey),
		}
	}
	for i, out := range tx.Outputs {
		v.Outputs[i] = outputView{Value: out.Value, Address: wallet.AddressFromLockingKey(out.LockingKey)}
	}
	return v
}
