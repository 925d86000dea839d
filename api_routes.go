package main

import "net/http"

func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	// Chain views
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/height", s.handleHeight)
	mux.HandleFunc("GET /api/block/{number}", s.handleBlock)
	mux.HandleFunc("GET /api/tx/{hash}", s.handleTx)
	mux.HandleFunc("GET /api/balance/{address}", s.handleBalance)
	mux.HandleFunc("GET /api/utxo/{address}", s.handleUTXO)
	mux.HandleFunc("GET /api/mempool", s.handleMempool)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Peer exchange (binary codec)
	mux.HandleFunc("GET /api/blocks", s.handleBlocks)
	mux.HandleFunc("POST /api/tx", s.handleSubmitTx)
	mux.HandleFunc("POST /api/block", s.handleSubmitBlock)

	// Control
	mux.HandleFunc("POST /api/mine", requireToken(s.token, s.replays.idempotent(s.handleMine)))

	mux.Handle("GET /metrics", s.daemon.Metrics().Handler())
}
