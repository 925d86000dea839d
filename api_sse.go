package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const sseKeepalive = 30 * time.Second

// handleEvents streams every block committed after the client connects.
// Event types: connected, new_block
// GET /api/events
func (s *APIServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Long-lived connection; lift the server write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "failed to initialize event stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chain := s.daemon.Chain()
	// Subscribe before reading the height so no commit slips between them.
	changed := chain.TipChanged()
	seen := chain.Height()
	if err := sendSSE(w, flusher, "connected", map[string]any{
		"height":  seen,
		"syncing": s.daemon.Syncer().IsSyncing(),
	}); err != nil {
		log.WithError(err).Debug("Event stream write failed")
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-changed:
			changed = chain.TipChanged()
			blocks, err := chain.GetBlocks(seen+1, MaxBlocksPerResponse)
			if err != nil {
				log.WithError(err).Warn("Event stream could not load blocks")
				return
			}
			for _, b := range blocks {
				if err := sendSSE(w, flusher, "new_block", map[string]any{
					"height":    b.Header.Height,
					"hash":      b.Hash,
					"timestamp": b.Header.Timestamp,
					"tx_count":  len(b.Transactions),
				}); err != nil {
					return
				}
				seen = b.Header.Height
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sendSSE writes a single event.
func sendSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
