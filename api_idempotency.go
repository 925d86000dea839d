package main

import (
	"bytes"
	"crypto/sha256"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	idempotencyHeader     = "Idempotency-Key"
	idempotencyTTL        = 10 * time.Minute
	idempotencyMaxEntries = 1024
)

type replayState int

const (
	replayStart    replayState = iota // caller runs the request, then completes it
	replayDone                        // stored response is valid
	replayInFlight                    // same key is running
	replayMismatch                    // key reused for a different request
)

type storedResponse struct {
	status int
	body   []byte
}

type idempotencyEntry struct {
	createdAt time.Time
	reqHash   Hash
	inFlight  bool
	resp      storedResponse
}

// idempotencyCache remembers responses to control requests by client key,
// so a retried POST /api/mine returns the first block instead of mining
// another one.
type idempotencyCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*idempotencyEntry
}

func newIdempotencyCache(ttl time.Duration, maxEntries int) *idempotencyCache {
	return &idempotencyCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*idempotencyEntry),
	}
}

func (c *idempotencyCache) begin(now time.Time, key string, reqHash Hash) (replayState, storedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	if e, ok := c.entries[key]; ok {
		switch {
		case e.reqHash != reqHash:
			return replayMismatch, storedResponse{}
		case e.inFlight:
			return replayInFlight, storedResponse{}
		default:
			return replayDone, e.resp
		}
	}

	c.entries[key] = &idempotencyEntry{createdAt: now, reqHash: reqHash, inFlight: true}
	c.evictLocked()
	return replayStart, storedResponse{}
}

func (c *idempotencyCache) complete(now time.Time, key string, reqHash Hash, resp storedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.reqHash != reqHash {
		return
	}
	e.createdAt = now
	e.inFlight = false
	e.resp = resp
	c.evictLocked()
}

func (c *idempotencyCache) abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *idempotencyCache) pruneLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	for k, e := range c.entries {
		if !e.inFlight && now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// evictLocked drops the oldest completed entries above maxEntries. In-flight
// entries are never evicted, so the cache may briefly exceed the cap.
func (c *idempotencyCache) evictLocked() {
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if e.inFlight {
				continue
			}
			if oldestKey == "" || e.createdAt.Before(oldest) {
				oldestKey, oldest = k, e.createdAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

func requestHash(r *http.Request, body []byte) Hash {
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.RequestURI() + "\n"))
	h.Write(body)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// capturingWriter tees the status and body of a response.
type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *capturingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotent replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass straight through. Only successful
// responses are stored; anything else can be retried under the same key.
func (c *idempotencyCache) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		reqHash := requestHash(r, body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		state, stored := c.begin(time.Now(), key, reqHash)
		switch state {
		case replayDone:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(stored.status)
			_, _ = w.Write(stored.body)
			return
		case replayInFlight:
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
			return
		case replayMismatch:
			writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
			return
		}

		cw := &capturingWriter{ResponseWriter: w}
		next(cw, r)
		if cw.status < 200 || cw.status >= 300 {
			c.abandon(key)
			return
		}
		c.complete(time.Now(), key, reqHash, storedResponse{status: cw.status, body: cw.body.Bytes()})
	}
}
