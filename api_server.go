package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maxRequestBody bounds POSTed blocks and transactions.
const maxRequestBody = 8 << 20

// APIServer serves the node's HTTP API: JSON views for people and the
// binary codec for peers.
type APIServer struct {
	daemon *Daemon
	server *http.Server
	ln     net.Listener

	// token guards the control routes when set.
	token   string
	replays *idempotencyCache
}

// NewAPIServer creates an API server for daemon.
func NewAPIServer(daemon *Daemon) *APIServer {
	return &APIServer{
		daemon:  daemon,
		replays: newIdempotencyCache(idempotencyTTL, idempotencyMaxEntries),
	}
}

// SetToken requires a bearer token on control routes. It must be called
// before Start or Handler.
func (s *APIServer) SetToken(token string) {
	s.token = token
}

// Handler returns the routed handler with body limits applied.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return maxBodySize(mux, maxRequestBody)
}

// Start listens on addr and serves in the background.
func (s *APIServer) Start(addr string) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.ln = ln

	log.WithField("addr", ln.Addr().String()).Info("API listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *APIServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the API server.
func (s *APIServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("API shutdown")
	}
}

// maxBodySize limits request body size to prevent OOM from large payloads.
func maxBodySize(next http.Handler, bytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, bytes)
		next.ServeHTTP(w, r)
	})
}
