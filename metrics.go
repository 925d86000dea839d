package main

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's collectors on a private registry, so several
// nodes can live in one process (tests) without registration conflicts.
type Metrics struct {
	registry *prometheus.Registry

	Height         prometheus.Gauge
	BlocksMined    prometheus.Counter
	BlocksAccepted prometheus.Counter
	BlocksRejected *prometheus.CounterVec
	PowHashes      prometheus.Counter
	SyncRounds     prometheus.Counter
	SyncPeerErrors *prometheus.CounterVec
	MempoolSize    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minichain",
			Name:      "chain_height",
			Help:      "Height of the local chain tip.",
		}),
		BlocksMined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "blocks_mined_total",
			Help:      "Blocks produced by local mining.",
		}),
		BlocksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "blocks_accepted_total",
			Help:      "External blocks appended to the chain.",
		}),
		BlocksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "blocks_rejected_total",
			Help:      "External blocks rejected, by reason.",
		}, []string{"reason"}),
		PowHashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "pow_hashes_total",
			Help:      "Header hashes computed by the proof-of-work search.",
		}),
		SyncRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "sync_rounds_total",
			Help:      "Completed sync rounds.",
		}),
		SyncPeerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichain",
			Name:      "sync_peer_errors_total",
			Help:      "Failed peer requests during sync, by peer.",
		}, []string{"peer"}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minichain",
			Name:      "mempool_transactions",
			Help:      "Transactions waiting to be mined.",
		}),
	}
	m.registry.MustRegister(
		m.Height,
		m.BlocksMined,
		m.BlocksAccepted,
		m.BlocksRejected,
		m.PowHashes,
		m.SyncRounds,
		m.SyncPeerErrors,
		m.MempoolSize,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// rejectReason maps a block validation error to a metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPowNotMet):
		return "pow"
	case errors.Is(err, ErrWrongPrev):
		return "prev"
	case errors.Is(err, ErrWrongHeight):
		return "height"
	case errors.Is(err, ErrWrongDifficulty):
		return "difficulty"
	case errors.Is(err, ErrRootHashMismatch), errors.Is(err, ErrBlockHashMismatch):
		return "hash"
	case errors.Is(err, ErrInvalidTransaction):
		return "tx"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "other"
	}
}
