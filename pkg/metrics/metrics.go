// Package metrics exposes HandReceipt's operational counters and gauges
// through the standard Prometheus client, served over HTTP for scraping.
// The teacher's go.mod already requires prometheus/client_golang; this
// package is where that dependency actually gets exercised.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric HandReceipt reports, scoped to one
// *prometheus.Registry so tests can assert on a private instance instead
// of fighting over the global default registry.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth       prometheus.Gauge
	QueueEnqueued    prometheus.Counter
	QueueFlushed     prometheus.Counter
	QueueDropped     prometheus.Counter
	MeshPeerCount    prometheus.Gauge
	MeshMessagesSent prometheus.Counter
	MeshMessagesRecv prometheus.Counter
	ChainBlockCount  prometheus.Gauge
	ChainEventCount  prometheus.Counter
	ChainVerifyFail  prometheus.Counter

	TransfersByOutcome *prometheus.CounterVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		reg: reg,

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "handreceipt",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of entries currently pending in the offline sync queue.",
		}),
		QueueEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total entries enqueued for offline sync.",
		}),
		QueueFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "queue",
			Name:      "flushed_total",
			Help:      "Total entries successfully flushed from the offline queue.",
		}),
		QueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total entries dropped after exhausting retries.",
		}),
		MeshPeerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "handreceipt",
			Subsystem: "mesh",
			Name:      "peers",
			Help:      "Number of peers currently known to the mesh directory.",
		}),
		MeshMessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "mesh",
			Name:      "messages_sent_total",
			Help:      "Total gossip frames sent to peers.",
		}),
		MeshMessagesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "mesh",
			Name:      "messages_received_total",
			Help:      "Total gossip frames received from peers.",
		}),
		ChainBlockCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "handreceipt",
			Subsystem: "chain",
			Name:      "blocks",
			Help:      "Number of sealed blocks in the audit chain.",
		}),
		ChainEventCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "chain",
			Name:      "events_appended_total",
			Help:      "Total events appended to the audit chain.",
		}),
		ChainVerifyFail: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "chain",
			Name:      "verify_failures_total",
			Help:      "Total chain verification runs that detected tampering.",
		}),
		TransfersByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "handreceipt",
			Subsystem: "transfer",
			Name:      "outcomes_total",
			Help:      "Total transfers reaching each terminal state.",
		}, []string{"outcome"}),
	}

	return m
}

// Handler returns the HTTP handler that serves this registry's metrics
// in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr, stopping when
// ctx is cancelled.
func (m *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// RecordTransferOutcome increments the terminal-state counter for one
// of "completed", "rejected", or "cancelled".
func (m *Registry) RecordTransferOutcome(outcome string) {
	m.TransfersByOutcome.WithLabelValues(outcome).Inc()
}
