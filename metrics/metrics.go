// Package metrics exposes workflow counters over Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set on a private registry so tests can
// run side by side without collisions.
type Metrics struct {
	registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Placements       *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
}

// New creates and registers the instrument set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_transitions_total",
			Help: "Committed workflow transitions by destination state.",
		}, []string{"to"}),
		Placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_placement_total",
			Help: "Placement attempts by outcome.",
		}, []string{"outcome"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvald_store_errors_total",
			Help: "Document store failures by operation.",
		}, []string{"op"}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approvald_operation_seconds",
			Help:    "Engine operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.Transitions, m.Placements, m.StoreErrors, m.OperationSeconds)
	return m
}

// ObserveOperation records one engine operation's latency.
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	m.OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until the context expires.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", slog.String("addr", addr))
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
