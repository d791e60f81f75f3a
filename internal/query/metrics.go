package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records fetch activity per query kind. A nil *Metrics is a no-op.
type Metrics struct {
	fetches  *prometheus.CounterVec
	retries  *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the query metrics and registers them with reg. A nil
// reg leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockdash",
			Subsystem: "query",
			Name:      "fetches_total",
			Help:      "Loader invocations started, by query kind.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockdash",
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Loader re-attempts after a failure, by query kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockdash",
			Subsystem: "query",
			Name:      "outcomes_total",
			Help:      "Settled fetches, by query kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockdash",
			Subsystem: "query",
			Name:      "fetch_duration_seconds",
			Help:      "Time from fetch start to settle, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.retries, m.outcomes, m.duration)
	}
	return m
}

func (m *Metrics) fetchStarted(k Key) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(k.Kind()).Inc()
}

func (m *Metrics) retried(k Key) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(k.Kind()).Inc()
}

// settled records outcome: "success", "error" or "discarded".
func (m *Metrics) settled(k Key, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(k.Kind(), outcome).Inc()
	m.duration.WithLabelValues(k.Kind(), outcome).Observe(time.Since(start).Seconds())
}

// ServeMetrics registers query metrics with a fresh registry and serves it at
// GET /metrics on ln until ctx is done.
func ServeMetrics(ctx context.Context, ln net.Listener, logger *slog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("serving query metrics", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return m
}

// ListenMetrics starts ServeMetrics on addr. An empty addr disables metrics
// and returns a nil *Metrics, which the cache treats as a no-op.
func ListenMetrics(ctx context.Context, addr string, logger *slog.Logger) (*Metrics, error) {
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}
	return ServeMetrics(ctx, ln, logger), nil
}
