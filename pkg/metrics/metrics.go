// Package metrics provides Prometheus metrics for migration runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "migrate"

// Metrics holds all run metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	RecordsExported *prometheus.CounterVec
	RecordsCreated  *prometheus.CounterVec
	RecordsSkipped  *prometheus.CounterVec
	RecordErrors    *prometheus.CounterVec
	CreateCalls     *prometheus.CounterVec
	ReferencesFixed *prometheus.CounterVec

	// Gauges
	PendingReferences prometheus.Gauge

	// Histograms
	BatchDuration *prometheus.HistogramVec
	StoreLatency  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a metrics instance backed by its own registry so concurrent
// runs and tests never collide on the default registerer.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RecordsExported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_exported_total",
			Help:      "Source records read by model",
		},
		[]string{"model"},
	)

	m.RecordsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Target records created by model",
		},
		[]string{"model"},
	)

	m.RecordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records skipped because a mapping already existed",
		},
		[]string{"model"},
	)

	m.RecordErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_errors_total",
			Help:      "Per-record failures by model and kind",
		},
		[]string{"model", "kind"}, // "transform", "create", "unresolved_reference"
	)

	m.CreateCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "create_calls_total",
			Help:      "Create calls issued against the target, including bisection retries",
		},
		[]string{"model", "status"}, // "success", "error"
	)

	m.ReferencesFixed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "references_resolved_total",
			Help:      "Deferred references written by the resolver",
		},
		[]string{"model"},
	)

	m.PendingReferences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_references",
			Help:      "References waiting for the cross-reference pass",
		},
	)

	m.BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to transform and import one batch",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"model"},
	)

	m.StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_call_duration_seconds",
			Help:      "Latency of record store calls",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"store", "operation"},
	)

	m.registry.MustRegister(
		m.RecordsExported,
		m.RecordsCreated,
		m.RecordsSkipped,
		m.RecordErrors,
		m.CreateCalls,
		m.ReferencesFixed,
		m.PendingReferences,
		m.BatchDuration,
		m.StoreLatency,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())

	return m
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Helper methods for common operations

func (m *Metrics) AddExported(model string, n int) {
	if m != nil && n > 0 {
		m.RecordsExported.WithLabelValues(model).Add(float64(n))
	}
}

func (m *Metrics) AddCreated(model string, n int) {
	if m != nil && n > 0 {
		m.RecordsCreated.WithLabelValues(model).Add(float64(n))
	}
}

func (m *Metrics) AddSkipped(model string, n int) {
	if m != nil && n > 0 {
		m.RecordsSkipped.WithLabelValues(model).Add(float64(n))
	}
}

// RecordError counts one per-record failure of the given kind.
func (m *Metrics) RecordError(model, kind string) {
	if m != nil {
		m.RecordErrors.WithLabelValues(model, kind).Inc()
	}
}

// RecordCreateCall counts one create call and its outcome.
func (m *Metrics) RecordCreateCall(model string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.CreateCalls.WithLabelValues(model, status).Inc()
}

func (m *Metrics) AddResolved(model string, n int) {
	if m != nil && n > 0 {
		m.ReferencesFixed.WithLabelValues(model).Add(float64(n))
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingReferences.Set(float64(n))
	}
}

// ObserveBatch records how long one batch took.
func (m *Metrics) ObserveBatch(model string, d time.Duration) {
	if m != nil {
		m.BatchDuration.WithLabelValues(model).Observe(d.Seconds())
	}
}

// ObserveStoreCall records the latency of one record store call.
func (m *Metrics) ObserveStoreCall(store, operation string, d time.Duration) {
	if m != nil {
		m.StoreLatency.WithLabelValues(store, operation).Observe(d.Seconds())
	}
}
