// Package metrics provides Prometheus instrumentation for the upload service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Session lifecycle
	SessionsCreated   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsCancelled prometheus.Counter

	// Chunk admission
	ChunksAdmitted prometheus.Counter
	BytesStaged    prometheus.Counter

	// Expiry sweep
	SweepRuns        prometheus.Counter
	SweepExpired     prometheus.Counter
	SweepDuration    prometheus.Histogram
	SweepLastRunTime prometheus.Gauge
}

// New creates the service metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_sessions_created_total",
			Help: "Number of upload sessions initialized.",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_sessions_completed_total",
			Help: "Number of upload sessions committed to storage.",
		}),
		SessionsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_sessions_cancelled_total",
			Help: "Number of upload sessions cancelled, explicitly or by the sweep.",
		}),

		ChunksAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_chunks_admitted_total",
			Help: "Number of chunks staged and recorded.",
		}),
		BytesStaged: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_staged_total",
			Help: "Total bytes forwarded to the object stager.",
		}),

		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_sweep_runs_total",
			Help: "Number of expiry sweep passes.",
		}),
		SweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_sweep_expired_sessions_total",
			Help: "Number of idle sessions cancelled by the sweep.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_sweep_duration_seconds",
			Help:    "Duration of expiry sweep passes.",
			Buckets: prometheus.DefBuckets,
		}),
		SweepLastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "upload_sweep_last_run_timestamp_seconds",
			Help: "Unix timestamp of the last completed sweep pass.",
		}),
	}
}

// RecordSweepRun records one completed sweep pass.
func (m *Metrics) RecordSweepRun(seconds float64, expired int) {
	m.SweepRuns.Inc()
	m.SweepExpired.Add(float64(expired))
	m.SweepDuration.Observe(seconds)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
