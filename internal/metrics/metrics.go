// Package metrics wraps the prometheus collectors of the toolkit in a
// registry-scoped struct so tests can build isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics holds every collector the runtime records into.
type Metrics struct {
	registry *prometheus.Registry

	WorkerStarts    *prometheus.CounterVec
	WorkerCrashes   *prometheus.CounterVec
	WorkerRestarts  *prometheus.CounterVec
	WorkersRunning  prometheus.Gauge
	RPCDuration     *prometheus.HistogramVec
	TokenRefreshes  *prometheus.CounterVec
	LeasesInUse     *prometheus.GaugeVec
	LeaseWaitMs     *prometheus.HistogramVec
	IndexPhaseMs    *prometheus.HistogramVec
	IndexOperations *prometheus.CounterVec
	QueryDurationMs *prometheus.HistogramVec
	EventsDropped   prometheus.Counter
}

// New builds a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WorkerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_starts_total",
			Help: "Worker processes started, by plugin and outcome.",
		}, []string{"plugin", "outcome"}),
		WorkerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_crashes_total",
			Help: "Worker processes that exited non-zero.",
		}, []string{"plugin"}),
		WorkerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_restarts_total",
			Help: "Workers restarted after unhealthy or terminated states.",
		}, []string{"plugin"}),
		WorkersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_running",
			Help: "Worker processes currently running.",
		}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_duration_ms",
			Help: "Forward RPC round-trip duration.", Buckets: defaultBuckets,
		}, []string{"method"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "token_refreshes_total",
			Help: "Silent token refreshes, by outcome.",
		}, []string{"outcome"}),
		LeasesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "client_leases_in_use",
			Help: "Leased remote-service clients per environment.",
		}, []string{"environment"}),
		LeaseWaitMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "client_lease_wait_ms",
			Help: "Time spent waiting on the multiplexer gate.", Buckets: defaultBuckets,
		}, []string{"environment"}),
		IndexPhaseMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "index_phase_duration_ms",
			Help: "Indexer phase durations.", Buckets: defaultBuckets,
		}, []string{"phase"}),
		IndexOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "index_operations_total",
			Help: "Index operations, by terminal status.",
		}, []string{"status"}),
		QueryDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_ms",
			Help: "Query engine evaluation time.", Buckets: defaultBuckets,
		}, []string{"plan"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Events dropped from full worker event buffers.",
		}),
	}

	reg.MustRegister(
		m.WorkerStarts, m.WorkerCrashes, m.WorkerRestarts, m.WorkersRunning,
		m.RPCDuration, m.TokenRefreshes, m.LeasesInUse, m.LeaseWaitMs,
		m.IndexPhaseMs, m.IndexOperations, m.QueryDurationMs, m.EventsDropped,
	)
	return m
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var global = New("ddk")

// Global returns the shared process-wide instance.
func Global() *Metrics { return global }
