// Package metrics exposes the Prometheus instruments for the memory service.
//
// All instruments hang off a single Metrics value with its own registry, so
// tests can create isolated instances and the server can mount exactly one
// /metrics handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the service emits.
type Metrics struct {
	registry *prometheus.Registry

	// JobsTotal counts enrichment job executions by kind and status.
	JobsTotal *prometheus.CounterVec
	// EmbeddingLatency observes provider embedding latency in milliseconds.
	EmbeddingLatency *prometheus.HistogramVec
	// TagLatency observes tag-extraction latency in milliseconds.
	TagLatency *prometheus.HistogramVec
	// SearchLatency observes recall latency in milliseconds by strategy.
	SearchLatency *prometheus.HistogramVec
	// CacheOps counts working-memory operations.
	CacheOps *prometheus.CounterVec
	// BreakerState exports circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
	// WorkingMemoryUtilization exports token utilization in [0,1] per robot.
	WorkingMemoryUtilization *prometheus.GaugeVec
	// ChannelNotifications counts group channel notifications received.
	ChannelNotifications *prometheus.CounterVec
	// PoolUtilization exports connection pool utilization in [0,1].
	PoolUtilization prometheus.Gauge
}

var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// New creates a Metrics value backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Enrichment jobs executed, by kind and status.",
		}, []string{"kind", "status"}),
		EmbeddingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedding_latency_ms",
			Help:    "Embedding provider latency in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"provider", "status"}),
		TagLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tag_latency_ms",
			Help:    "Tag extraction provider latency in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"provider", "status"}),
		SearchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_latency_ms",
			Help:    "Recall latency in milliseconds, by strategy.",
			Buckets: latencyBuckets,
		}, []string{"strategy"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_ops_total",
			Help: "Working-memory cache operations.",
		}, []string{"operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		WorkingMemoryUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "working_memory_utilization",
			Help: "Working-memory token utilization in [0,1], per robot.",
		}, []string{"robot"}),
		ChannelNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_notifications_received",
			Help: "Group channel notifications received, per group.",
		}, []string{"group"}),
		PoolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_utilization",
			Help: "Connection pool utilization in [0,1].",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.EmbeddingLatency,
		m.TagLatency,
		m.SearchLatency,
		m.CacheOps,
		m.BreakerState,
		m.WorkingMemoryUtilization,
		m.ChannelNotifications,
		m.PoolUtilization,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSearchLatency records one recall duration.
func (m *Metrics) ObserveSearchLatency(strategy string, d time.Duration) {
	m.SearchLatency.WithLabelValues(strategy).Observe(float64(d.Milliseconds()))
}

// ObserveEmbeddingLatency records one embedding provider call.
func (m *Metrics) ObserveEmbeddingLatency(provider, status string, d time.Duration) {
	m.EmbeddingLatency.WithLabelValues(provider, status).Observe(float64(d.Milliseconds()))
}

// ObserveTagLatency records one tag extraction call.
func (m *Metrics) ObserveTagLatency(provider, status string, d time.Duration) {
	m.TagLatency.WithLabelValues(provider, status).Observe(float64(d.Milliseconds()))
}

// CountJob bumps the job counter for one execution outcome.
func (m *Metrics) CountJob(kind, status string) {
	m.JobsTotal.WithLabelValues(kind, status).Inc()
}

// SetBreakerState exports a breaker state value for a downstream service.
func (m *Metrics) SetBreakerState(service string, state float64) {
	m.BreakerState.WithLabelValues(service).Set(state)
}

// SetWorkingMemoryUtilization exports one robot's token utilization.
func (m *Metrics) SetWorkingMemoryUtilization(robot string, utilization float64) {
	m.WorkingMemoryUtilization.WithLabelValues(robot).Set(utilization)
}

// CountChannelNotification bumps the received-notification counter.
func (m *Metrics) CountChannelNotification(group string) {
	m.ChannelNotifications.WithLabelValues(group).Inc()
}

// CountCacheOp bumps the working-memory operation counter.
func (m *Metrics) CountCacheOp(operation string) {
	m.CacheOps.WithLabelValues(operation).Inc()
}
