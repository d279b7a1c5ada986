package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the process-level Prometheus metrics for Sage on a
// custom registry, never the global one. Pipeline-specific metrics are
// registered on the same Registry by the orchestrator.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Enrichment fetch metrics.
	EnrichmentFetchesTotal  *prometheus.CounterVec
	EnrichmentFetchDuration *prometheus.HistogramVec
	EnrichmentPassages      prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		EnrichmentFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "enrichment",
			Name:      "fetches_total",
			Help:      "Total enrichment context fetches.",
		}, []string{"source", "status"}),

		EnrichmentFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "enrichment",
			Name:      "fetch_duration_seconds",
			Help:      "Enrichment fetch duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source"}),

		EnrichmentPassages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "enrichment",
			Name:      "passages_total",
			Help:      "Total passages returned by enrichment fetches.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sage",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.EnrichmentFetchesTotal,
		m.EnrichmentFetchDuration,
		m.EnrichmentPassages,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
