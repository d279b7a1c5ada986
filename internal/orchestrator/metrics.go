package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics holds Prometheus metrics for the research pipeline.
// All metrics use the sage_pipeline_ namespace.
type PipelineMetrics struct {
	SessionsTotal          *prometheus.CounterVec
	SessionDuration        *prometheus.HistogramVec
	StagesTotal            *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	EnrichmentLoopsTotal   prometheus.Counter
	RetrievalFailuresTotal prometheus.Counter
	ActiveSessions         prometheus.Gauge
}

// NewPipelineMetrics creates and registers pipeline metrics on the given registry.
// Returns nil if reg is nil.
func NewPipelineMetrics(reg *prometheus.Registry) *PipelineMetrics {
	if reg == nil {
		return nil
	}

	m := &PipelineMetrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Total sessions by final status.",
		}, []string{"status"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "session_duration_seconds",
			Help:      "Session total duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "stages_total",
			Help:      "Total stage executions by stage and status.",
		}, []string{"stage", "status"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage duration in seconds by stage.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),

		EnrichmentLoopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "enrichment_loops_total",
			Help:      "Total enrichment feedback loops taken.",
		}),

		RetrievalFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "retrieval_failures_total",
			Help:      "Subquestion retrievals that failed and were answered with a placeholder.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sage",
			Subsystem: "pipeline",
			Name:      "active_sessions",
			Help:      "Number of currently running sessions.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.StagesTotal,
		m.StageDuration,
		m.EnrichmentLoopsTotal,
		m.RetrievalFailuresTotal,
		m.ActiveSessions,
	)

	return m
}
