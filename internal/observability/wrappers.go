package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/session"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}

	return resp, err
}

// --- InstrumentedFetcher ---

// InstrumentedFetcher wraps an enrichment.Fetcher with metrics, tracing, and anomaly detection.
type InstrumentedFetcher struct {
	inner   enrichment.Fetcher
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedFetcher wraps an enrichment fetcher with observability.
func NewInstrumentedFetcher(inner enrichment.Fetcher, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedFetcher {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedFetcher{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (f *InstrumentedFetcher) Name() string { return f.inner.Name() }

func (f *InstrumentedFetcher) Close() error { return f.inner.Close() }

func (f *InstrumentedFetcher) FetchContext(ctx context.Context, query string) ([]session.Passage, error) {
	source := f.inner.Name()

	if f.tracer != nil {
		var span trace.Span
		ctx, span = f.tracer.Start(ctx, "enrichment.fetch_context",
			trace.WithAttributes(
				attribute.String("enrichment.source", source),
			))
		defer span.End()
	}

	start := time.Now()
	passages, err := f.inner.FetchContext(ctx, query)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if f.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if f.metrics != nil {
		f.metrics.EnrichmentFetchesTotal.WithLabelValues(source, status).Inc()
		f.metrics.EnrichmentFetchDuration.WithLabelValues(source).Observe(duration)
		if err == nil {
			f.metrics.EnrichmentPassages.Add(float64(len(passages)))
		}
	}

	if f.anomaly != nil {
		if err != nil {
			f.anomaly.RecordError("enrichment_fetch")
		} else {
			f.anomaly.RecordSuccess("enrichment_fetch")
		}
	}

	return passages, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider       = (*InstrumentedProvider)(nil)
	_ enrichment.Fetcher = (*InstrumentedFetcher)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
