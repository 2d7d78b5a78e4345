package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewmemory/internal/embeddings"

// Metrics holds embedding instruments. Instruments that fail to register stay
// nil and are skipped.
type Metrics struct {
	duration  metric.Float64Histogram
	errors    metric.Int64Counter
	fallbacks metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewMetricsWithMeter registers instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.duration, _ = meter.Float64Histogram(
		"reviewmemory.embedding.duration",
		metric.WithDescription("Duration of embedding generation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	m.errors, _ = meter.Int64Counter(
		"reviewmemory.embedding.errors",
		metric.WithDescription("Embedding generation failures by provider"),
		metric.WithUnit("{error}"),
	)
	m.fallbacks, _ = meter.Int64Counter(
		"reviewmemory.embedding.fallbacks",
		metric.WithDescription("Placeholder vectors served because the model failed"),
		metric.WithUnit("{vector}"),
	)
	return m
}

// RecordGeneration records one model call.
func (m *Metrics) RecordGeneration(ctx context.Context, provider, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordFallback counts one placeholder vector.
func (m *Metrics) RecordFallback(ctx context.Context) {
	if m != nil && m.fallbacks != nil {
		m.fallbacks.Add(ctx, 1)
	}
}
