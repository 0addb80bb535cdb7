package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordExecution(_ context.Context, _, _ string, _ time.Duration)     {}
func (NoopMetrics) RecordStep(_ context.Context, _, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordCompensation(_ context.Context, _, _ string, _ error)          {}
func (NoopMetrics) RecordDelivery(_ context.Context, _, _ string, _ time.Duration)      {}
func (NoopMetrics) RecordSample(_ context.Context, _ string, _ float64)                 {}
func (NoopMetrics) RecordAlert(_ context.Context, _ string)                             {}
func (NoopMetrics) RecordDivergence(_ context.Context, _ string, _ float64)             {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
var noopSpan = noop.Span{}

func (NoopSpanManager) StartExecutionSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartStepSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) StartTickSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
