package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("ledgerflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartExecutionSpan starts a span for a whole workflow execution.
	StartExecutionSpan(ctx context.Context, workflow, executionID string) (context.Context, trace.Span)

	// StartStepSpan starts a child span for one step.
	StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span)

	// StartDeliverySpan starts a span for handling one delivered message.
	StartDeliverySpan(ctx context.Context, queue, eventID, eventType string) (context.Context, trace.Span)

	// StartTickSpan starts a span for one periodic unit of work (a sample,
	// a reconciliation pass).
	StartTickSpan(ctx context.Context, component, streamID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global tracer provider.
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{tracer: tracer}
}

// NewSpanManagerWithTracer returns a SpanManager on a specific tracer.
func NewSpanManagerWithTracer(t trace.Tracer) SpanManager {
	return &otelSpanManager{tracer: t}
}

func (m *otelSpanManager) StartExecutionSpan(ctx context.Context, workflow, executionID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.workflow",
		trace.WithAttributes(
			attribute.String("workflow.name", workflow),
			attribute.String("execution.id", executionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.step."+step,
		trace.WithAttributes(attribute.String("step.name", step)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, queue, eventID, eventType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.deliver "+queue,
		trace.WithAttributes(
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.id", eventID),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) StartTickSpan(ctx context.Context, component, streamID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow."+component,
		trace.WithAttributes(attribute.String("stream.id", streamID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
