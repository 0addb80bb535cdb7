package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest creates a span manager backed by an in-memory exporter.
func setupTracingTest(t *testing.T) (SpanManager, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return NewSpanManagerWithTracer(tp.Tracer("test")), exporter
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestExecutionAndStepSpans(t *testing.T) {
	sm, exporter := setupTracingTest(t)

	ctx, execSpan := sm.StartExecutionSpan(context.Background(), "mint", "exec-1")
	_, stepSpan := sm.StartStepSpan(ctx, "verify_payment")
	sm.EndSpanWithError(stepSpan, nil)
	sm.EndSpanWithError(execSpan, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledgerflow.step.verify_payment", spans[0].Name)
	assert.Equal(t, "ledgerflow.workflow", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	assert.Equal(t, "exec-1", attrValue(spans[1].Attributes, "execution.id"))
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func TestDeliverySpan_RecordsError(t *testing.T) {
	sm, exporter := setupTracingTest(t)

	ctx, span := sm.StartDeliverySpan(context.Background(), "ledger.patronage", "e1", "contribution.approved")
	sm.AddSpanEvent(ctx, "duplicate")
	sm.EndSpanWithError(span, errors.New("handler failed"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "handler failed", spans[0].Status.Description)
	assert.Equal(t, "e1", attrValue(spans[0].Attributes, "messaging.message.id"))
	require.Len(t, spans[0].Events, 2)
	assert.Equal(t, "duplicate", spans[0].Events[0].Name)
}

func TestTickSpan(t *testing.T) {
	sm, exporter := setupTracingTest(t)

	_, span := sm.StartTickSpan(context.Background(), "sample", "s1")
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "ledgerflow.sample", spans[0].Name)
	assert.Equal(t, "s1", attrValue(spans[0].Attributes, "stream.id"))
}

func TestEndSpanWithError_NilSpan(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, errors.New("x")) })
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartExecutionSpan(ctx, "w", "e")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() {
		sm.AddSpanEvent(ctx, "x")
		sm.EndSpanWithError(span, errors.New("x"))
	})
}
