package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records ledgerflow metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusRecorder for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordExecution records a finished workflow execution by final status.
	RecordExecution(ctx context.Context, workflow, status string, duration time.Duration)

	// RecordStep records a step execution with its duration and error status.
	RecordStep(ctx context.Context, workflow, step string, duration time.Duration, err error)

	// RecordCompensation records one compensation attempt.
	RecordCompensation(ctx context.Context, workflow, step string, err error)

	// RecordDelivery records one message delivery by outcome.
	RecordDelivery(ctx context.Context, queue, outcome string, duration time.Duration)

	// RecordSample records a stream sample and its settlement delta.
	RecordSample(ctx context.Context, streamID string, deltaSettlement float64)

	// RecordAlert records a raised operational alert.
	RecordAlert(ctx context.Context, kind string)

	// RecordDivergence records a reconciliation divergence magnitude.
	RecordDivergence(ctx context.Context, streamID string, magnitude float64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	executions    metric.Int64Counter
	execLatency   metric.Float64Histogram
	steps         metric.Int64Counter
	stepLatency   metric.Float64Histogram
	stepErrors    metric.Int64Counter
	compensations metric.Int64Counter
	deliveries    metric.Int64Counter
	deliveryTime  metric.Float64Histogram
	samples       metric.Int64Counter
	settlement    metric.Float64Counter
	alerts        metric.Int64Counter
	divergences   metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter("ledgerflow"))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	var (
		m   otelMetrics
		err error
	)

	if m.executions, err = meter.Int64Counter("ledgerflow.workflow.executions",
		metric.WithDescription("Number of finished workflow executions")); err != nil {
		return nil, err
	}
	if m.execLatency, err = meter.Float64Histogram("ledgerflow.workflow.latency_ms",
		metric.WithDescription("Workflow execution latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("ledgerflow.step.executions",
		metric.WithDescription("Number of step executions")); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("ledgerflow.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.stepErrors, err = meter.Int64Counter("ledgerflow.step.errors",
		metric.WithDescription("Number of failed step executions")); err != nil {
		return nil, err
	}
	if m.compensations, err = meter.Int64Counter("ledgerflow.step.compensations",
		metric.WithDescription("Number of compensation attempts")); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("ledgerflow.dispatch.deliveries",
		metric.WithDescription("Number of message deliveries by outcome")); err != nil {
		return nil, err
	}
	if m.deliveryTime, err = meter.Float64Histogram("ledgerflow.dispatch.latency_ms",
		metric.WithDescription("Delivery handling latency in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.samples, err = meter.Int64Counter("ledgerflow.stream.samples",
		metric.WithDescription("Number of recorded stream samples")); err != nil {
		return nil, err
	}
	if m.settlement, err = meter.Float64Counter("ledgerflow.stream.settlement_abs",
		metric.WithDescription("Absolute settlement value posted by stream samples")); err != nil {
		return nil, err
	}
	if m.alerts, err = meter.Int64Counter("ledgerflow.alerts",
		metric.WithDescription("Number of raised operational alerts")); err != nil {
		return nil, err
	}
	if m.divergences, err = meter.Float64Histogram("ledgerflow.reconcile.divergence",
		metric.WithDescription("Magnitude of reconciliation divergences")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderWithMeter builds an OTel recorder on a specific meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (MetricsRecorder, error) {
	return newOtelMetrics(meter)
}

func (m *otelMetrics) RecordExecution(ctx context.Context, workflow, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.execLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordStep(ctx context.Context, workflow, step string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordCompensation(ctx context.Context, workflow, step string, err error) {
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", step),
		attribute.Bool("success", err == nil),
	))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, queue, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryTime.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordSample(ctx context.Context, streamID string, deltaSettlement float64) {
	attrs := metric.WithAttributes(attribute.String("stream_id", streamID))
	m.samples.Add(ctx, 1, attrs)
	if deltaSettlement < 0 {
		deltaSettlement = -deltaSettlement
	}
	m.settlement.Add(ctx, deltaSettlement, attrs)
}

func (m *otelMetrics) RecordAlert(ctx context.Context, kind string) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *otelMetrics) RecordDivergence(ctx context.Context, streamID string, magnitude float64) {
	m.divergences.Record(ctx, magnitude, metric.WithAttributes(attribute.String("stream_id", streamID)))
}
