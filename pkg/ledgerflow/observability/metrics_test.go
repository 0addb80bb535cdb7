package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a recorder on a manual-read meter provider.
func setupMetricsTest(t *testing.T) (MetricsRecorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	})

	recorder, err := NewMetricsRecorderWithMeter(provider.Meter("test"))
	require.NoError(t, err)
	return recorder, reader
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder(t *testing.T) {
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)

	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop, "Expected real metrics recorder, got noop")
}

func TestRecordExecution(t *testing.T) {
	recorder, reader := setupMetricsTest(t)
	ctx := context.Background()

	recorder.RecordExecution(ctx, "mint", "completed", 15*time.Millisecond)
	recorder.RecordExecution(ctx, "mint", "failed", 5*time.Millisecond)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt(t, findMetric(rm, "ledgerflow.workflow.executions")))
	assert.NotNil(t, findMetric(rm, "ledgerflow.workflow.latency_ms"))
}

func TestRecordStep_CountsErrors(t *testing.T) {
	recorder, reader := setupMetricsTest(t)
	ctx := context.Background()

	recorder.RecordStep(ctx, "mint", "verify_payment", time.Millisecond, nil)
	recorder.RecordStep(ctx, "mint", "mint", time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt(t, findMetric(rm, "ledgerflow.step.executions")))
	assert.Equal(t, int64(1), sumInt(t, findMetric(rm, "ledgerflow.step.errors")))
}

func TestRecordDeliveryAndAlerts(t *testing.T) {
	recorder, reader := setupMetricsTest(t)
	ctx := context.Background()

	recorder.RecordDelivery(ctx, "ledger.patronage", "acked", time.Millisecond)
	recorder.RecordDelivery(ctx, "ledger.patronage", "duplicate", time.Millisecond)
	recorder.RecordAlert(ctx, "alert.stream_deviation")
	recorder.RecordCompensation(ctx, "mint", "mint", nil)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt(t, findMetric(rm, "ledgerflow.dispatch.deliveries")))
	assert.Equal(t, int64(1), sumInt(t, findMetric(rm, "ledgerflow.alerts")))
	assert.Equal(t, int64(1), sumInt(t, findMetric(rm, "ledgerflow.step.compensations")))
}

func TestRecordSample_SettlementIsAbsolute(t *testing.T) {
	recorder, reader := setupMetricsTest(t)
	ctx := context.Background()

	recorder.RecordSample(ctx, "s1", -2.5)
	recorder.RecordSample(ctx, "s1", 1.5)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt(t, findMetric(rm, "ledgerflow.stream.samples")))

	m := findMetric(rm, "ledgerflow.stream.settlement_abs")
	require.NotNil(t, m)
	data, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, data.DataPoints, 1)
	assert.InDelta(t, 4.0, data.DataPoints[0].Value, 1e-9)
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)
	ctx := context.Background()

	recorder.RecordExecution(ctx, "redeem", "compensated", time.Millisecond)
	recorder.RecordStep(ctx, "redeem", "burn", time.Millisecond, errors.New("boom"))
	recorder.RecordDelivery(ctx, "ledger.patronage", "acked", time.Millisecond)
	recorder.RecordAlert(ctx, "alert.compensation_failed")
	recorder.RecordSample(ctx, "s1", 1)
	recorder.RecordDivergence(ctx, "s1", 0.5)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, families, "ledgerflow_workflow_executions_total"))
	assert.Equal(t, 1.0, counterValue(t, families, "ledgerflow_steps_total"))
	assert.Equal(t, 1.0, counterValue(t, families, "ledgerflow_deliveries_total"))
	assert.Equal(t, 1.0, counterValue(t, families, "ledgerflow_alerts_total"))
	assert.Equal(t, 1.0, counterValue(t, families, "ledgerflow_stream_samples_total"))
}

func TestPrometheusRecorder_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordExecution(ctx, "w", "completed", time.Second)
		m.RecordStep(ctx, "w", "s", time.Second, errors.New("x"))
		m.RecordCompensation(ctx, "w", "s", nil)
		m.RecordDelivery(ctx, "q", "acked", time.Second)
		m.RecordSample(ctx, "s", 1)
		m.RecordAlert(ctx, "k")
		m.RecordDivergence(ctx, "s", 1)
	})
}
