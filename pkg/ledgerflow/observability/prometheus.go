package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics implements MetricsRecorder on a Prometheus registry.
type promMetrics struct {
	executions    *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	deliveryTime  *prometheus.HistogramVec
	samples       *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	divergences   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers ledgerflow collectors on reg.
// Pass prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func NewPrometheusRecorder(reg prometheus.Registerer) (MetricsRecorder, error) {
	m := &promMetrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_workflow_executions_total",
			Help: "Finished workflow executions by workflow and final status.",
		}, []string{"workflow", "status"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_steps_total",
			Help: "Step executions by workflow, step and result.",
		}, []string{"workflow", "step", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_step_duration_seconds",
			Help:    "Step execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "step"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_compensations_total",
			Help: "Compensation attempts by workflow, step and result.",
		}, []string{"workflow", "step", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_deliveries_total",
			Help: "Message deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
		deliveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_delivery_duration_seconds",
			Help:    "Delivery handling duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_stream_samples_total",
			Help: "Recorded stream samples by stream.",
		}, []string{"stream_id"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_alerts_total",
			Help: "Raised operational alerts by kind.",
		}, []string{"kind"}),
		divergences: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledgerflow_reconcile_divergence",
			Help:    "Magnitude of reconciliation divergences.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, 10),
		}, []string{"stream_id"}),
	}

	for _, c := range []prometheus.Collector{
		m.executions, m.execDuration, m.steps, m.stepDuration, m.compensations,
		m.deliveries, m.deliveryTime, m.samples, m.alerts, m.divergences,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *promMetrics) RecordExecution(_ context.Context, workflow, status string, duration time.Duration) {
	m.executions.WithLabelValues(workflow, status).Inc()
	m.execDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

func (m *promMetrics) RecordStep(_ context.Context, workflow, step string, duration time.Duration, err error) {
	m.steps.WithLabelValues(workflow, step, resultLabel(err)).Inc()
	m.stepDuration.WithLabelValues(workflow, step).Observe(duration.Seconds())
}

func (m *promMetrics) RecordCompensation(_ context.Context, workflow, step string, err error) {
	m.compensations.WithLabelValues(workflow, step, resultLabel(err)).Inc()
}

func (m *promMetrics) RecordDelivery(_ context.Context, queue, outcome string, duration time.Duration) {
	m.deliveries.WithLabelValues(queue, outcome).Inc()
	m.deliveryTime.WithLabelValues(queue).Observe(duration.Seconds())
}

func (m *promMetrics) RecordSample(_ context.Context, streamID string, _ float64) {
	m.samples.WithLabelValues(streamID).Inc()
}

func (m *promMetrics) RecordAlert(_ context.Context, kind string) {
	m.alerts.WithLabelValues(kind).Inc()
}

func (m *promMetrics) RecordDivergence(_ context.Context, streamID string, magnitude float64) {
	m.divergences.WithLabelValues(streamID).Observe(magnitude)
}
