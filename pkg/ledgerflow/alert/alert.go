// Package alert raises operational alerts. Alerts are facts for operators,
// never control flow: raising one cannot fail the operation that noticed
// the problem.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
)

// Alert kinds double as the event types published on the bus.
const (
	KindCompensationFailed       = "alert.compensation_failed"
	KindStreamDeviation          = "alert.stream_deviation"
	KindStreamUnreachable        = "alert.stream_unreachable"
	KindReconciliationDivergence = "alert.reconciliation_divergence"
	KindDeadLettered             = "alert.dead_lettered"
	KindNotificationFailed       = "alert.notification_failed"
)

// Alert is one operational alert.
type Alert struct {
	Kind     string         `json:"kind"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	RaisedAt time.Time      `json:"raisedAt"`
}

// Sink delivers alerts somewhere.
type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert) error

// Raise calls f.
func (f SinkFunc) Raise(ctx context.Context, a Alert) error { return f(ctx, a) }

// BusSink publishes alerts as envelopes of type Alert.Kind.
type BusSink struct {
	pub   event.Publisher
	actor string
}

// NewBusSink creates a sink publishing through pub as actor.
func NewBusSink(pub event.Publisher, actor string) *BusSink {
	return &BusSink{pub: pub, actor: actor}
}

// Raise publishes the alert.
func (s *BusSink) Raise(ctx context.Context, a Alert) error {
	env, err := event.New(a.Kind, a.Subject, s.actor, a, event.WithTimestamp(a.RaisedAt))
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, env)
}

// LogSink writes alerts to a logger at warn level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Raise logs the alert.
func (s *LogSink) Raise(_ context.Context, a Alert) error {
	attrs := []any{
		slog.String("kind", a.Kind),
		slog.String("subject", a.Subject),
	}
	for k, v := range a.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.Warn(a.Message, attrs...)
	return nil
}

// Alerter fans an alert out to its sinks. Sink failures are logged and
// swallowed.
type Alerter struct {
	sinks   []Sink
	metrics observability.MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Alerter.
type Option func(*Alerter)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(a *Alerter) {
		a.sinks = append(a.sinks, s)
	}
}

// WithMetrics counts raised alerts by kind.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(a *Alerter) {
		a.metrics = m
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Alerter) {
		a.logger = l
	}
}

// WithClock sets the time source for RaisedAt.
func WithClock(now func() time.Time) Option {
	return func(a *Alerter) {
		a.now = now
	}
}

// New creates an Alerter. Without sinks it only counts and drops alerts.
func New(opts ...Option) *Alerter {
	a := &Alerter{
		metrics: observability.NoopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Raise delivers an alert to every sink and returns the joined sink errors
// for callers that care. Most callers ignore the result.
func (a *Alerter) Raise(ctx context.Context, kind, subject, message string, details map[string]any) error {
	if a == nil {
		return nil
	}
	al := Alert{
		Kind:     kind,
		Subject:  subject,
		Message:  message,
		Details:  details,
		RaisedAt: a.now().UTC(),
	}
	a.metrics.RecordAlert(ctx, kind)

	var errs []error
	for _, s := range a.sinks {
		if err := s.Raise(ctx, al); err != nil {
			a.logger.Error("alert delivery failed",
				slog.String("kind", kind),
				slog.String("subject", subject),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
