package alert_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

func TestAlerter_PublishesOnBus(t *testing.T) {
	ctx := context.Background()
	bus := event.NewMemoryBus("ledger")
	defer bus.Close()
	require.NoError(t, bus.Declare(ctx, event.QueueSpec{Name: "ledger.ops", Bindings: []string{"alert.#"}}))

	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	a := alert.New(alert.WithSink(alert.NewBusSink(bus, "sampler")), alert.WithClock(func() time.Time { return fixed }))

	err := a.Raise(ctx, alert.KindStreamDeviation, "stream-1", "flow deviates from expectation",
		map[string]any{"deviation_percent": 0.69})
	require.NoError(t, err)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := bus.Receive(rctx, "ledger.ops")
	require.NoError(t, err)
	assert.Equal(t, alert.KindStreamDeviation, d.Envelope.EventType)
	assert.Equal(t, "stream-1", d.Envelope.AggregateID)
	assert.Equal(t, "sampler", d.Envelope.ActorID)
	assert.Equal(t, fixed, d.Envelope.Timestamp)

	payload, err := event.DecodePayload[alert.Alert](d.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "flow deviates from expectation", payload.Message)
	assert.InDelta(t, 0.69, payload.Details["deviation_percent"], 1e-9)
}

func TestAlerter_SinkFailureDoesNotStopOthers(t *testing.T) {
	var delivered []alert.Alert
	a := alert.New(
		alert.WithSink(alert.SinkFunc(func(context.Context, alert.Alert) error { return errors.New("bus down") })),
		alert.WithSink(alert.SinkFunc(func(_ context.Context, al alert.Alert) error {
			delivered = append(delivered, al)
			return nil
		})),
		alert.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)

	err := a.Raise(context.Background(), alert.KindCompensationFailed, "exec-1", "compensation failed", nil)
	assert.Error(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, "exec-1", delivered[0].Subject)
}

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	s := alert.NewLogSink(slog.New(slog.NewTextHandler(buf, nil)))

	require.NoError(t, s.Raise(context.Background(), alert.Alert{
		Kind:    alert.KindStreamUnreachable,
		Subject: "stream-2",
		Message: "stream unreachable",
		Details: map[string]any{"misses": 3},
	}))
	assert.Contains(t, buf.String(), "kind=alert.stream_unreachable")
	assert.Contains(t, buf.String(), "misses=3")
}

func TestAlerter_NilIsNoop(t *testing.T) {
	var a *alert.Alerter
	assert.NoError(t, a.Raise(context.Background(), alert.KindDeadLettered, "q", "m", nil))
}
