package event_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/idempotency"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

type harness struct {
	db   *sql.DB
	bus  *event.MemoryBus
	idem *idempotency.SQLiteStore
	disp *event.Dispatcher
}

func newHarness(t *testing.T, cfg event.DispatcherConfig) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(ctx, db,
		`CREATE TABLE IF NOT EXISTS effects (event_id TEXT NOT NULL, handler TEXT NOT NULL)`))

	idem, err := idempotency.NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	bus := event.NewMemoryBus("ledger")
	t.Cleanup(func() { bus.Close() })

	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = lferrors.NoRetry
	}
	return &harness{db: db, bus: bus, idem: idem, disp: event.NewDispatcher(bus, db, idem, cfg)}
}

func (h *harness) effects(t *testing.T, eventID string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM effects WHERE event_id = ?`, eventID).Scan(&n))
	return n
}

// recordingHandler writes one effects row per processed event.
func recordingHandler(name string, fail func(attempt int) error) event.Handler {
	var calls atomic.Int32
	return event.NewHandler(name, []string{"contribution.approved"},
		func(ctx context.Context, tx store.Querier, env event.Envelope) ([]event.Envelope, error) {
			n := int(calls.Add(1))
			if fail != nil {
				if err := fail(n); err != nil {
					return nil, err
				}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO effects (event_id, handler) VALUES (?, ?)`, env.EventID, name)
			return nil, err
		})
}

func publish(t *testing.T, b event.Bus, eventID string) event.Envelope {
	t.Helper()
	env := event.MustNew("contribution.approved", "c-1", "reviewer", contribution{ContributorID: "alice", Amount: 1},
		event.WithEventID(eventID))
	require.NoError(t, b.Publish(context.Background(), env))
	return env
}

func TestDispatcher_DuplicateDeliveryHasOneEffect(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, recordingHandler("patronage", nil))
	require.NoError(t, err)
	assert.Equal(t, "ledger.patronage", spec.Name)

	for i := 0; i < 3; i++ {
		publish(t, h.bus, "E1")
	}

	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{event.OutcomeAcked, event.OutcomeDuplicate, event.OutcomeDuplicate}, outcomes)

	assert.Equal(t, 1, h.effects(t, "E1"))
	count, err := h.idem.Count(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatcher_SameEventDifferentHandlers(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	a, err := h.disp.Register(ctx, recordingHandler("patronage", nil))
	require.NoError(t, err)
	b, err := h.disp.Register(ctx, recordingHandler("notifier", nil))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	_, err = h.disp.Drain(ctx, a.Name)
	require.NoError(t, err)
	_, err = h.disp.Drain(ctx, b.Name)
	require.NoError(t, err)

	assert.Equal(t, 2, h.effects(t, "E1"))
	count, err := h.idem.Count(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestDispatcher_RegisterTwiceConflicts(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	_, err := h.disp.Register(ctx, recordingHandler("patronage", nil))
	require.NoError(t, err)

	_, err = h.disp.Register(ctx, recordingHandler("patronage", nil))
	assert.True(t, lferrors.Is(err, lferrors.KindConflict))
}

func TestDispatcher_TransientFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{MaxAttempts: 3})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, recordingHandler("patronage", func(attempt int) error {
		if attempt < 3 {
			return lferrors.Transient(errors.New("db busy"), "patronage")
		}
		return nil
	}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{event.OutcomeRequeued, event.OutcomeRequeued, event.OutcomeAcked}, outcomes)
	assert.Equal(t, 1, h.effects(t, "E1"))
}

func TestDispatcher_RetryExhaustionDeadLettersOnce(t *testing.T) {
	var dead []event.DeadLetter
	h := newHarness(t, event.DispatcherConfig{
		MaxAttempts:  4,
		OnDeadLetter: func(_ context.Context, dl event.DeadLetter) { dead = append(dead, dl) },
	})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, recordingHandler("patronage", func(int) error {
		return lferrors.Transient(errors.New("upstream timeout"), "patronage")
	}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{
		event.OutcomeRequeued, event.OutcomeRequeued, event.OutcomeRequeued, event.OutcomeDeadLettered,
	}, outcomes)

	depth, err := h.bus.Depth(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "message is absent from the original queue")

	letters, err := h.bus.DeadLetters(ctx, spec.Name, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1, "message is dead-lettered exactly once")
	assert.Equal(t, 4, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "retries exhausted after 4 attempts")

	require.Len(t, dead, 1)
	assert.Equal(t, 0, h.effects(t, "E1"))
}

func TestDispatcher_NonRetryableGoesStraightToDeadLetter(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", lferrors.Validation(errors.New("bad amount"), "patronage")},
		{"conflict", lferrors.Conflict(errors.New("insufficient balance"), "patronage")},
		{"authorization", lferrors.Authorization(errors.New("actor not allowed"), "patronage")},
		{"unclassified", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, event.DispatcherConfig{MaxAttempts: 5})
			ctx := context.Background()
			spec, err := h.disp.Register(ctx, recordingHandler("patronage", func(int) error { return tt.err }))
			require.NoError(t, err)

			publish(t, h.bus, "E1")
			outcomes, err := h.disp.Drain(ctx, spec.Name)
			require.NoError(t, err)
			assert.Equal(t, []event.Outcome{event.OutcomeDeadLettered}, outcomes)

			letters, err := h.bus.DeadLetters(ctx, spec.Name, 0)
			require.NoError(t, err)
			require.Len(t, letters, 1)
			assert.Contains(t, letters[0].Reason, lferrors.Code(tt.err))
		})
	}
}

func TestDispatcher_NotFoundIsDropped(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, recordingHandler("patronage", func(int) error {
		return lferrors.NotFound(errors.New("contribution gone"), "patronage")
	}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{event.OutcomeDropped}, outcomes)

	letters, err := h.bus.DeadLetters(ctx, spec.Name, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDispatcher_FailedHandlerRollsBackEffect(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, event.NewHandler("patronage", []string{"contribution.approved"},
		func(ctx context.Context, tx store.Querier, env event.Envelope) ([]event.Envelope, error) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO effects (event_id, handler) VALUES (?, 'patronage')`, env.EventID); err != nil {
				return nil, err
			}
			return nil, lferrors.Validation(errors.New("late failure"), "patronage")
		}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	_, err = h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)

	assert.Equal(t, 0, h.effects(t, "E1"))
	count, err := h.idem.Count(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDispatcher_PanicIsDeadLettered(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, event.NewHandler("patronage", []string{"contribution.approved"},
		func(context.Context, store.Querier, event.Envelope) ([]event.Envelope, error) {
			panic("nil map")
		}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{event.OutcomeDeadLettered}, outcomes)
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{HandlerTimeout: 20 * time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()
	spec, err := h.disp.Register(ctx, event.NewHandler("slow", []string{"contribution.approved"},
		func(ctx context.Context, _ store.Querier, _ event.Envelope) ([]event.Envelope, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.NoError(t, err)

	publish(t, h.bus, "E1")
	outcomes, err := h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, []event.Outcome{event.OutcomeRequeued, event.OutcomeDeadLettered}, outcomes)
}

func TestDispatcher_DerivedEventsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{})
	ctx := context.Background()
	outbox, err := event.NewOutbox(ctx, h.db)
	require.NoError(t, err)
	h.disp = event.NewDispatcher(h.bus, h.db, h.idem, event.DispatcherConfig{Outbox: outbox, Backoff: lferrors.NoRetry})

	spec, err := h.disp.Register(ctx, event.NewHandler("patronage", []string{"contribution.approved"},
		func(_ context.Context, _ store.Querier, env event.Envelope) ([]event.Envelope, error) {
			return []event.Envelope{event.MustNew("patronage.claimed", env.AggregateID, "ledger", struct{}{}, event.CausedBy(env))}, nil
		}))
	require.NoError(t, err)
	declare(t, h.bus, "ledger.claims", "patronage.claimed")

	publish(t, h.bus, "E1")
	_, err = h.disp.Drain(ctx, spec.Name)
	require.NoError(t, err)

	d := receive(t, h.bus, "ledger.claims")
	assert.Equal(t, "E1", d.Envelope.CausationID)
	pending, err := outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDispatcher_RunConcurrentConsumers(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{Consumers: 3, Prefetch: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	_, err := h.disp.Register(ctx, event.NewHandler("patronage", []string{"contribution.approved"},
		func(ctx context.Context, tx store.Querier, env event.Envelope) ([]event.Envelope, error) {
			mu.Lock()
			seen[env.EventID]++
			mu.Unlock()
			_, err := tx.ExecContext(ctx, `INSERT INTO effects (event_id, handler) VALUES (?, 'patronage')`, env.EventID)
			return nil, err
		}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	// Every event is published twice.
	ids := []string{"E1", "E2", "E3", "E4", "E5"}
	for _, id := range ids {
		publish(t, h.bus, id)
		publish(t, h.bus, id)
	}

	require.Eventually(t, func() bool {
		depth, _ := h.bus.Depth(context.Background(), "ledger.patronage")
		if depth != 0 {
			return false
		}
		var total int
		_ = h.db.QueryRow(`SELECT COUNT(*) FROM effects`).Scan(&total)
		return total == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	for _, id := range ids {
		assert.Equal(t, 1, h.effects(t, id), id)
	}
}

func TestDispatcher_SingleConsumerKeepsOrder(t *testing.T) {
	h := newHarness(t, event.DispatcherConfig{Consumers: 1, Prefetch: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	_, err := h.disp.Register(ctx, event.NewHandler("patronage", []string{"contribution.approved"},
		func(ctx context.Context, tx store.Querier, env event.Envelope) ([]event.Envelope, error) {
			// Early events are slow, so parallel prefetch would finish them last.
			if env.EventID < "E10" {
				time.Sleep(2 * time.Millisecond)
			}
			mu.Lock()
			order = append(order, env.EventID)
			mu.Unlock()
			return nil, nil
		}))
	require.NoError(t, err)

	var want []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("E%02d", i)
		publish(t, h.bus, id)
		want = append(want, id)
	}

	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(want)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, order)
}
