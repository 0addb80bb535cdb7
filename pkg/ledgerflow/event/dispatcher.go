package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/idempotency"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// Outcome is how one delivery was settled.
type Outcome string

// Delivery outcomes.
const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
	OutcomeReleased     Outcome = "released"
)

// DispatcherConfig configures dispatcher behavior.
type DispatcherConfig struct {
	// Consumers is the number of consumers per queue.
	// Default: 1
	Consumers int

	// Prefetch is the number of unacknowledged deliveries one consumer may
	// hold at a time. Prefetched deliveries are buffered, not processed in
	// parallel: each consumer handles its deliveries one at a time in the
	// order they were received.
	// Default: 1
	Prefetch int

	// HandlerTimeout bounds one handler invocation. Overruns are retried.
	// Default: 30s
	HandlerTimeout time.Duration

	// MaxAttempts is the number of deliveries a message gets before a
	// retryable failure sends it to the dead-letter queue.
	// Default: 5
	MaxAttempts int

	// Backoff is the delay schedule applied before requeueing.
	// Default: errors.DefaultRetry
	Backoff lferrors.RetryConfig

	// Outbox, when set, stages derived envelopes in the handler's
	// transaction so that they are published at least once.
	Outbox *Outbox

	// OnDeadLetter is called after a message is dead-lettered.
	OnDeadLetter func(ctx context.Context, dl DeadLetter)

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultDispatcherConfig provides reasonable defaults.
var DefaultDispatcherConfig = DispatcherConfig{
	Consumers:      1,
	Prefetch:       1,
	HandlerTimeout: 30 * time.Second,
	MaxAttempts:    5,
	Backoff:        lferrors.DefaultRetry,
}

// Dispatcher consumes handler queues and applies each envelope's effect at
// most once per handler.
//
// For every delivery it opens a transaction, skips the handler if the
// (eventId, handler) pair is already recorded, runs the handler, writes
// the idempotency record, commits, and only then acknowledges. A crash
// before commit redelivers the message with nothing applied; a crash after
// commit redelivers it as a duplicate.
type Dispatcher struct {
	bus  Bus
	db   *sql.DB
	idem idempotency.Store
	cfg  DispatcherConfig
	now  func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// errConcurrentDuplicate aborts a transaction whose idempotency insert lost
// a race with another consumer.
var errConcurrentDuplicate = errors.New("concurrent duplicate delivery")

// NewDispatcher creates a dispatcher. idem must record through the
// transaction it is given (idempotency.SQLiteStore) for the effect and the
// record to commit together.
func NewDispatcher(bus Bus, db *sql.DB, idem idempotency.Store, cfg DispatcherConfig) *Dispatcher {
	if cfg.Consumers <= 0 {
		cfg.Consumers = DefaultDispatcherConfig.Consumers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultDispatcherConfig.Prefetch
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultDispatcherConfig.HandlerTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDispatcherConfig.MaxAttempts
	}
	if cfg.Backoff.InitialBackoff <= 0 && cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultDispatcherConfig.Backoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Dispatcher{
		bus:      bus,
		db:       db,
		idem:     idem,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// QueueName returns the durable queue name of handler on exchange.
func QueueName(exchange, handler string) string {
	return exchange + "." + handler
}

// recoverer is implemented by buses that keep in-flight messages across
// restarts.
type recoverer interface {
	Recover(ctx context.Context, queue string) (int, error)
}

// Register declares the handler's queue and adds the handler. Middleware
// runs inside panic recovery and the handler timeout.
func (d *Dispatcher) Register(ctx context.Context, h Handler, mw ...MiddlewareFunc) (QueueSpec, error) {
	if h.Name() == "" {
		return QueueSpec{}, lferrors.Newf(lferrors.KindValidation, "event.Register", "handler name is required")
	}
	if len(h.Bindings()) == 0 {
		return QueueSpec{}, lferrors.Newf(lferrors.KindValidation, "event.Register",
			"handler %s has no bindings", h.Name())
	}

	spec := QueueSpec{Name: QueueName(d.bus.Exchange(), h.Name()), Bindings: h.Bindings()}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[spec.Name]; exists {
		return QueueSpec{}, lferrors.Newf(lferrors.KindConflict, "event.Register",
			"handler %s already registered", h.Name())
	}
	if err := d.bus.Declare(ctx, spec); err != nil {
		return QueueSpec{}, err
	}
	if r, ok := d.bus.(recoverer); ok {
		n, err := r.Recover(ctx, spec.Name)
		if err != nil {
			return QueueSpec{}, err
		}
		if n > 0 {
			d.cfg.Logger.Info("recovered in-flight deliveries",
				slog.String("queue", spec.Name),
				slog.Int("count", n))
		}
	}

	chain := append([]MiddlewareFunc{RecoveryMiddleware(), TimeoutMiddleware(d.cfg.HandlerTimeout)}, mw...)
	d.handlers[spec.Name] = ChainMiddleware(h, chain...)
	return spec, nil
}

// Queues returns the registered queue names in sorted order.
func (d *Dispatcher) Queues() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for q := range d.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handler(queue string) (Handler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[queue]
	if !ok {
		return nil, lferrors.Newf(lferrors.KindNotFound, "event.handler", "no handler for queue %s", queue)
	}
	return h, nil
}

// Run starts Consumers consumers on every registered queue and blocks until
// ctx is done. In-flight deliveries finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range d.Queues() {
		h, err := d.handler(queue)
		if err != nil {
			return err
		}
		for i := 0; i < d.cfg.Consumers; i++ {
			g.Go(func() error {
				return d.consume(gctx, queue, h)
			})
		}
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, queue string, h Handler) error {
	slots := make(chan struct{}, d.cfg.Prefetch)
	buffered := make(chan *Delivery, d.cfg.Prefetch)

	// One processor per consumer keeps deliveries in receive order. After
	// shutdown it releases whatever is still buffered.
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		for del := range buffered {
			_, _ = d.Process(ctx, h, del)
			<-slots
		}
	}()
	defer func() {
		close(buffered)
		<-processed
	}()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		del, err := d.bus.Receive(ctx, queue)
		if err != nil {
			<-slots
			if ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
				return nil
			}
			d.cfg.Logger.Warn("receive failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		buffered <- del
	}
}

// ProcessOne receives a single delivery from queue and processes it.
func (d *Dispatcher) ProcessOne(ctx context.Context, queue string) (Outcome, error) {
	h, err := d.handler(queue)
	if err != nil {
		return "", err
	}
	del, err := d.bus.Receive(ctx, queue)
	if err != nil {
		return "", err
	}
	return d.Process(ctx, h, del)
}

// Drain processes deliveries on queue until it is empty and returns the
// outcomes in order.
func (d *Dispatcher) Drain(ctx context.Context, queue string) ([]Outcome, error) {
	var outcomes []Outcome
	for {
		depth, err := d.bus.Depth(ctx, queue)
		if err != nil {
			return outcomes, err
		}
		if depth == 0 {
			return outcomes, nil
		}
		outcome, err := d.ProcessOne(ctx, queue)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
}

// Process settles one delivery. Processing is detached from ctx so that a
// shutdown lets it finish; a delivery received after ctx is done is
// released untouched.
func (d *Dispatcher) Process(ctx context.Context, h Handler, del *Delivery) (Outcome, error) {
	start := d.now()
	env := del.Envelope

	if ctx.Err() != nil {
		err := d.bus.Release(context.WithoutCancel(ctx), del)
		return OutcomeReleased, err
	}

	pctx, span := d.cfg.Spans.StartDeliverySpan(context.WithoutCancel(ctx), del.Queue, env.EventID, env.EventType)
	outcome, cause, err := d.process(ctx, pctx, h, del)
	if err == nil {
		err = cause
	}
	d.cfg.Spans.EndSpanWithError(span, err)

	d.cfg.Metrics.RecordDelivery(pctx, del.Queue, string(outcome), d.now().Sub(start))
	observability.LogDelivery(d.cfg.Logger, del.Queue, env.EventID, env.EventType, del.Attempt, string(outcome), cause)
	return outcome, err
}

// process returns the outcome, the handler failure that caused it (if any)
// and an error settling the delivery.
func (d *Dispatcher) process(parent, ctx context.Context, h Handler, del *Delivery) (outcome Outcome, cause, settleErr error) {
	key := idempotency.Key{EventID: del.Envelope.EventID, HandlerName: h.Name()}

	var (
		derived   []Envelope
		duplicate bool
	)
	err := store.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		seen, err := d.idem.Seen(ctx, tx, key)
		if err != nil {
			return err
		}
		if seen {
			duplicate = true
			return nil
		}

		out, err := h.Handle(ctx, tx, del.Envelope)
		if err != nil {
			return err
		}
		if d.cfg.Outbox != nil {
			if err := d.cfg.Outbox.Add(ctx, tx, out...); err != nil {
				return err
			}
		}
		if err := d.idem.Record(ctx, tx, key, d.now()); err != nil {
			if errors.Is(err, idempotency.ErrDuplicate) {
				duplicate = true
				return errConcurrentDuplicate
			}
			return err
		}
		derived = out
		return nil
	})
	if errors.Is(err, errConcurrentDuplicate) {
		err = nil
	}
	if err != nil {
		outcome, settleErr = d.fail(parent, ctx, del, err)
		return outcome, err, settleErr
	}

	if duplicate {
		observability.AddSpanEvent(ctx, "duplicate")
		return OutcomeDuplicate, nil, d.bus.Ack(ctx, del)
	}

	d.publishDerived(ctx, derived)
	return OutcomeAcked, nil, d.bus.Ack(ctx, del)
}

// fail settles a delivery whose handler failed. Not-found is dropped,
// transient failures are requeued until MaxAttempts, and everything else is
// dead-lettered.
func (d *Dispatcher) fail(parent, ctx context.Context, del *Delivery, cause error) (Outcome, error) {
	kind := lferrors.KindOf(cause)

	switch {
	case kind == lferrors.KindNotFound:
		return OutcomeDropped, d.bus.Ack(ctx, del)

	case kind == lferrors.KindTransient && del.Attempt < d.cfg.MaxAttempts:
		// Shutdown cuts the wait short; the message is requeued either way.
		sleepCtx(parent, d.cfg.Backoff.Backoff(del.Attempt))
		return OutcomeRequeued, d.bus.Requeue(ctx, del, cause.Error())
	}

	reason := fmt.Sprintf("%s: %s", kind.Code(), cause.Error())
	if kind == lferrors.KindTransient {
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", del.Attempt, cause.Error())
	}
	if err := d.bus.DeadLetter(ctx, del, reason); err != nil {
		return OutcomeDeadLettered, err
	}
	if d.cfg.OnDeadLetter != nil {
		d.cfg.OnDeadLetter(ctx, DeadLetter{
			Queue:          del.Queue,
			Envelope:       del.Envelope,
			Attempts:       del.Attempt,
			Reason:         reason,
			DeadLetteredAt: d.now().UTC(),
		})
	}
	return OutcomeDeadLettered, nil
}

// publishDerived publishes the handler's derived envelopes. With an outbox
// they are already durable and a failed flush is retried by the relay.
func (d *Dispatcher) publishDerived(ctx context.Context, derived []Envelope) {
	if d.cfg.Outbox != nil {
		if len(derived) == 0 {
			return
		}
		if _, err := d.cfg.Outbox.Flush(ctx, d.bus); err != nil {
			d.cfg.Logger.Warn("outbox flush failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, env := range derived {
		if err := d.bus.Publish(ctx, env); err != nil {
			d.cfg.Logger.Error("derived event lost",
				slog.String("event_id", env.EventID),
				slog.String("event_type", env.EventType),
				slog.String("error", err.Error()))
		}
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
