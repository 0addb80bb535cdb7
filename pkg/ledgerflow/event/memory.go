package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// MemoryBus is an in-process Bus. Messages survive consumer failures but not
// process restarts; use RedisBus for durability.
type MemoryBus struct {
	exchange string
	now      func() time.Time

	mu     sync.Mutex
	queues map[string]*memoryQueue

	closed  atomic.Bool
	closeCh chan struct{}
}

type memoryQueue struct {
	spec     QueueSpec
	ready    []message
	inflight map[string]message
	dead     []DeadLetter
	signal   chan struct{}
}

// NewMemoryBus creates an in-memory bus for exchange.
func NewMemoryBus(exchange string) *MemoryBus {
	return &MemoryBus{
		exchange: exchange,
		now:      time.Now,
		queues:   make(map[string]*memoryQueue),
		closeCh:  make(chan struct{}),
	}
}

// Exchange returns the exchange name.
func (b *MemoryBus) Exchange() string { return b.exchange }

// Declare creates or rebinds a queue.
func (b *MemoryBus) Declare(_ context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return lferrors.Newf(lferrors.KindValidation, "event.Declare", "queue name is required")
	}
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[spec.Name]; ok {
		q.spec = spec
		return nil
	}
	b.queues[spec.Name] = &memoryQueue{
		spec:     spec,
		inflight: make(map[string]message),
		signal:   make(chan struct{}, 1),
	}
	return nil
}

// Publish routes env to every queue with a matching binding. An envelope
// matching no binding is dropped, as on a topic exchange.
func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		if matchesAny(q.spec.Bindings, env.EventType) {
			q.ready = append(q.ready, message{Envelope: env})
			q.notify()
		}
	}
	return nil
}

func (q *memoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (b *MemoryBus) queue(name string) (*memoryQueue, error) {
	q, ok := b.queues[name]
	if !ok {
		return nil, lferrors.Newf(lferrors.KindNotFound, "event.queue", "queue %q not declared", name)
	}
	return q, nil
}

// Receive blocks until a message is ready on queue.
func (b *MemoryBus) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrBusClosed
		}

		b.mu.Lock()
		q, err := b.queue(queue)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			token := uuid.NewString()
			q.inflight[token] = msg
			if len(q.ready) > 0 {
				q.notify()
			}
			b.mu.Unlock()
			return &Delivery{
				Queue:    queue,
				Envelope: msg.Envelope,
				Attempt:  msg.Attempts + 1,
				token:    token,
			}, nil
		}
		signal := q.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closeCh:
			return nil, ErrBusClosed
		}
	}
}

// settle removes d from the in-flight set and returns the stored message.
func (b *MemoryBus) settle(d *Delivery) (*memoryQueue, message, error) {
	q, err := b.queue(d.Queue)
	if err != nil {
		return nil, message{}, err
	}
	msg, ok := q.inflight[d.token]
	if !ok {
		return nil, message{}, lferrors.Newf(lferrors.KindConflict, "event.settle",
			"delivery of %s on %s already settled", d.Envelope.EventID, d.Queue)
	}
	delete(q.inflight, d.token)
	return q, msg, nil
}

// Ack removes a processed message.
func (b *MemoryBus) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _, err := b.settle(d)
	return err
}

// Requeue appends the message to the back of its queue.
func (b *MemoryBus) Requeue(_ context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, msg, err := b.settle(d)
	if err != nil {
		return err
	}
	msg.Attempts++
	msg.Reason = reason
	q.ready = append(q.ready, msg)
	q.notify()
	return nil
}

// DeadLetter parks the message on the queue's dead-letter queue.
func (b *MemoryBus) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, msg, err := b.settle(d)
	if err != nil {
		return err
	}
	q.dead = append(q.dead, DeadLetter{
		Queue:          d.Queue,
		Envelope:       msg.Envelope,
		Attempts:       msg.Attempts + 1,
		Reason:         reason,
		DeadLetteredAt: b.now().UTC(),
	})
	return nil
}

// Release puts the message back at the front of its queue.
func (b *MemoryBus) Release(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, msg, err := b.settle(d)
	if err != nil {
		return err
	}
	q.ready = append([]message{msg}, q.ready...)
	q.notify()
	return nil
}

// DeadLetters lists dead letters newest first.
func (b *MemoryBus) DeadLetters(_ context.Context, queue string, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

// Replay moves a dead letter back onto its queue.
func (b *MemoryBus) Replay(_ context.Context, queue, eventID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	for i, dl := range q.dead {
		if dl.Envelope.EventID != eventID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		q.ready = append(q.ready, message{Envelope: dl.Envelope})
		q.notify()
		return nil
	}
	return lferrors.Newf(lferrors.KindNotFound, "event.Replay",
		"no dead letter %s on %s", eventID, queue)
}

// Depth returns the number of ready messages.
func (b *MemoryBus) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return 0, err
	}
	return len(q.ready), nil
}

// Close stops the bus.
func (b *MemoryBus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		close(b.closeCh)
	}
	return nil
}

var _ Bus = (*MemoryBus)(nil)
