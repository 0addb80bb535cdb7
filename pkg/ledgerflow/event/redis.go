package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// RedisBus is a durable Bus on Redis lists. Each queue is a list fed by
// LPUSH and consumed with BRPOPLPUSH into a per-queue processing list, so a
// message survives a consumer crash until Recover moves it back.
//
// Keys:
//
//	{prefix}:{exchange}:bindings          hash queue -> QueueSpec JSON
//	{prefix}:{exchange}:queue:{name}      ready messages
//	{prefix}:{exchange}:processing:{name} in-flight messages
//	{prefix}:{exchange}:dlq:{name}        dead letters
type RedisBus struct {
	client       *redis.Client
	exchange     string
	prefix       string
	blockTimeout time.Duration
	retry        lferrors.RetryConfig
	now          func() time.Time

	closed atomic.Bool
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithPrefix sets the key prefix. Default is "ledgerflow".
func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// WithBlockTimeout sets how long one BRPOPLPUSH waits before Receive
// re-checks its context. Default is 1s.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		b.blockTimeout = d
	}
}

// WithPublishRetry sets the retry policy for publishing on connection errors.
func WithPublishRetry(cfg lferrors.RetryConfig) RedisOption {
	return func(b *RedisBus) {
		b.retry = cfg
	}
}

// NewRedisBus creates a Redis-backed bus. The caller owns client.
//
// Example:
//
//	bus := NewRedisBus(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    "ledger",
//	    WithPrefix("myapp"),
//	)
func NewRedisBus(client *redis.Client, exchange string, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:       client,
		exchange:     exchange,
		prefix:       "ledgerflow",
		blockTimeout: time.Second,
		retry:        lferrors.DefaultRetry,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBus) key(parts ...string) string {
	k := b.prefix + ":" + b.exchange
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBus) bindingsKey() string           { return b.key("bindings") }
func (b *RedisBus) readyKey(queue string) string  { return b.key("queue", queue) }
func (b *RedisBus) processingKey(q string) string { return b.key("processing", q) }
func (b *RedisBus) deadKey(queue string) string   { return b.key("dlq", queue) }

// redisErr classifies a go-redis error. Connection-level failures are
// transient.
func redisErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return lferrors.Transient(err, op)
}

// Exchange returns the exchange name.
func (b *RedisBus) Exchange() string { return b.exchange }

// Declare stores the queue's bindings.
func (b *RedisBus) Declare(ctx context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return lferrors.Newf(lferrors.KindValidation, "event.Declare", "queue name is required")
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal queue spec: %w", err)
	}
	return redisErr(b.client.HSet(ctx, b.bindingsKey(), spec.Name, data).Err(), "event.Declare")
}

func (b *RedisBus) specs(ctx context.Context) ([]QueueSpec, error) {
	raw, err := b.client.HGetAll(ctx, b.bindingsKey()).Result()
	if err != nil {
		return nil, redisErr(err, "event.specs")
	}
	out := make([]QueueSpec, 0, len(raw))
	for name, data := range raw {
		var spec QueueSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("decode bindings for %s: %w", name, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Publish routes env to every bound queue in one pipeline.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(message{Envelope: env})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	result := lferrors.WithRetryContext(ctx, b.retry, func(ctx context.Context) (struct{}, error) {
		specs, err := b.specs(ctx)
		if err != nil {
			return struct{}{}, err
		}
		pipe := b.client.TxPipeline()
		for _, spec := range specs {
			if matchesAny(spec.Bindings, env.EventType) {
				pipe.LPush(ctx, b.readyKey(spec.Name), data)
			}
		}
		if pipe.Len() == 0 {
			return struct{}{}, nil
		}
		_, err = pipe.Exec(ctx)
		return struct{}{}, redisErr(err, "event.Publish")
	})
	return result.Err
}

// Receive blocks until a message is moved into the processing list.
func (b *RedisBus) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrBusClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := b.client.BRPopLPush(ctx, b.readyKey(queue), b.processingKey(queue), b.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, redisErr(err, "event.Receive")
		}

		var msg message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			// Undecodable payloads cannot be retried; park them.
			b.parkRaw(ctx, queue, raw, err)
			continue
		}
		return &Delivery{
			Queue:    queue,
			Envelope: msg.Envelope,
			Attempt:  msg.Attempts + 1,
			token:    raw,
		}, nil
	}
}

func (b *RedisBus) parkRaw(ctx context.Context, queue, raw string, cause error) {
	dl, _ := json.Marshal(DeadLetter{
		Queue:          queue,
		Reason:         "undecodable message: " + cause.Error(),
		DeadLetteredAt: b.now().UTC(),
	})
	_, _ = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(queue), 1, raw)
		pipe.LPush(ctx, b.deadKey(queue), dl)
		return nil
	})
}

// Ack removes the message from the processing list.
func (b *RedisBus) Ack(ctx context.Context, d *Delivery) error {
	n, err := b.client.LRem(ctx, b.processingKey(d.Queue), 1, d.token).Result()
	if err != nil {
		return redisErr(err, "event.Ack")
	}
	if n == 0 {
		return lferrors.Newf(lferrors.KindConflict, "event.Ack",
			"delivery of %s on %s already settled", d.Envelope.EventID, d.Queue)
	}
	return nil
}

func (b *RedisBus) decodeToken(d *Delivery) (message, error) {
	var msg message
	if err := json.Unmarshal([]byte(d.token), &msg); err != nil {
		return msg, fmt.Errorf("decode delivery: %w", err)
	}
	return msg, nil
}

// Requeue moves the message from processing to the back of the ready list.
func (b *RedisBus) Requeue(ctx context.Context, d *Delivery, reason string) error {
	msg, err := b.decodeToken(d)
	if err != nil {
		return err
	}
	msg.Attempts++
	msg.Reason = reason
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(d.Queue), 1, d.token)
		pipe.LPush(ctx, b.readyKey(d.Queue), data)
		return nil
	})
	return redisErr(err, "event.Requeue")
}

// DeadLetter moves the message from processing to the dead-letter list.
func (b *RedisBus) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	msg, err := b.decodeToken(d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(DeadLetter{
		Queue:          d.Queue,
		Envelope:       msg.Envelope,
		Attempts:       msg.Attempts + 1,
		Reason:         reason,
		DeadLetteredAt: b.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(d.Queue), 1, d.token)
		pipe.LPush(ctx, b.deadKey(d.Queue), data)
		return nil
	})
	return redisErr(err, "event.DeadLetter")
}

// Release moves the message back to the consuming end of the ready list.
func (b *RedisBus) Release(ctx context.Context, d *Delivery) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(d.Queue), 1, d.token)
		pipe.RPush(ctx, b.readyKey(d.Queue), d.token)
		return nil
	})
	return redisErr(err, "event.Release")
}

// Recover moves every message left in queue's processing list back to the
// ready list. Call it once at startup, before consumers run, to pick up
// deliveries orphaned by a crash.
func (b *RedisBus) Recover(ctx context.Context, queue string) (int, error) {
	moved := 0
	for {
		err := b.client.RPopLPush(ctx, b.processingKey(queue), b.readyKey(queue)).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, redisErr(err, "event.Recover")
		}
		moved++
	}
}

// DeadLetters lists dead letters newest first.
func (b *RedisBus) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := b.client.LRange(ctx, b.deadKey(queue), 0, stop).Result()
	if err != nil {
		return nil, redisErr(err, "event.DeadLetters")
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Replay moves a dead letter back to the ready list with attempts reset.
func (b *RedisBus) Replay(ctx context.Context, queue, eventID string) error {
	raw, err := b.client.LRange(ctx, b.deadKey(queue), 0, -1).Result()
	if err != nil {
		return redisErr(err, "event.Replay")
	}
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil || dl.Envelope.EventID != eventID {
			continue
		}
		data, err := json.Marshal(message{Envelope: dl.Envelope})
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, b.deadKey(queue), 1, r)
			pipe.LPush(ctx, b.readyKey(queue), data)
			return nil
		})
		return redisErr(err, "event.Replay")
	}
	return lferrors.Newf(lferrors.KindNotFound, "event.Replay",
		"no dead letter %s on %s", eventID, queue)
}

// Depth returns the length of the ready list.
func (b *RedisBus) Depth(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, b.readyKey(queue)).Result()
	if err != nil {
		return 0, redisErr(err, "event.Depth")
	}
	return int(n), nil
}

// Close marks the bus closed. It does not close the client.
func (b *RedisBus) Close() error {
	b.closed.Store(true)
	return nil
}

var _ Bus = (*RedisBus)(nil)
