package event

import (
	"context"
	"errors"
	"time"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// DeadLetterSuffix names the dead-letter queue paired with each handler queue.
const DeadLetterSuffix = ".dlq"

// QueueSpec declares one durable handler queue and its routing bindings.
// Bindings are topic patterns matched against eventType ("*" one word,
// "#" zero or more words).
type QueueSpec struct {
	Name     string   `json:"name"`
	Bindings []string `json:"bindings"`
}

// DeadLetterQueue returns the name of the queue's dead-letter queue.
func (s QueueSpec) DeadLetterQueue() string {
	return s.Name + DeadLetterSuffix
}

// Delivery is one message handed to a consumer. It must be settled exactly
// once with Ack, Requeue, DeadLetter or Release.
type Delivery struct {
	Queue    string
	Envelope Envelope
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt int

	token string
}

// DeadLetter is a message parked after a non-retryable failure or after
// exhausting its retries.
type DeadLetter struct {
	Queue          string    `json:"queue"`
	Envelope       Envelope  `json:"envelope"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// Publisher publishes envelopes to the exchange.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Bus is a durable topic-routed exchange with one queue per handler and a
// dead-letter queue per handler queue. Delivery is at-least-once.
type Bus interface {
	Publisher

	// Exchange returns the exchange (bounded context) name.
	Exchange() string

	// Declare creates the queue if needed and replaces its bindings.
	Declare(ctx context.Context, spec QueueSpec) error

	// Receive blocks until a message is available on queue or ctx is done.
	Receive(ctx context.Context, queue string) (*Delivery, error)

	// Ack removes a processed message.
	Ack(ctx context.Context, d *Delivery) error

	// Requeue returns a failed message to the back of its queue with its
	// attempt count incremented.
	Requeue(ctx context.Context, d *Delivery, reason string) error

	// DeadLetter moves a message to the queue's dead-letter queue.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// Release returns an unprocessed message to the front of its queue
	// without counting an attempt. Used on shutdown.
	Release(ctx context.Context, d *Delivery) error

	// DeadLetters lists up to limit dead letters of queue, newest first.
	// limit <= 0 lists all.
	DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error)

	// Replay moves the dead letter with eventID back to queue with a reset
	// attempt count.
	Replay(ctx context.Context, queue, eventID string) error

	// Depth returns the number of ready messages on queue.
	Depth(ctx context.Context, queue string) (int, error)

	// Close stops the bus. Blocked receivers return ErrBusClosed.
	Close() error
}

// message is the stored form of a queued envelope.
type message struct {
	Envelope Envelope `json:"envelope"`
	Attempts int      `json:"attempts"`
	Reason   string   `json:"reason,omitempty"`
}
