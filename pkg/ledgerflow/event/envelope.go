// Package event carries typed business events over a durable, topic-routed
// broker and dispatches them to idempotent handlers.
//
// The pieces, leaves first:
//   - Envelope: the immutable JSON wire format of one logical occurrence
//   - Broker: durable per-handler queues bound to an exchange by routing key,
//     with a dead-letter queue per handler (MemoryBroker, RedisBroker)
//   - Dispatcher: a consumer pool per queue that consults the idempotency
//     store, runs the handler inside a ledger transaction, then acks
//
// Delivery is at-least-once; the idempotency record committed with the
// handler's effect makes the observable outcome exactly-once.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// Envelope is one published event. Envelopes are immutable once published;
// the broker may deliver the same envelope more than once.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	ActorID       string          `json:"actorId"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// eventTypePattern accepts dot-namespaced lowercase types such as
// "contribution.approved" or "alert.stream_deviation".
var eventTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// Option configures envelope creation.
type Option func(*envelopeConfig)

type envelopeConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *envelopeConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(cfg *envelopeConfig) {
		cfg.correlationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *envelopeConfig) {
		cfg.timestamp = t
	}
}

// CausedBy links the new envelope to the one that caused it: the
// correlation ID is inherited and the causation ID points at parent.
func CausedBy(parent Envelope) Option {
	return func(cfg *envelopeConfig) {
		cfg.correlationID = parent.CorrelationID
		if cfg.correlationID == "" {
			cfg.correlationID = parent.EventID
		}
		cfg.causationID = parent.EventID
	}
}

// New creates a validated envelope, JSON-encoding payload.
func New(eventType, aggregateID, actorID string, payload any, opts ...Option) (Envelope, error) {
	cfg := &envelopeConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, lferrors.Validation(fmt.Errorf("encode payload: %w", err), "event.new")
	}

	env := Envelope{
		EventID:       cfg.id,
		EventType:     eventType,
		AggregateID:   aggregateID,
		Payload:       raw,
		ActorID:       actorID,
		Timestamp:     cfg.timestamp.UTC(),
		CorrelationID: cfg.correlationID,
		CausationID:   cfg.causationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// MustNew is New for statically known payloads; it panics on error.
func MustNew(eventType, aggregateID, actorID string, payload any, opts ...Option) Envelope {
	env, err := New(eventType, aggregateID, actorID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return env
}

// Validate checks the required wire fields.
func (e Envelope) Validate() error {
	var problems []error
	if e.EventID == "" {
		problems = append(problems, errors.New("eventId is required"))
	}
	if !eventTypePattern.MatchString(e.EventType) {
		problems = append(problems, fmt.Errorf("eventType %q must be dot-namespaced", e.EventType))
	}
	if e.AggregateID == "" {
		problems = append(problems, errors.New("aggregateId is required"))
	}
	if e.ActorID == "" {
		problems = append(problems, errors.New("actorId is required"))
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, errors.New("timestamp is required"))
	}
	if len(e.Payload) == 0 {
		problems = append(problems, errors.New("payload is required"))
	}
	if len(problems) > 0 {
		return lferrors.Validation(errors.Join(problems...), "event.validate")
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire envelope. Malformed input is a
// Validation error so that it is dead-lettered rather than retried.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, lferrors.Validation(fmt.Errorf("decode envelope: %w", err), "event.decode")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodePayload unmarshals the payload into T. Unknown payload fields are
// ignored so that producers can add fields without breaking consumers.
func DecodePayload[T any](e Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, lferrors.Validation(
			fmt.Errorf("decode %s payload: %w", e.EventType, err), "event.decode_payload")
	}
	return payload, nil
}
