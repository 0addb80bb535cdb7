package event

import (
	"context"
	"fmt"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// Handler processes envelopes from one queue.
//
// Handle runs inside the dispatcher's database transaction: every write
// must go through tx so that it commits or rolls back together with the
// idempotency record. Returned envelopes are published after commit.
type Handler interface {
	// Name identifies the handler. It is half of the idempotency key and
	// names the handler's queue.
	Name() string

	// Bindings returns the routing patterns the handler's queue binds.
	Bindings() []string

	// Handle applies the envelope's effect.
	Handle(ctx context.Context, tx store.Querier, env Envelope) ([]Envelope, error)
}

// HandlerFunc adapts a function to the Handle method.
type HandlerFunc func(ctx context.Context, tx store.Querier, env Envelope) ([]Envelope, error)

type funcHandler struct {
	name     string
	bindings []string
	fn       HandlerFunc
}

func (h *funcHandler) Name() string       { return h.name }
func (h *funcHandler) Bindings() []string { return h.bindings }

func (h *funcHandler) Handle(ctx context.Context, tx store.Querier, env Envelope) ([]Envelope, error) {
	return h.fn(ctx, tx, env)
}

// NewHandler creates a Handler from a function.
func NewHandler(name string, bindings []string, fn HandlerFunc) Handler {
	return &funcHandler{name: name, bindings: bindings, fn: fn}
}

// TypedHandler decodes the payload into T before calling fn. A payload that
// does not decode is a validation error.
func TypedHandler[T any](
	name string,
	bindings []string,
	fn func(ctx context.Context, tx store.Querier, env Envelope, payload T) ([]Envelope, error),
) Handler {
	return NewHandler(name, bindings, func(ctx context.Context, tx store.Querier, env Envelope) ([]Envelope, error) {
		payload, err := DecodePayload[T](env)
		if err != nil {
			return nil, err
		}
		return fn(ctx, tx, env, payload)
	})
}

// MiddlewareFunc wraps a handler with additional behavior.
type MiddlewareFunc func(Handler) Handler

// ChainMiddleware applies middleware in order; the first runs outermost.
func ChainMiddleware(h Handler, mw ...MiddlewareFunc) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Wrap builds middleware that keeps the inner handler's name and bindings.
func Wrap(fn func(next Handler) HandlerFunc) MiddlewareFunc {
	return func(next Handler) Handler {
		return &funcHandler{name: next.Name(), bindings: next.Bindings(), fn: fn(next)}
	}
}

// RecoveryMiddleware converts handler panics into internal errors.
func RecoveryMiddleware() MiddlewareFunc {
	return Wrap(func(next Handler) HandlerFunc {
		return func(ctx context.Context, tx store.Querier, env Envelope) (out []Envelope, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = lferrors.Newf(lferrors.KindInternal, "handler "+next.Name(), "panic: %v", r)
				}
			}()
			return next.Handle(ctx, tx, env)
		}
	})
}

// TimeoutMiddleware bounds a handler's run time. Overrunning the budget is a
// transient failure so the message is retried.
func TimeoutMiddleware(d time.Duration) MiddlewareFunc {
	return Wrap(func(next Handler) HandlerFunc {
		return func(ctx context.Context, tx store.Querier, env Envelope) ([]Envelope, error) {
			if d <= 0 {
				return next.Handle(ctx, tx, env)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			out, err := next.Handle(ctx, tx, env)
			if ctx.Err() == context.DeadlineExceeded {
				return nil, lferrors.Transient(
					fmt.Errorf("handler exceeded %s: %w", d, context.DeadlineExceeded),
					"handler "+next.Name())
			}
			return out, err
		}
	})
}
