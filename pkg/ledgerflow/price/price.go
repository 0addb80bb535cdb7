// Package price resolves settlement prices for external tokens.
//
// No single source is trusted unconditionally. A Waterfall asks its sources
// in priority order and accepts the first quote that is fresh and confident
// enough; when every source fails it falls back to the last accepted price
// for the token, flagged as degraded.
package price

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// Averaging selects how a source aggregates its observations.
type Averaging string

// Averaging modes.
const (
	Spot Averaging = "spot"
	TWAP Averaging = "twap"
)

// Request asks for the price of one token.
type Request struct {
	Token     string
	Averaging Averaging

	// AsOf asks for a historical price. Zero means now.
	AsOf time.Time
}

// Quote is a price observation.
type Quote struct {
	PriceUSD   float64   `json:"price_usd"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`

	// Degraded marks a last-known-price fallback.
	Degraded bool `json:"degraded,omitempty"`
}

// Source is one price provider.
type Source interface {
	Name() string
	GetPrice(ctx context.Context, req Request) (Quote, error)
}

// Resolver is what consumers of prices depend on.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Quote, error)
}

// FallbackConfidenceFactor scales the confidence of a last-known price.
const FallbackConfidenceFactor = 0.5

// Waterfall tries sources in order.
type Waterfall struct {
	sources       []Source
	maxAge        time.Duration
	minConfidence float64
	retry         lferrors.RetryConfig
	now           func() time.Time
	logger        *slog.Logger

	mu        sync.Mutex
	lastKnown map[string]Quote
}

// Option configures a Waterfall.
type Option func(*Waterfall)

// WithMaxAge rejects quotes older than d relative to the requested time.
func WithMaxAge(d time.Duration) Option {
	return func(w *Waterfall) { w.maxAge = d }
}

// WithMinConfidence rejects quotes below c.
func WithMinConfidence(c float64) Option {
	return func(w *Waterfall) { w.minConfidence = c }
}

// WithRetry sets the per-source retry policy for transient failures.
func WithRetry(cfg lferrors.RetryConfig) Option {
	return func(w *Waterfall) { w.retry = cfg }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Waterfall) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Waterfall) { w.logger = l }
}

// NewWaterfall creates a resolver over sources in priority order.
// Defaults: max age 5m, min confidence 0.8, no retries.
func NewWaterfall(sources []Source, opts ...Option) *Waterfall {
	w := &Waterfall{
		sources:       sources,
		maxAge:        5 * time.Minute,
		minConfidence: 0.8,
		retry:         lferrors.NoRetry,
		now:           time.Now,
		logger:        slog.Default(),
		lastKnown:     make(map[string]Quote),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Resolve returns the first acceptable quote, or a degraded last-known
// price. It fails with Transient only when no source answers and no price
// was ever accepted for the token.
func (w *Waterfall) Resolve(ctx context.Context, req Request) (Quote, error) {
	if req.Token == "" {
		return Quote{}, lferrors.Newf(lferrors.KindValidation, "price.Resolve", "token is required")
	}
	if req.Averaging == "" {
		req.Averaging = Spot
	}
	ref := req.AsOf
	if ref.IsZero() {
		ref = w.now()
	}

	var rejected []string
	for _, src := range w.sources {
		res := lferrors.WithRetryContext(ctx, w.retry, func(ctx context.Context) (Quote, error) {
			return src.GetPrice(ctx, req)
		})
		if res.Err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", src.Name(), res.Err))
			continue
		}
		q := res.Value
		if q.Source == "" {
			q.Source = src.Name()
		}
		if reason := w.reject(q, ref); reason != "" {
			rejected = append(rejected, fmt.Sprintf("%s: %s", src.Name(), reason))
			continue
		}

		w.mu.Lock()
		w.lastKnown[req.Token] = q
		w.mu.Unlock()
		return q, nil
	}

	if err := ctx.Err(); err != nil {
		return Quote{}, lferrors.Transient(err, "price.Resolve")
	}

	w.mu.Lock()
	last, ok := w.lastKnown[req.Token]
	w.mu.Unlock()
	if !ok {
		return Quote{}, lferrors.Newf(lferrors.KindTransient, "price.Resolve",
			"no price for %s: %s", req.Token, strings.Join(rejected, "; "))
	}

	w.logger.Warn("price sources exhausted, using last known price",
		slog.String("token", req.Token),
		slog.String("source", last.Source),
		slog.Time("price_time", last.Timestamp),
		slog.String("rejected", strings.Join(rejected, "; ")),
	)
	last.Confidence *= FallbackConfidenceFactor
	last.Degraded = true
	return last, nil
}

// reject returns why q is unacceptable, or "".
func (w *Waterfall) reject(q Quote, ref time.Time) string {
	switch {
	case q.PriceUSD <= 0:
		return fmt.Sprintf("non-positive price %v", q.PriceUSD)
	case q.Confidence < w.minConfidence:
		return fmt.Sprintf("confidence %.2f below %.2f", q.Confidence, w.minConfidence)
	case w.maxAge > 0 && ref.Sub(q.Timestamp) > w.maxAge:
		return fmt.Sprintf("quote age %s exceeds %s", ref.Sub(q.Timestamp).Round(time.Second), w.maxAge)
	}
	return ""
}

// Seed sets the last-known price for a token, e.g. from persisted samples
// after a restart.
func (w *Waterfall) Seed(token string, q Quote) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lastKnown[token]; !ok {
		w.lastKnown[token] = q
	}
}

// StaticSource returns fixed prices. Useful for stablecoins and tests.
type StaticSource struct {
	name       string
	prices     map[string]float64
	confidence float64
	now        func() time.Time
}

// NewStaticSource creates a source quoting prices with full confidence.
func NewStaticSource(name string, prices map[string]float64) *StaticSource {
	return &StaticSource{name: name, prices: prices, confidence: 1, now: time.Now}
}

// Name returns the source name.
func (s *StaticSource) Name() string { return s.name }

// GetPrice returns the configured price or NotFound.
func (s *StaticSource) GetPrice(_ context.Context, req Request) (Quote, error) {
	p, ok := s.prices[req.Token]
	if !ok {
		return Quote{}, lferrors.Newf(lferrors.KindNotFound, "price."+s.name, "no price for %s", req.Token)
	}
	ts := req.AsOf
	if ts.IsZero() {
		ts = s.now()
	}
	return Quote{PriceUSD: p, Source: s.name, Timestamp: ts, Confidence: s.confidence}, nil
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context, req Request) (Quote, error)
}

// Name returns the source name.
func (f SourceFunc) Name() string { return f.SourceName }

// GetPrice calls Fn.
func (f SourceFunc) GetPrice(ctx context.Context, req Request) (Quote, error) { return f.Fn(ctx, req) }

var (
	_ Resolver = (*Waterfall)(nil)
	_ Source   = (*StaticSource)(nil)
	_ Source   = SourceFunc{}
)
