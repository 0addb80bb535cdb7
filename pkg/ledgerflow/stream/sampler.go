package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// EventSampled is published after every committed sample.
const EventSampled = "stream.sampled"

// SampledPayload is the payload of EventSampled.
type SampledPayload struct {
	StreamID            string     `json:"stream_id"`
	SampleID            string     `json:"sample_id"`
	Kind                SampleKind `json:"kind"`
	DeltaNative         float64    `json:"delta_native"`
	DeltaSettlement     float64    `json:"delta_settlement"`
	DeviationPercent    *float64   `json:"deviation_percent,omitempty"`
	LedgerTransactionID string     `json:"ledger_transaction_id,omitempty"`
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Prices resolves settlement prices. Required.
	Prices price.Resolver

	// NamedPrices overrides Prices for registrations naming a price source.
	NamedPrices map[string]price.Resolver

	// Concurrency bounds how many streams are sampled at once.
	// Default: 4
	Concurrency int

	// MissThreshold is the number of consecutive misses that escalates to
	// an unreachable alert. The alert repeats every MissThreshold misses.
	// Default: 3
	MissThreshold int

	// Tick is how often Run looks for due registrations.
	// Default: 1s
	Tick time.Duration

	// Outbox stages stream.sampled events in the sample transaction.
	// Events are only produced when both Outbox and Publisher are set.
	Outbox    *event.Outbox
	Publisher event.Publisher

	Alerter *alert.Alerter
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Clock   func() time.Time

	// Actor is the actor ID on published events.
	// Default: "stream-sampler"
	Actor string
}

// Sampler periodically samples registered streams.
type Sampler struct {
	streams  *Store
	ledger   *ledger.Ledger
	balances BalanceSource
	cfg      SamplerConfig

	// inflight prevents overlapping samples of one stream.
	mu       sync.Mutex
	inflight map[string]bool
}

// NewSampler creates a sampler.
func NewSampler(streams *Store, led *ledger.Ledger, balances BalanceSource, cfg SamplerConfig) *Sampler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 3
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
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
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Actor == "" {
		cfg.Actor = "stream-sampler"
	}
	return &Sampler{
		streams:  streams,
		ledger:   led,
		balances: balances,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Due     int
	Sampled int
	Missed  int
	Errors  []error
}

// Tick samples every due registration. Per-stream failures are reported,
// not returned; the error is only set when the due list cannot be read.
func (s *Sampler) Tick(ctx context.Context) (TickReport, error) {
	due, err := s.streams.Due(ctx, s.cfg.Clock())
	if err != nil {
		return TickReport{}, err
	}

	report := TickReport{Due: len(due)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, reg := range due {
		g.Go(func() error {
			_, err := s.SampleOne(gctx, reg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Sampled++
			case errors.Is(err, errBusy):
			default:
				report.Missed++
				report.Errors = append(report.Errors, fmt.Errorf("stream %s: %w", reg.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Run ticks until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Tick(ctx)
			if err != nil {
				s.cfg.Logger.Error("sampler tick failed", slog.String("error", err.Error()))
				continue
			}
			if report.Due > 0 {
				s.cfg.Logger.Debug("sampler tick",
					slog.Int("due", report.Due),
					slog.Int("sampled", report.Sampled),
					slog.Int("missed", report.Missed))
			}
		}
	}
}

var errBusy = errors.New("stream is already being sampled")

// SampleOne samples reg now. A failure to read the balance or price counts
// as a miss and produces no sample; the delta carries over to the next
// successful tick.
func (s *Sampler) SampleOne(ctx context.Context, reg *Registration) (*Sample, error) {
	if !s.acquire(reg.ID) {
		return nil, errBusy
	}
	defer s.release(reg.ID)

	ctx, span := s.cfg.Spans.StartTickSpan(ctx, "sampler", reg.ID)
	smp, err := s.sample(ctx, reg)
	s.cfg.Spans.EndSpanWithError(span, err)
	return smp, err
}

func (s *Sampler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Sampler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Sampler) sample(ctx context.Context, reg *Registration) (*Sample, error) {
	logger := s.cfg.Logger.With(slog.String("stream_id", reg.ID))

	current, err := s.balances.Balance(ctx, reg.ExternalAddress, reg.Token)
	if err != nil {
		return nil, s.miss(ctx, reg, "balance unavailable", lferrors.Transient(err, "stream.balance"))
	}
	now := s.cfg.Clock().UTC()

	quote, err := s.resolver(reg).Resolve(ctx, price.Request{Token: reg.Token, Averaging: price.Spot, AsOf: now})
	if err != nil {
		return nil, s.miss(ctx, reg, "price unavailable", err)
	}

	var smp *Sample
	err = store.WithTx(ctx, s.streams.DB(), func(tx *sql.Tx) error {
		// The delta is taken against the cursor as committed, not as it was
		// when the stream came due: a reconciliation adjustment may have
		// moved it in between.
		cur, err := s.streams.get(ctx, tx, reg.ID)
		if err != nil {
			return err
		}
		if now.Before(cur.LastSampledAt) {
			return errBusy
		}
		*reg = *cur
		smp = newSample(reg, current, quote, now)
		if err := s.post(ctx, tx, reg, smp, ledger.KindStreamSample); err != nil {
			return err
		}
		if err := s.streams.InsertSample(ctx, tx, smp); err != nil {
			return err
		}
		if err := s.streams.Advance(ctx, tx, reg.ID, now, current); err != nil {
			return err
		}
		return s.stage(ctx, tx, smp)
	})
	if errors.Is(err, errBusy) {
		return nil, err
	}
	if err != nil {
		logger.Error("sample not recorded", slog.String("error", err.Error()))
		return nil, err
	}

	reg.LastSampledAt = now
	reg.LastSampledBalance = current
	reg.ConsecutiveMisses = 0

	s.cfg.Metrics.RecordSample(ctx, reg.ID, smp.DeltaSettlement)
	s.flush(ctx, logger)
	logger.Debug("stream sampled",
		slog.String("sample_id", smp.ID),
		slog.Float64("delta_native", smp.DeltaNative),
		slog.Float64("delta_settlement", smp.DeltaSettlement))

	if smp.DeviationPercent != nil && reg.AlertThresholdPercent > 0 &&
		math.Abs(*smp.DeviationPercent) > reg.AlertThresholdPercent {
		_ = s.cfg.Alerter.Raise(ctx, alert.KindStreamDeviation, reg.ID,
			fmt.Sprintf("stream %s deviated %.2f%% from expected flow", reg.ID, *smp.DeviationPercent),
			map[string]any{
				"sample_id":         smp.ID,
				"deviation_percent": *smp.DeviationPercent,
				"threshold_percent": reg.AlertThresholdPercent,
				"delta_native":      smp.DeltaNative,
			})
	}
	return smp, nil
}

// newSample builds the natural sample taken at now against reg's cursor.
func newSample(reg *Registration, current float64, quote price.Quote, now time.Time) *Sample {
	delta := current - reg.LastSampledBalance
	smp := &Sample{
		ID:              uuid.NewString(),
		StreamID:        reg.ID,
		Kind:            KindNatural,
		SampledAt:       now,
		ExternalBalance: current,
		PreviousBalance: reg.LastSampledBalance,
		DeltaNative:     delta,
		PriceUsed:       quote.PriceUSD,
		PriceSource:     quote.Source,
		PriceDegraded:   quote.Degraded,
		DeltaSettlement: delta * quote.PriceUSD,
	}
	if pct, ok := Deviation(delta, reg.ExpectedFlowRate, now.Sub(reg.LastSampledAt)); ok {
		smp.DeviationPercent = &pct
	}
	return smp
}

// post writes the settlement posting for smp, if any, and links it.
func (s *Sampler) post(ctx context.Context, q store.Querier, reg *Registration, smp *Sample, kind ledger.Kind) error {
	p, ok := SettlementPosting(reg, smp.DeltaSettlement, kind, smp.ID)
	if !ok {
		return nil
	}
	txn, err := s.ledger.Apply(ctx, q, p)
	if err != nil {
		return err
	}
	smp.LedgerTransactionID = txn.ID
	return nil
}

func (s *Sampler) stage(ctx context.Context, q store.Querier, smp *Sample) error {
	if s.cfg.Outbox == nil || s.cfg.Publisher == nil {
		return nil
	}
	env, err := event.New(EventSampled, smp.StreamID, s.cfg.Actor, SampledPayload{
		StreamID:            smp.StreamID,
		SampleID:            smp.ID,
		Kind:                smp.Kind,
		DeltaNative:         smp.DeltaNative,
		DeltaSettlement:     smp.DeltaSettlement,
		DeviationPercent:    smp.DeviationPercent,
		LedgerTransactionID: smp.LedgerTransactionID,
	}, event.WithEventID(smp.ID), event.WithTimestamp(smp.SampledAt))
	if err != nil {
		return err
	}
	return s.cfg.Outbox.Add(ctx, q, env)
}

func (s *Sampler) flush(ctx context.Context, logger *slog.Logger) {
	if s.cfg.Outbox == nil || s.cfg.Publisher == nil {
		return
	}
	if _, err := s.cfg.Outbox.Flush(ctx, s.cfg.Publisher); err != nil {
		logger.Warn("sample event not published yet", slog.String("error", err.Error()))
	}
}

func (s *Sampler) resolver(reg *Registration) price.Resolver {
	if r, ok := s.cfg.NamedPrices[reg.PriceSource]; ok && reg.PriceSource != "" {
		return r
	}
	return s.cfg.Prices
}

// miss records a failed tick and escalates repeated misses.
func (s *Sampler) miss(ctx context.Context, reg *Registration, what string, cause error) error {
	logger := s.cfg.Logger.With(slog.String("stream_id", reg.ID))
	misses, err := s.streams.RecordMiss(ctx, reg.ID)
	if err != nil {
		logger.Error("miss not recorded", slog.String("error", err.Error()))
		misses = reg.ConsecutiveMisses + 1
	}
	reg.ConsecutiveMisses = misses
	logger.Warn("stream sample missed",
		slog.String("reason", what),
		slog.Int("consecutive_misses", misses),
		slog.String("error", cause.Error()))

	if misses%s.cfg.MissThreshold == 0 {
		_ = s.cfg.Alerter.Raise(ctx, alert.KindStreamUnreachable, reg.ID,
			fmt.Sprintf("stream %s missed %d consecutive samples", reg.ID, misses),
			map[string]any{
				"consecutive_misses": misses,
				"reason":             what,
				"error":              cause.Error(),
			})
	}
	return cause
}

// SettlementPosting builds the ledger posting for a settlement amount.
// Inbound flows credit the local account from the stream's system
// account; outbound flows debit it. A negative amount reverses the
// direction. ok is false for a zero amount.
func SettlementPosting(reg *Registration, amount float64, kind ledger.Kind, reference string) (p ledger.Posting, ok bool) {
	if amount == 0 || math.IsNaN(amount) {
		return ledger.Posting{}, false
	}
	from, to := ledger.StreamAccount(reg.ID), reg.AccountID
	if reg.Direction == Outbound {
		from, to = to, from
	}
	if amount < 0 {
		from, to = to, from
		amount = -amount
	}
	return ledger.Posting{
		Kind:           kind,
		From:           from,
		To:             to,
		Amount:         amount,
		Reference:      reference,
		AllowOverdraft: true,
	}, true
}
