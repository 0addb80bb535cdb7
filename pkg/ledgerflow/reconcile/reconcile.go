// Package reconcile checks recorded stream samples against independently
// fetched external balances.
//
// A divergence is a recorded fact, not an error: it is stored and alerted,
// and never blocks sampling or ledger posting.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_divergences (
		id                   TEXT PRIMARY KEY,
		stream_id            TEXT NOT NULL,
		detected_at          TEXT NOT NULL,
		observed_at          TEXT NOT NULL,
		expected_balance     REAL NOT NULL,
		external_balance     REAL NOT NULL,
		difference           REAL NOT NULL,
		epsilon              REAL NOT NULL,
		corrected            INTEGER NOT NULL DEFAULT 0,
		adjustment_sample_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_divergences_stream
		ON stream_divergences(stream_id, detected_at)`,
}

// Divergence is a recorded mismatch between the sampled and the external
// view of one stream.
type Divergence struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	DetectedAt time.Time `json:"detected_at"`

	// ObservedAt is the time the external balance refers to.
	ObservedAt time.Time `json:"observed_at"`

	ExpectedBalance float64 `json:"expected_balance"`
	ExternalBalance float64 `json:"external_balance"`
	Difference      float64 `json:"difference"`
	Epsilon         float64 `json:"epsilon"`

	Corrected          bool   `json:"corrected"`
	AdjustmentSampleID string `json:"adjustment_sample_id,omitempty"`
}

// Report is the outcome of reconciling one stream.
type Report struct {
	StreamID        string      `json:"stream_id"`
	ObservedAt      time.Time   `json:"observed_at"`
	ExpectedBalance float64     `json:"expected_balance"`
	ExternalBalance float64     `json:"external_balance"`
	Difference      float64     `json:"difference"`
	Samples         int         `json:"samples"`
	Divergence      *Divergence `json:"divergence,omitempty"`
}

// Diverged reports whether the stream was out of tolerance.
func (r *Report) Diverged() bool { return r.Divergence != nil }

// Config configures a Reconciler.
type Config struct {
	// Epsilon is the absolute tolerance in native units.
	// Default: 0.0001
	Epsilon float64

	// AutoCorrect writes one adjustment sample per divergence.
	AutoCorrect bool

	// Prices settles adjustment samples. Required when AutoCorrect is set.
	Prices price.Resolver

	// GapFactor marks a gap when consecutive samples are further apart
	// than GapFactor sampling intervals.
	// Default: 1.5
	GapFactor float64

	// Concurrency bounds how many streams are reconciled at once.
	// Default: 4
	Concurrency int

	Alerter *alert.Alerter
	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Clock   func() time.Time
}

// Reconciler compares cumulative sampled deltas to external balances.
type Reconciler struct {
	db       *sql.DB
	streams  *stream.Store
	ledger   *ledger.Ledger
	balances stream.BalanceSource
	cfg      Config
}

// New creates a reconciler and its divergence table.
func New(ctx context.Context, db *sql.DB, streams *stream.Store, led *ledger.Ledger, balances stream.BalanceSource, cfg Config) (*Reconciler, error) {
	if err := store.EnsureSchema(ctx, db, schema...); err != nil {
		return nil, err
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.0001
	}
	if cfg.GapFactor <= 1 {
		cfg.GapFactor = 1.5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.AutoCorrect && cfg.Prices == nil {
		return nil, lferrors.Newf(lferrors.KindValidation, "reconcile.New", "auto-correct requires a price resolver")
	}
	return &Reconciler{db: db, streams: streams, ledger: led, balances: balances, cfg: cfg}, nil
}

// correctAttempts bounds how often a correction is recomputed after the
// sampler moved the stream underneath it.
const correctAttempts = 3

// ReconcileStream reconciles one stream.
//
// When the balance source keeps history, the external balance is read at
// the stream's last sample time so that flow since then does not count as
// divergence. Otherwise the current balance is used and Epsilon must cover
// the flow between ticks.
//
// An auto-correction only commits if no sample landed since the stream was
// read. Otherwise the comparison is redone against the new cursor.
func (r *Reconciler) ReconcileStream(ctx context.Context, streamID string) (*Report, error) {
	var err error
	for attempt := 1; attempt <= correctAttempts; attempt++ {
		var report *Report
		report, err = r.reconcileOnce(ctx, streamID)
		if !lferrors.Is(err, lferrors.KindConflict) {
			return report, err
		}
		r.cfg.Logger.Debug("stream moved during correction",
			slog.String("stream_id", streamID),
			slog.Int("attempt", attempt))
	}
	return nil, err
}

func (r *Reconciler) reconcileOnce(ctx context.Context, streamID string) (*Report, error) {
	reg, err := r.streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	logger := r.cfg.Logger.With(slog.String("stream_id", reg.ID))

	sum, n, err := r.streams.CumulativeDelta(ctx, reg.ID)
	if err != nil {
		return nil, err
	}

	observedAt := r.cfg.Clock().UTC()
	var external float64
	if hist, ok := r.balances.(stream.HistoricalBalanceSource); ok {
		observedAt = reg.LastSampledAt
		external, err = hist.BalanceAt(ctx, reg.ExternalAddress, reg.Token, observedAt)
	} else {
		external, err = r.balances.Balance(ctx, reg.ExternalAddress, reg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", reg.ID, err)
	}

	report := &Report{
		StreamID:        reg.ID,
		ObservedAt:      observedAt,
		ExpectedBalance: reg.InitialBalance + sum,
		ExternalBalance: external,
		Samples:         n,
	}
	report.Difference = external - report.ExpectedBalance
	if math.Abs(report.Difference) <= r.cfg.Epsilon {
		logger.Debug("stream reconciled", slog.Float64("difference", report.Difference))
		return report, nil
	}

	div := &Divergence{
		ID:              uuid.NewString(),
		StreamID:        reg.ID,
		DetectedAt:      r.cfg.Clock().UTC(),
		ObservedAt:      observedAt,
		ExpectedBalance: report.ExpectedBalance,
		ExternalBalance: external,
		Difference:      report.Difference,
		Epsilon:         r.cfg.Epsilon,
	}
	report.Divergence = div

	if r.cfg.AutoCorrect {
		if err := r.correct(ctx, reg, div); err != nil {
			return nil, err
		}
	} else if err := r.insertDivergence(ctx, r.db, div); err != nil {
		return nil, err
	}

	r.cfg.Metrics.RecordDivergence(ctx, reg.ID, math.Abs(div.Difference))
	logger.Warn("stream diverged",
		slog.Float64("expected", div.ExpectedBalance),
		slog.Float64("external", div.ExternalBalance),
		slog.Float64("difference", div.Difference),
		slog.Bool("corrected", div.Corrected))
	_ = r.cfg.Alerter.Raise(ctx, alert.KindReconciliationDivergence, reg.ID,
		fmt.Sprintf("stream %s diverged by %g (tolerance %g)", reg.ID, div.Difference, div.Epsilon),
		map[string]any{
			"divergence_id":    div.ID,
			"expected_balance": div.ExpectedBalance,
			"external_balance": div.ExternalBalance,
			"difference":       div.Difference,
			"corrected":        div.Corrected,
		})
	return report, nil
}

// correct writes an adjustment sample, its settlement posting and the
// divergence record in one transaction. It fails with Conflict, writing
// nothing, when reg's cursor has moved since it was read.
func (r *Reconciler) correct(ctx context.Context, reg *stream.Registration, div *Divergence) error {
	quote, err := r.cfg.Prices.Resolve(ctx, price.Request{Token: reg.Token, Averaging: price.Spot, AsOf: div.ObservedAt})
	if err != nil {
		return err
	}
	smp := &stream.Sample{
		ID:              uuid.NewString(),
		StreamID:        reg.ID,
		Kind:            stream.KindAdjustment,
		SampledAt:       div.DetectedAt,
		ExternalBalance: div.ExternalBalance,
		PreviousBalance: div.ExpectedBalance,
		DeltaNative:     div.Difference,
		PriceUsed:       quote.PriceUSD,
		PriceSource:     quote.Source,
		PriceDegraded:   quote.Degraded,
		DeltaSettlement: div.Difference * quote.PriceUSD,
	}
	div.Corrected = true
	div.AdjustmentSampleID = smp.ID

	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		err := r.streams.AdjustLastBalance(ctx, tx, reg.ID, reg.LastSampledAt, reg.LastSampledBalance, div.Difference)
		if err != nil {
			div.Corrected = false
			div.AdjustmentSampleID = ""
			return err
		}
		if p, ok := stream.SettlementPosting(reg, smp.DeltaSettlement, ledger.KindAdjustment, smp.ID); ok {
			txn, err := r.ledger.Apply(ctx, tx, p)
			if err != nil {
				return err
			}
			smp.LedgerTransactionID = txn.ID
		}
		if err := r.streams.InsertSample(ctx, tx, smp); err != nil {
			return err
		}
		return r.insertDivergence(ctx, tx, div)
	})
}

func (r *Reconciler) insertDivergence(ctx context.Context, q store.Querier, d *Divergence) error {
	corrected := 0
	if d.Corrected {
		corrected = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO stream_divergences
			(id, stream_id, detected_at, observed_at, expected_balance, external_balance,
			 difference, epsilon, corrected, adjustment_sample_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.StreamID, store.FormatTime(d.DetectedAt), store.FormatTime(d.ObservedAt),
		d.ExpectedBalance, d.ExternalBalance, d.Difference, d.Epsilon, corrected, d.AdjustmentSampleID)
	return store.Classify(err, "reconcile.insert_divergence")
}

// Divergences lists recorded divergences for a stream, oldest first. An
// empty streamID lists all streams.
func (r *Reconciler) Divergences(ctx context.Context, streamID string) ([]Divergence, error) {
	query := `SELECT id, stream_id, detected_at, observed_at, expected_balance, external_balance,
		difference, epsilon, corrected, adjustment_sample_id FROM stream_divergences`
	var args []any
	if streamID != "" {
		query += ` WHERE stream_id = ?`
		args = append(args, streamID)
	}
	query += ` ORDER BY detected_at, rowid`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(err, "reconcile.Divergences")
	}
	defer rows.Close()

	var out []Divergence
	for rows.Next() {
		var (
			d                  Divergence
			detected, observed string
			corrected          int
		)
		if err := rows.Scan(&d.ID, &d.StreamID, &detected, &observed, &d.ExpectedBalance, &d.ExternalBalance,
			&d.Difference, &d.Epsilon, &corrected, &d.AdjustmentSampleID); err != nil {
			return nil, store.Classify(err, "reconcile.Divergences")
		}
		d.DetectedAt = store.ParseTime(detected)
		d.ObservedAt = store.ParseTime(observed)
		d.Corrected = corrected != 0
		out = append(out, d)
	}
	return out, store.Classify(rows.Err(), "reconcile.Divergences")
}

// ReconcileAll reconciles every active stream. Per-stream failures are
// logged and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]*Report, error) {
	regs, err := r.streams.List(ctx, true)
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, len(regs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, reg := range regs {
		g.Go(func() error {
			rep, err := r.ReconcileStream(gctx, reg.ID)
			if err != nil {
				r.cfg.Logger.Error("reconciliation failed",
					slog.String("stream_id", reg.ID),
					slog.String("error", err.Error()))
				return nil
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()

	out := reports[:0]
	for _, rep := range reports {
		if rep != nil {
			out = append(out, rep)
		}
	}
	return out, nil
}

// Run reconciles every interval and scans for gaps every gapInterval until
// ctx is done. A zero gapInterval disables gap scans.
func (r *Reconciler) Run(ctx context.Context, interval, gapInterval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var gaps <-chan time.Time
	if gapInterval > 0 {
		gt := time.NewTicker(gapInterval)
		defer gt.Stop()
		gaps = gt.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				r.cfg.Logger.Error("reconciliation pass failed", slog.String("error", err.Error()))
			}
		case <-gaps:
			if _, err := r.BackfillAll(ctx); err != nil {
				r.cfg.Logger.Error("gap scan failed", slog.String("error", err.Error()))
			}
		}
	}
}
