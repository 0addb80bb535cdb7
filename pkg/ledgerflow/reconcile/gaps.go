package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
)

// Gap is a run of expected-but-missing sample times between two recorded
// samples (or the registration time and the first sample).
type Gap struct {
	StreamID string      `json:"stream_id"`
	After    time.Time   `json:"after"`
	Before   time.Time   `json:"before"`
	Missing  []time.Time `json:"missing"`
}

// DetectGaps finds spacing between consecutive samples larger than
// GapFactor sampling intervals. Backfill samples count as present.
func (r *Reconciler) DetectGaps(ctx context.Context, streamID string) ([]Gap, error) {
	reg, err := r.streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	samples, err := r.streams.Samples(ctx, streamID)
	if err != nil {
		return nil, err
	}

	var times []time.Time
	times = append(times, reg.CreatedAt)
	for _, s := range samples {
		if s.Kind == stream.KindAdjustment {
			continue
		}
		times = append(times, s.SampledAt)
	}

	interval := reg.SamplingInterval
	limit := time.Duration(float64(interval) * r.cfg.GapFactor)
	var gaps []Gap
	for i := 1; i < len(times); i++ {
		prev, next := times[i-1], times[i]
		if next.Sub(prev) <= limit {
			continue
		}
		g := Gap{StreamID: reg.ID, After: prev, Before: next}
		for t := prev.Add(interval); next.Sub(t) > interval/2; t = t.Add(interval) {
			g.Missing = append(g.Missing, t)
		}
		if len(g.Missing) > 0 {
			gaps = append(gaps, g)
		}
	}
	return gaps, nil
}

// Backfill records historical balances for every missing sample time of a
// stream. It needs a balance source that keeps history; times the source
// no longer retains are skipped. It returns the number of samples written.
func (r *Reconciler) Backfill(ctx context.Context, streamID string) (int, error) {
	hist, ok := r.balances.(stream.HistoricalBalanceSource)
	if !ok {
		return 0, lferrors.Newf(lferrors.KindValidation, "reconcile.Backfill", "balance source keeps no history")
	}
	gaps, err := r.DetectGaps(ctx, streamID)
	if err != nil || len(gaps) == 0 {
		return 0, err
	}
	reg, err := r.streams.Get(ctx, streamID)
	if err != nil {
		return 0, err
	}
	logger := r.cfg.Logger.With(slog.String("stream_id", reg.ID))

	written := 0
	for _, g := range gaps {
		prevBalance, err := hist.BalanceAt(ctx, reg.ExternalAddress, reg.Token, g.After)
		if err != nil {
			logger.Warn("gap start not retained", slog.Time("after", g.After), slog.String("error", err.Error()))
			continue
		}
		prevAt := g.After
		for _, at := range g.Missing {
			bal, err := hist.BalanceAt(ctx, reg.ExternalAddress, reg.Token, at)
			if lferrors.Is(err, lferrors.KindNotFound) {
				continue
			}
			if err != nil {
				return written, err
			}
			smp := &stream.Sample{
				ID:              uuid.NewString(),
				StreamID:        reg.ID,
				Kind:            stream.KindBackfill,
				SampledAt:       at,
				ExternalBalance: bal,
				PreviousBalance: prevBalance,
				DeltaNative:     bal - prevBalance,
			}
			if pct, ok := stream.Deviation(smp.DeltaNative, reg.ExpectedFlowRate, at.Sub(prevAt)); ok {
				smp.DeviationPercent = &pct
			}
			if err := r.streams.InsertSample(ctx, r.db, smp); err != nil {
				return written, err
			}
			written++
			prevBalance, prevAt = bal, at
		}
	}
	if written > 0 {
		logger.Info("gaps backfilled", slog.Int("samples", written), slog.Int("gaps", len(gaps)))
	}
	return written, nil
}

// BackfillAll backfills every active stream and returns the total number
// of samples written.
func (r *Reconciler) BackfillAll(ctx context.Context) (int, error) {
	if _, ok := r.balances.(stream.HistoricalBalanceSource); !ok {
		return 0, nil
	}
	regs, err := r.streams.List(ctx, true)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, reg := range regs {
		n, err := r.Backfill(ctx, reg.ID)
		total += n
		if err != nil {
			r.cfg.Logger.Error("backfill failed", slog.String("stream_id", reg.ID), slog.String("error", err.Error()))
		}
	}
	return total, nil
}
