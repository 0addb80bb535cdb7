package reconcile_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/reconcile"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/stream"
)

var start = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	now      time.Time
	mu       sync.Mutex
	streams  *stream.Store
	ledger   *ledger.Ledger
	balances *stream.MemoryBalanceSource
	prices   price.Resolver
	sampler  *stream.Sampler
	alerts   []alert.Alert
	alerter  *alert.Alerter
	newRec   func(cfg reconcile.Config, balances stream.BalanceSource) *reconcile.Reconciler
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) divergenceAlerts() []alert.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alert.Alert
	for _, a := range f.alerts {
		if a.Kind == alert.KindReconciliationDivergence {
			out = append(out, a)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{now: start}
	f.streams, err = stream.NewStore(ctx, db)
	require.NoError(t, err)
	f.ledger, err = ledger.New(ctx, db, ledger.WithClock(f.clock))
	require.NoError(t, err)
	f.balances = stream.NewMemoryBalanceSource(f.clock)
	f.prices = price.NewWaterfall(
		[]price.Source{price.NewStaticSource("static", map[string]float64{"ETH": 1000})},
		price.WithClock(f.clock),
	)
	f.alerter = alert.New(alert.WithSink(alert.SinkFunc(func(_ context.Context, a alert.Alert) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.alerts = append(f.alerts, a)
		return nil
	})))
	f.sampler = stream.NewSampler(f.streams, f.ledger, f.balances, stream.SamplerConfig{
		Prices: f.prices,
		Clock:  f.clock,
	})
	f.newRec = func(cfg reconcile.Config, balances stream.BalanceSource) *reconcile.Reconciler {
		cfg.Alerter = f.alerter
		cfg.Clock = f.clock
		if cfg.AutoCorrect && cfg.Prices == nil {
			cfg.Prices = f.prices
		}
		rec, err := reconcile.New(ctx, db, f.streams, f.ledger, balances, cfg)
		require.NoError(t, err)
		return rec
	}
	return f
}

func (f *fixture) register(t *testing.T, id string, initial float64) *stream.Registration {
	t.Helper()
	reg := &stream.Registration{
		ID:               id,
		ExternalAddress:  "0x" + id,
		Token:            "ETH",
		AccountID:        "acct-" + id,
		Direction:        stream.Inbound,
		SamplingInterval: time.Hour,
		InitialBalance:   initial,
		CreatedAt:        f.clock(),
	}
	f.balances.Set(reg.ExternalAddress, "ETH", initial)
	require.NoError(t, f.streams.Register(context.Background(), reg))
	return reg
}

// tick moves time forward an interval, sets the external balance and samples.
func (f *fixture) tick(t *testing.T, reg *stream.Registration, balance float64) {
	t.Helper()
	f.advance(time.Hour)
	f.balances.Set(reg.ExternalAddress, reg.Token, balance)
	_, err := f.sampler.SampleOne(context.Background(), reg)
	require.NoError(t, err)
}

// currentOnly hides the history of a balance source.
type currentOnly struct{ src stream.BalanceSource }

func (c currentOnly) Balance(ctx context.Context, address, token string) (float64, error) {
	return c.src.Balance(ctx, address, token)
}

func TestReconcile_InTolerance(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "s", 5)
	f.tick(t, reg, 5.2)
	f.tick(t, reg, 5.45)

	// Flow after the last sample does not count against the stream.
	f.advance(10 * time.Minute)
	f.balances.Set(reg.ExternalAddress, "ETH", 5.5)

	rec := f.newRec(reconcile.Config{}, f.balances)
	rep, err := rec.ReconcileStream(context.Background(), "s")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())
	assert.Equal(t, 2, rep.Samples)
	assert.InDelta(t, 5.45, rep.ExpectedBalance, 1e-9)
	assert.Empty(t, f.divergenceAlerts())
}

func TestReconcile_DivergenceWithoutAutoCorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "s", 1)
	f.tick(t, reg, 1.5)

	// The external system disagrees about the balance at the last sample.
	f.balances.SetAt(reg.ExternalAddress, "ETH", f.clock(), 1.6)

	rec := f.newRec(reconcile.Config{Epsilon: 0.0001}, f.balances)
	rep, err := rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	require.True(t, rep.Diverged())
	assert.InDelta(t, 0.1, rep.Difference, 1e-9)
	assert.False(t, rep.Divergence.Corrected)

	alerts := f.divergenceAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "s", alerts[0].Subject)

	samples, err := f.streams.Samples(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, samples, 1, "no correcting sample without auto-correct")

	divs, err := rec.Divergences(ctx, "s")
	require.NoError(t, err)
	require.Len(t, divs, 1)
	assert.InDelta(t, 0.1, divs[0].Difference, 1e-9)
	assert.Equal(t, 0.0001, divs[0].Epsilon)
}

func TestReconcile_AutoCorrectWritesOneAdjustment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "s", 1)
	f.tick(t, reg, 1.5)
	f.balances.SetAt(reg.ExternalAddress, "ETH", f.clock(), 1.6)
	before, err := f.ledger.Balance(ctx, "acct-s")
	require.NoError(t, err)

	rec := f.newRec(reconcile.Config{Epsilon: 0.0001, AutoCorrect: true}, f.balances)
	rep, err := rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	require.True(t, rep.Diverged())
	assert.True(t, rep.Divergence.Corrected)

	samples, err := f.streams.Samples(ctx, "s")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	adj := samples[1]
	assert.Equal(t, stream.KindAdjustment, adj.Kind)
	assert.Equal(t, rep.Divergence.AdjustmentSampleID, adj.ID)
	assert.InDelta(t, 0.1, adj.DeltaNative, 1e-9)
	assert.NotEmpty(t, adj.LedgerTransactionID)

	after, err := f.ledger.Balance(ctx, "acct-s")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, after-before, 1e-6)

	// Reconciled now, and the next natural sample stays consistent.
	rep, err = rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())

	f.tick(t, reg, 1.7)
	rep, err = rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())
	assert.InDelta(t, 1.7, rep.ExpectedBalance, 1e-9)
}

// hookedPrices runs hook once, on the first price lookup.
type hookedPrices struct {
	price.Resolver
	fired atomic.Bool
	hook  func()
}

func (h *hookedPrices) Resolve(ctx context.Context, req price.Request) (price.Quote, error) {
	if h.fired.CompareAndSwap(false, true) {
		h.hook()
	}
	return h.Resolver.Resolve(ctx, req)
}

func cumulative(t *testing.T, f *fixture, id string) float64 {
	t.Helper()
	sum, _, err := f.streams.CumulativeDelta(context.Background(), id)
	require.NoError(t, err)
	return sum
}

func TestReconcile_SampleDuringAutoCorrectIsNotCountedTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "s", 1)
	f.tick(t, reg, 1.5)
	f.balances.SetAt(reg.ExternalAddress, "ETH", f.clock(), 1.6)

	prices := &hookedPrices{Resolver: f.prices}
	prices.hook = func() {
		// The sampler ticks while the correction is being priced.
		f.tick(t, reg, 1.8)
	}
	rec := f.newRec(reconcile.Config{Epsilon: 0.0001, AutoCorrect: true, Prices: prices}, f.balances)

	_, err := rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	require.True(t, prices.fired.Load())

	external, err := f.balances.Balance(ctx, reg.ExternalAddress, "ETH")
	require.NoError(t, err)
	assert.InDelta(t, external, 1+cumulative(t, f, "s"), 1e-9)

	credited, err := f.ledger.Balance(ctx, "acct-s")
	require.NoError(t, err)
	assert.InDelta(t, 800.0, credited, 1e-6, "0.8 ETH at $1000")

	rep, err := rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())
	assert.InDelta(t, 0.0, rep.Difference, 1e-9)
}

func TestReconcile_SampleAfterAutoCorrectUsesAdjustedCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "s", 1)
	f.tick(t, reg, 1.5)
	f.balances.SetAt(reg.ExternalAddress, "ETH", f.clock(), 1.6)

	// The sampler picked the stream up as due before the correction.
	stale, err := f.streams.Get(ctx, "s")
	require.NoError(t, err)

	rec := f.newRec(reconcile.Config{Epsilon: 0.0001, AutoCorrect: true}, f.balances)
	rep, err := rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	require.True(t, rep.Divergence.Corrected)

	f.tick(t, stale, 1.8)

	samples, err := f.streams.Samples(ctx, "s")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.InDelta(t, 0.2, samples[2].DeltaNative, 1e-9)
	assert.InDelta(t, 1.8, 1+cumulative(t, f, "s"), 1e-9)

	credited, err := f.ledger.Balance(ctx, "acct-s")
	require.NoError(t, err)
	assert.InDelta(t, 800.0, credited, 1e-6)

	rep, err = rec.ReconcileStream(ctx, "s")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())
}

func TestReconcile_CurrentBalanceSource(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "s", 2)
	f.tick(t, reg, 2.5)
	f.balances.Set(reg.ExternalAddress, "ETH", 2.6)

	rec := f.newRec(reconcile.Config{Epsilon: 0.01}, currentOnly{f.balances})
	rep, err := rec.ReconcileStream(context.Background(), "s")
	require.NoError(t, err)
	require.True(t, rep.Diverged())
	assert.InDelta(t, 0.1, rep.Difference, 1e-9)
	assert.True(t, f.clock().Equal(rep.ObservedAt))
}

func TestReconcile_ReconcileAll(t *testing.T) {
	f := newFixture(t)
	good := f.register(t, "good", 1)
	bad := f.register(t, "bad", 1)
	f.tick(t, good, 1.1)
	_, err := f.sampler.SampleOne(context.Background(), bad)
	require.NoError(t, err)
	f.balances.SetAt(bad.ExternalAddress, "ETH", f.clock(), 3)

	rec := f.newRec(reconcile.Config{}, f.balances)
	reports, err := rec.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	diverged := map[string]bool{}
	for _, r := range reports {
		diverged[r.StreamID] = r.Diverged()
	}
	assert.Equal(t, map[string]bool{"good": false, "bad": true}, diverged)
}

func TestReconcile_UnknownStream(t *testing.T) {
	f := newFixture(t)
	rec := f.newRec(reconcile.Config{}, f.balances)
	_, err := rec.ReconcileStream(context.Background(), "nope")
	assert.True(t, lferrors.Is(err, lferrors.KindNotFound))
}

func TestNew_AutoCorrectNeedsPrices(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	streams, err := stream.NewStore(ctx, db)
	require.NoError(t, err)
	led, err := ledger.New(ctx, db)
	require.NoError(t, err)

	_, err = reconcile.New(ctx, db, streams, led, stream.NewMemoryBalanceSource(nil), reconcile.Config{AutoCorrect: true})
	assert.True(t, lferrors.Is(err, lferrors.KindValidation))
}

func TestGaps_DetectAndBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "g", 10)
	f.tick(t, reg, 10.1)

	// The sampler is down for three ticks; the chain keeps history.
	for i, b := range []float64{10.2, 10.3, 10.4} {
		f.balances.SetAt(reg.ExternalAddress, "ETH", f.clock().Add(time.Duration(i+1)*time.Hour), b)
	}
	f.advance(3 * time.Hour)
	f.tick(t, reg, 10.5)

	rec := f.newRec(reconcile.Config{}, f.balances)
	gaps, err := rec.DetectGaps(ctx, "g")
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Len(t, gaps[0].Missing, 3)
	assert.Equal(t, start.Add(2*time.Hour), gaps[0].Missing[0])

	n, err := rec.Backfill(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	samples, err := f.streams.Samples(ctx, "g")
	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, stream.KindBackfill, samples[1].Kind)
	assert.InDelta(t, 0.1, samples[1].DeltaNative, 1e-9)
	assert.Empty(t, samples[1].LedgerTransactionID)

	// Backfill closes the gap and leaves cumulative deltas untouched.
	gaps, err = rec.DetectGaps(ctx, "g")
	require.NoError(t, err)
	assert.Empty(t, gaps)

	rep, err := rec.ReconcileStream(ctx, "g")
	require.NoError(t, err)
	assert.False(t, rep.Diverged())
	assert.InDelta(t, 10.5, rep.ExpectedBalance, 1e-9)
}

func TestGaps_BackfillNeedsHistory(t *testing.T) {
	f := newFixture(t)
	f.register(t, "g", 1)
	rec := f.newRec(reconcile.Config{}, currentOnly{f.balances})
	_, err := rec.Backfill(context.Background(), "g")
	assert.True(t, lferrors.Is(err, lferrors.KindValidation))

	n, err := rec.BackfillAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
