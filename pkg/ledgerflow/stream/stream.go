// Package stream turns continuously changing external balances into
// discrete, auditable ledger entries.
//
// A Registration describes one external flow. On each tick the Sampler
// reads the external balance, records the delta since the previous sample
// (zero deltas included), prices it through a price waterfall and posts
// the settlement to the ledger in the same database transaction that
// stores the sample.
package stream

import (
	"context"
	"fmt"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// Direction says which way value flows relative to the local account.
type Direction string

// Directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// SampleKind distinguishes natural samples from corrections.
type SampleKind string

// Sample kinds.
const (
	// KindNatural is produced by the sampler on a tick.
	KindNatural SampleKind = "natural"

	// KindAdjustment is a reconciliation correction.
	KindAdjustment SampleKind = "adjustment"

	// KindBackfill records historical state for a missed tick. Backfill
	// samples are informational: they are never posted and are excluded
	// from cumulative deltas, since the next natural sample already covers
	// the gap.
	KindBackfill SampleKind = "backfill"
)

// Registration is one sampled external flow.
type Registration struct {
	ID              string    `json:"id"`
	ExternalAddress string    `json:"external_address"`
	Token           string    `json:"token"`
	AccountID       string    `json:"account_id"`
	Direction       Direction `json:"direction"`

	SamplingInterval time.Duration `json:"sampling_interval"`

	// PriceSource names the price resolver to use. Empty uses the default.
	PriceSource string `json:"price_source,omitempty"`

	// ExpectedFlowRate is in native units per second.
	ExpectedFlowRate float64 `json:"expected_flow_rate"`

	// AlertThresholdPercent bounds |deviation| before an alert. Zero disables.
	AlertThresholdPercent float64 `json:"alert_threshold_percent"`

	InitialBalance     float64   `json:"initial_balance"`
	CreatedAt          time.Time `json:"created_at"`
	LastSampledAt      time.Time `json:"last_sampled_at"`
	LastSampledBalance float64   `json:"last_sampled_balance"`
	ConsecutiveMisses  int       `json:"consecutive_misses"`
	Active             bool      `json:"active"`
}

// Validate checks a registration before it is stored.
func (r *Registration) Validate() error {
	op := "stream.Register"
	switch {
	case r.ID == "":
		return lferrors.Newf(lferrors.KindValidation, op, "id is required")
	case r.ExternalAddress == "":
		return lferrors.Newf(lferrors.KindValidation, op, "external address is required")
	case r.Token == "":
		return lferrors.Newf(lferrors.KindValidation, op, "token is required")
	case r.AccountID == "":
		return lferrors.Newf(lferrors.KindValidation, op, "account is required")
	case r.Direction != Inbound && r.Direction != Outbound:
		return lferrors.Newf(lferrors.KindValidation, op, "direction must be inbound or outbound, got %q", r.Direction)
	case r.SamplingInterval <= 0:
		return lferrors.Newf(lferrors.KindValidation, op, "sampling interval must be positive")
	case r.AlertThresholdPercent < 0:
		return lferrors.Newf(lferrors.KindValidation, op, "alert threshold must not be negative")
	}
	return nil
}

// NextDue returns when the registration should next be sampled.
func (r *Registration) NextDue() time.Time {
	return r.LastSampledAt.Add(r.SamplingInterval)
}

// FlowRatePerDay converts a per-day rate to the per-second rate stored on
// registrations.
func FlowRatePerDay(perDay float64) float64 {
	return perDay / (24 * time.Hour).Seconds()
}

// Sample is one append-only observation of a stream.
type Sample struct {
	ID              string     `json:"id"`
	StreamID        string     `json:"stream_id"`
	Kind            SampleKind `json:"kind"`
	SampledAt       time.Time  `json:"sampled_at"`
	ExternalBalance float64    `json:"external_balance"`
	PreviousBalance float64    `json:"previous_balance"`
	DeltaNative     float64    `json:"delta_native"`
	PriceUsed       float64    `json:"price_used"`
	PriceSource     string     `json:"price_source,omitempty"`
	PriceDegraded   bool       `json:"price_degraded,omitempty"`
	DeltaSettlement float64    `json:"delta_settlement"`

	// DeviationPercent is nil when no expectation could be computed.
	DeviationPercent *float64 `json:"deviation_percent,omitempty"`

	LedgerTransactionID string `json:"ledger_transaction_id,omitempty"`
}

// BalanceSource reads an external balance.
type BalanceSource interface {
	Balance(ctx context.Context, address, token string) (float64, error)
}

// HistoricalBalanceSource can also read a past balance.
type HistoricalBalanceSource interface {
	BalanceSource
	BalanceAt(ctx context.Context, address, token string, at time.Time) (float64, error)
}

// minElapsed is the shortest interval over which a deviation is computed.
const minElapsed = time.Second

// Deviation returns (delta-expected)/expected*100 for a flow at rate over
// elapsed. ok is false when no meaningful expectation exists.
func Deviation(delta, rate float64, elapsed time.Duration) (pct float64, ok bool) {
	if elapsed < minElapsed || rate == 0 {
		return 0, false
	}
	expected := rate * elapsed.Seconds()
	return (delta - expected) / expected * 100, true
}

func (s *Sample) String() string {
	return fmt.Sprintf("%s %s %s delta=%g settlement=%g", s.StreamID, s.Kind, s.SampledAt.Format(time.RFC3339), s.DeltaNative, s.DeltaSettlement)
}
