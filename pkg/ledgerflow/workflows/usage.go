package workflows

import (
	"context"
	"strings"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
)

// UsageWorkflow meters resource consumption against an account.
const UsageWorkflow = "record_usage"

// EventUsageRecorded is published after usage is debited.
const EventUsageRecorded = "usage.recorded"

// UsageRequest is the metering entry point's input.
type UsageRequest struct {
	AccountID     string    `json:"accountId"`
	PrimitiveKind string    `json:"primitiveKind"`
	Quantity      float64   `json:"quantity"`
	Unit          string    `json:"unit"`
	ServiceName   string    `json:"serviceName"`
	WindowStart   time.Time `json:"windowStart"`
	WindowEnd     time.Time `json:"windowEnd"`
}

// Validate checks a usage request.
func (r UsageRequest) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"accountId":     r.AccountID,
		"primitiveKind": r.PrimitiveKind,
		"unit":          r.Unit,
		"serviceName":   r.ServiceName,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	switch {
	case len(missing) > 0:
		return lferrors.Newf(lferrors.KindValidation, "usage.validate", "missing fields: %s", strings.Join(sorted(missing), ", "))
	case r.Quantity <= 0:
		return lferrors.Newf(lferrors.KindValidation, "usage.validate", "quantity must be positive")
	case r.WindowStart.IsZero() || r.WindowEnd.IsZero():
		return lferrors.Newf(lferrors.KindValidation, "usage.validate", "usage window is required")
	case r.WindowEnd.Before(r.WindowStart):
		return lferrors.Newf(lferrors.KindValidation, "usage.validate", "window ends before it starts")
	}
	return nil
}

// UsageContext is the state of one usage recording.
type UsageContext struct {
	UsageID string       `json:"usage_id"`
	Request UsageRequest `json:"request"`

	UnitPriceUSD float64 `json:"unit_price_usd"`
	CostUSD      float64 `json:"cost_usd"`
	Credits      float64 `json:"credits"`
	PriceSource  string  `json:"price_source"`

	DebitTransactionID string `json:"debit_transaction_id"`
	EventID            string `json:"event_id"`
}

// UsageRecordedPayload is the payload of EventUsageRecorded.
type UsageRecordedPayload struct {
	UsageID       string  `json:"usageId"`
	AccountID     string  `json:"accountId"`
	ServiceName   string  `json:"serviceName"`
	PrimitiveKind string  `json:"primitiveKind"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	Credits       float64 `json:"credits"`
	TransactionID string  `json:"transactionId"`
}

// UsageReference is the ledger reference of the debit posted for a usage
// record by one execution.
func UsageReference(usageID, executionID string) string {
	return "usage:" + usageID + "/" + executionID
}

// UsageDefinition returns validate → price → debit → publish.
func UsageDefinition(d *Deps) saga.Definition[UsageContext] {
	return saga.Definition[UsageContext]{
		Name:    UsageWorkflow,
		Version: 1,
		Inputs:  []string{"usage_id", "request"},
		Steps: []saga.Step[UsageContext]{
			{
				Name:  "validate",
				Reads: []string{"usage_id", "request"},
				Action: func(_ context.Context, c *UsageContext) error {
					if c.UsageID == "" {
						return lferrors.Newf(lferrors.KindValidation, "usage.validate", "usage id is required")
					}
					return c.Request.Validate()
				},
			},
			{
				Name:   "price",
				Reads:  []string{"request"},
				Writes: []string{"unit_price_usd", "cost_usd", "credits", "price_source"},
				Action: func(ctx context.Context, c *UsageContext) error {
					if d.Prices == nil {
						return lferrors.Newf(lferrors.KindInternal, "usage.price", "no usage price resolver configured")
					}
					q, err := d.Prices.Resolve(ctx, price.Request{
						Token:     c.Request.PrimitiveKind,
						Averaging: price.Spot,
						AsOf:      c.Request.WindowEnd,
					})
					if err != nil {
						return err
					}
					c.UnitPriceUSD = q.PriceUSD
					c.CostUSD = q.PriceUSD * c.Request.Quantity
					c.Credits = c.CostUSD * d.creditsPerUSD()
					c.PriceSource = q.Source
					return nil
				},
			},
			{
				Name:   "debit",
				Reads:  []string{"usage_id", "request", "credits"},
				Writes: []string{"debit_transaction_id"},
				Action: func(ctx context.Context, c *UsageContext) error {
					execID, err := executionID(ctx, "usage.debit")
					if err != nil {
						return err
					}
					if err := d.claim(ctx, usageClaim(c.UsageID), "usage.debit"); err != nil {
						return err
					}
					txn, err := d.Ledger.PostOnce(ctx, ledger.Posting{
						Kind:      ledger.KindUsage,
						From:      c.Request.AccountID,
						To:        ledger.UsageAccount(c.Request.ServiceName),
						Amount:    c.Credits,
						Reference: UsageReference(c.UsageID, execID),
					})
					if err != nil {
						return err
					}
					c.DebitTransactionID = txn.ID
					return nil
				},
				Compensation: func(ctx context.Context, c *UsageContext) error {
					execID, err := executionID(ctx, "usage.refund")
					if err != nil {
						return err
					}
					if _, err := d.Ledger.UndoByReference(ctx, UsageReference(c.UsageID, execID), ledger.KindUsage, ledger.KindRefund); err != nil {
						return err
					}
					return d.release(ctx, usageClaim(c.UsageID), "usage.refund")
				},
			},
			{
				Name:   "publish",
				Reads:  []string{"usage_id", "request", "credits", "debit_transaction_id"},
				Writes: []string{"event_id"},
				Action: func(ctx context.Context, c *UsageContext) error {
					if d.Publisher == nil {
						return nil
					}
					env, err := event.New(EventUsageRecorded, c.Request.AccountID, d.actor(), UsageRecordedPayload{
						UsageID:       c.UsageID,
						AccountID:     c.Request.AccountID,
						ServiceName:   c.Request.ServiceName,
						PrimitiveKind: c.Request.PrimitiveKind,
						Quantity:      c.Request.Quantity,
						Unit:          c.Request.Unit,
						Credits:       c.Credits,
						TransactionID: c.DebitTransactionID,
					}, event.WithEventID(c.UsageID), event.WithCorrelationID(c.UsageID))
					if err != nil {
						return err
					}
					if err := d.Publisher.Publish(ctx, env); err != nil {
						return lferrors.Transient(err, "usage.publish")
					}
					c.EventID = env.EventID
					return nil
				},
			},
		},
	}
}
