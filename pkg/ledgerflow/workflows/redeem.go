package workflows

import (
	"context"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
)

// RedeemWorkflow spends credits on a catalog item.
const RedeemWorkflow = "redeem"

// RedeemContext is the state of one redemption.
type RedeemContext struct {
	RedemptionID string `json:"redemption_id"`
	AccountID    string `json:"account_id"`
	Item         string `json:"item"`
	Quantity     int    `json:"quantity"`

	Cost              float64 `json:"cost"`
	BalanceBefore     float64 `json:"balance_before"`
	BurnTransactionID string  `json:"burn_transaction_id"`
	Notified          bool    `json:"notified"`
}

// RedeemReference is the ledger reference of the burn posted for a
// redemption by one execution.
func RedeemReference(redemptionID, executionID string) string {
	return "redeem:" + redemptionID + "/" + executionID
}

// RedeemDefinition returns compute_cost → check_balance → burn → notify.
// check_balance fails with Conflict before anything is mutated when the
// account cannot afford the cost.
func RedeemDefinition(d *Deps) saga.Definition[RedeemContext] {
	return saga.Definition[RedeemContext]{
		Name:    RedeemWorkflow,
		Version: 1,
		Inputs:  []string{"redemption_id", "account_id", "item", "quantity"},
		Steps: []saga.Step[RedeemContext]{
			{
				Name:   "compute_cost",
				Reads:  []string{"item", "quantity"},
				Writes: []string{"cost"},
				Action: func(_ context.Context, c *RedeemContext) error {
					if c.Quantity <= 0 {
						return lferrors.Newf(lferrors.KindValidation, "compute_cost", "quantity must be positive")
					}
					unit, ok := d.Catalog[c.Item]
					if !ok {
						return lferrors.Newf(lferrors.KindValidation, "compute_cost", "unknown item %q", c.Item)
					}
					c.Cost = unit * float64(c.Quantity)
					return nil
				},
			},
			{
				Name:   "check_balance",
				Reads:  []string{"account_id", "cost"},
				Writes: []string{"balance_before"},
				Action: func(ctx context.Context, c *RedeemContext) error {
					bal, err := d.Ledger.Balance(ctx, c.AccountID)
					if err != nil {
						return err
					}
					if bal < c.Cost {
						return lferrors.Newf(lferrors.KindConflict, "check_balance",
							"insufficient balance: have %g, need %g", bal, c.Cost)
					}
					c.BalanceBefore = bal
					return nil
				},
			},
			{
				Name:   "burn",
				Reads:  []string{"redemption_id", "account_id", "cost"},
				Writes: []string{"burn_transaction_id"},
				Action: func(ctx context.Context, c *RedeemContext) error {
					if c.RedemptionID == "" {
						return lferrors.Newf(lferrors.KindValidation, "burn", "redemption id is required")
					}
					execID, err := executionID(ctx, "burn")
					if err != nil {
						return err
					}
					if err := d.claim(ctx, redemptionClaim(c.RedemptionID), "burn"); err != nil {
						return err
					}
					txn, err := d.Ledger.PostOnce(ctx, ledger.Posting{
						Kind:      ledger.KindBurn,
						From:      c.AccountID,
						To:        ledger.AccountRedemption,
						Amount:    c.Cost,
						Reference: RedeemReference(c.RedemptionID, execID),
					})
					if err != nil {
						return err
					}
					c.BurnTransactionID = txn.ID
					return nil
				},
				Compensation: func(ctx context.Context, c *RedeemContext) error {
					execID, err := executionID(ctx, "refund_burn")
					if err != nil {
						return err
					}
					if _, err := d.Ledger.UndoByReference(ctx, RedeemReference(c.RedemptionID, execID), ledger.KindBurn, ledger.KindMint); err != nil {
						return err
					}
					return d.release(ctx, redemptionClaim(c.RedemptionID), "refund_burn")
				},
			},
			{
				Name:   "notify",
				Reads:  []string{"account_id", "item", "quantity", "cost"},
				Writes: []string{"notified"},
				Action: func(ctx context.Context, c *RedeemContext) error {
					c.Notified = d.notify(ctx, Notification{
						AccountID: c.AccountID,
						Kind:      "credits_redeemed",
						Data:      map[string]any{"item": c.Item, "quantity": c.Quantity, "cost": c.Cost},
					})
					return nil
				},
			},
		},
	}
}
