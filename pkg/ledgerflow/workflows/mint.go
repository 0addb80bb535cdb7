package workflows

import (
	"context"
	"math"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// MintWorkflow credits an account after an external payment.
const MintWorkflow = "mint"

// MintContext is the state of one mint execution.
type MintContext struct {
	AccountID string `json:"account_id"`
	PaymentID string `json:"payment_id"`

	AmountUSD       float64 `json:"amount_usd"`
	PaymentVerified bool    `json:"payment_verified"`
	Credits         float64 `json:"credits"`

	MintTransactionID string `json:"mint_transaction_id"`
	DepositID         string `json:"deposit_id"`
	Notified          bool   `json:"notified"`
}

// MintReference is the ledger reference of the mint posted for paymentID
// by one execution. Compensation only ever undoes its own execution's mint.
func MintReference(paymentID, executionID string) string {
	return "mint:" + paymentID + "/" + executionID
}

func depositID(paymentID string) string { return "deposit:" + paymentID }

// MintDefinition returns verify_payment → compute_credits → mint →
// record_deposit → notify. verify_payment claims the payment for the
// execution before anything is mutated, so two executions for one payment
// never both mint; the loser fails with Conflict and compensates nothing
// of the winner's.
func MintDefinition(d *Deps) saga.Definition[MintContext] {
	return saga.Definition[MintContext]{
		Name:    MintWorkflow,
		Version: 1,
		Inputs:  []string{"account_id", "payment_id"},
		Steps: []saga.Step[MintContext]{
			{
				Name:   "verify_payment",
				Reads:  []string{"account_id", "payment_id"},
				Writes: []string{"amount_usd", "payment_verified"},
				Action: func(ctx context.Context, c *MintContext) error {
					if c.AccountID == "" || c.PaymentID == "" {
						return lferrors.Newf(lferrors.KindValidation, "verify_payment", "account and payment are required")
					}
					if d.Payments == nil {
						return lferrors.Newf(lferrors.KindInternal, "verify_payment", "no payment verifier configured")
					}
					dep, err := DepositByPayment(ctx, d, c.PaymentID)
					switch {
					case err == nil && dep.Status == DepositRecorded:
						return lferrors.Newf(lferrors.KindConflict, "verify_payment", "payment %s already deposited", c.PaymentID)
					case err != nil && !lferrors.Is(err, lferrors.KindNotFound):
						return err
					}
					p, err := d.Payments.VerifyPayment(ctx, c.PaymentID)
					if err != nil {
						return err
					}
					switch {
					case !p.Settled:
						return lferrors.Newf(lferrors.KindConflict, "verify_payment", "payment %s is not settled", p.ID)
					case p.AccountID != c.AccountID:
						return lferrors.Newf(lferrors.KindAuthorization, "verify_payment",
							"payment %s belongs to another account", p.ID)
					}
					if err := d.claim(ctx, paymentClaim(c.PaymentID), "verify_payment"); err != nil {
						return err
					}
					c.AmountUSD = p.AmountUSD
					c.PaymentVerified = true
					return nil
				},
				Compensation: func(ctx context.Context, c *MintContext) error {
					return d.release(ctx, paymentClaim(c.PaymentID), "release_payment")
				},
			},
			{
				Name:   "compute_credits",
				Reads:  []string{"amount_usd"},
				Writes: []string{"credits"},
				Action: func(_ context.Context, c *MintContext) error {
					credits := c.AmountUSD * d.creditsPerUSD()
					if credits <= 0 || math.IsNaN(credits) {
						return lferrors.Newf(lferrors.KindValidation, "compute_credits", "payment of $%.2f buys no credits", c.AmountUSD)
					}
					c.Credits = credits
					return nil
				},
			},
			{
				Name:   "mint",
				Reads:  []string{"account_id", "payment_id", "credits"},
				Writes: []string{"mint_transaction_id"},
				Action: func(ctx context.Context, c *MintContext) error {
					execID, err := executionID(ctx, "mint")
					if err != nil {
						return err
					}
					txn, err := d.Ledger.PostOnce(ctx, ledger.Posting{
						Kind:      ledger.KindMint,
						From:      ledger.AccountIssuance,
						To:        c.AccountID,
						Amount:    c.Credits,
						Reference: MintReference(c.PaymentID, execID),
					})
					if err != nil {
						return err
					}
					c.MintTransactionID = txn.ID
					return nil
				},
				// Burns this execution's mint, including one that landed after
				// its step timed out.
				Compensation: func(ctx context.Context, c *MintContext) error {
					execID, err := executionID(ctx, "burn_minted")
					if err != nil {
						return err
					}
					_, err = d.Ledger.UndoByReference(ctx, MintReference(c.PaymentID, execID), ledger.KindMint, ledger.KindBurn)
					return err
				},
			},
			{
				Name:   "record_deposit",
				Reads:  []string{"account_id", "payment_id", "amount_usd", "credits"},
				Writes: []string{"deposit_id"},
				Action: func(ctx context.Context, c *MintContext) error {
					execID, err := executionID(ctx, "record_deposit")
					if err != nil {
						return err
					}
					id := depositID(c.PaymentID)
					// A deposit voided by an earlier compensation is revived,
					// and a retry of this execution's own insert is a no-op
					// update.
					res, err := d.Ledger.DB().ExecContext(ctx, `
						INSERT INTO deposits (id, payment_id, account_id, amount_usd, credits, status, execution_id, created_at)
						VALUES (?, ?, ?, ?, ?, 'recorded', ?, ?)
						ON CONFLICT (id) DO UPDATE SET
							account_id   = excluded.account_id,
							amount_usd   = excluded.amount_usd,
							credits      = excluded.credits,
							status       = 'recorded',
							execution_id = excluded.execution_id,
							created_at   = excluded.created_at
						WHERE deposits.status = 'void' OR deposits.execution_id = excluded.execution_id`,
						id, c.PaymentID, c.AccountID, c.AmountUSD, c.Credits, execID, store.FormatTime(time.Now()))
					if err != nil {
						return store.Classify(err, "record_deposit")
					}
					if n, err := res.RowsAffected(); err == nil && n == 0 {
						return lferrors.Newf(lferrors.KindConflict, "record_deposit", "payment %s already deposited", c.PaymentID)
					}
					c.DepositID = id
					return nil
				},
				Compensation: func(ctx context.Context, c *MintContext) error {
					execID, err := executionID(ctx, "void_deposit")
					if err != nil {
						return err
					}
					_, err = d.Ledger.DB().ExecContext(ctx,
						`UPDATE deposits SET status = ? WHERE id = ? AND execution_id = ?`,
						DepositVoid, depositID(c.PaymentID), execID)
					return store.Classify(err, "void_deposit")
				},
			},
			{
				Name:   "notify",
				Reads:  []string{"account_id", "credits"},
				Writes: []string{"notified"},
				Action: func(ctx context.Context, c *MintContext) error {
					c.Notified = d.notify(ctx, Notification{
						AccountID: c.AccountID,
						Kind:      "credits_minted",
						Data:      map[string]any{"credits": c.Credits, "payment_id": c.PaymentID},
					})
					return nil
				},
			},
		},
	}
}

// Deposit statuses.
const (
	DepositRecorded = "recorded"
	DepositVoid     = "void"
)

// Deposit is a recorded payment deposit.
type Deposit struct {
	ID        string  `json:"id"`
	PaymentID string  `json:"payment_id"`
	AccountID string  `json:"account_id"`
	AmountUSD float64 `json:"amount_usd"`
	Credits   float64 `json:"credits"`
	Status    string  `json:"status"`

	// ExecutionID is the mint execution that recorded the deposit.
	ExecutionID string `json:"execution_id"`
}

// DepositByPayment returns the deposit recorded for a payment.
func DepositByPayment(ctx context.Context, d *Deps, paymentID string) (*Deposit, error) {
	var dep Deposit
	err := d.Ledger.DB().QueryRowContext(ctx, `
		SELECT id, payment_id, account_id, amount_usd, credits, status, execution_id
		FROM deposits WHERE payment_id = ?`, paymentID).
		Scan(&dep.ID, &dep.PaymentID, &dep.AccountID, &dep.AmountUSD, &dep.Credits, &dep.Status, &dep.ExecutionID)
	if err != nil {
		return nil, store.Classify(err, "workflows.DepositByPayment")
	}
	return &dep, nil
}
