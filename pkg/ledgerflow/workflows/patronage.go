package workflows

import (
	"context"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// Patronage event types.
const (
	EventContributionApproved = "contribution.approved"
	EventPatronageClaimed     = "patronage.claimed"
)

// PatronageHandlerName names the patronage handler and its queue.
const PatronageHandlerName = "patronage"

// ContributionApproved is the payload of EventContributionApproved.
type ContributionApproved struct {
	ContributionID string  `json:"contributionId"`
	ContributorID  string  `json:"contributorId"`
	Credits        float64 `json:"credits"`
}

// PatronageClaimed is the payload of EventPatronageClaimed.
type PatronageClaimed struct {
	ClaimID        string  `json:"claimId"`
	ContributionID string  `json:"contributionId"`
	AccountID      string  `json:"accountId"`
	Credits        float64 `json:"credits"`
	TransactionID  string  `json:"transactionId"`
}

// PatronageClaim is one recorded claim.
type PatronageClaim struct {
	ID             string
	EventID        string
	ContributionID string
	AccountID      string
	Credits        float64
	TransactionID  string
	CreatedAt      time.Time
}

// PatronageHandler pays patronage credits for an approved contribution.
// It runs inside the dispatcher's transaction: the claim row, the ledger
// posting and the idempotency record commit together. The claim is unique
// per contribution, so the same contribution announced under two event IDs
// still pays once.
func PatronageHandler(d *Deps) event.Handler {
	return event.TypedHandler(PatronageHandlerName, []string{EventContributionApproved},
		func(ctx context.Context, tx store.Querier, env event.Envelope, p ContributionApproved) ([]event.Envelope, error) {
			const op = "patronage.handle"
			switch {
			case p.ContributionID == "" || p.ContributorID == "":
				return nil, lferrors.Newf(lferrors.KindValidation, op, "contribution and contributor are required")
			case p.Credits <= 0:
				return nil, lferrors.Newf(lferrors.KindValidation, op, "credits must be positive, got %g", p.Credits)
			}

			txn, err := d.Ledger.Apply(ctx, tx, ledger.Posting{
				Kind:           ledger.KindPatronage,
				From:           ledger.AccountPatronage,
				To:             p.ContributorID,
				Amount:         p.Credits,
				Reference:      "patronage:" + p.ContributionID,
				AllowOverdraft: true,
			})
			if err != nil {
				return nil, err
			}

			claimID := uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO patronage_claims (id, event_id, contribution_id, account_id, credits, transaction_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				claimID, env.EventID, p.ContributionID, p.ContributorID, p.Credits, txn.ID, store.FormatTime(time.Now()))
			if err != nil {
				if store.IsUniqueViolation(err) {
					return nil, lferrors.Newf(lferrors.KindConflict, op, "contribution %s already claimed", p.ContributionID)
				}
				return nil, store.Classify(err, op)
			}

			claimed, err := event.New(EventPatronageClaimed, p.ContributorID, d.actor(), PatronageClaimed{
				ClaimID:        claimID,
				ContributionID: p.ContributionID,
				AccountID:      p.ContributorID,
				Credits:        p.Credits,
				TransactionID:  txn.ID,
			}, event.CausedBy(env))
			if err != nil {
				return nil, err
			}
			return []event.Envelope{claimed}, nil
		})
}

// PatronageClaims returns the claims recorded for a contribution.
func PatronageClaims(ctx context.Context, q store.Querier, contributionID string) ([]PatronageClaim, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, event_id, contribution_id, account_id, credits, transaction_id, created_at
		FROM patronage_claims WHERE contribution_id = ?`, contributionID)
	if err != nil {
		return nil, store.Classify(err, "workflows.PatronageClaims")
	}
	defer rows.Close()

	var out []PatronageClaim
	for rows.Next() {
		var (
			c       PatronageClaim
			created string
		)
		if err := rows.Scan(&c.ID, &c.EventID, &c.ContributionID, &c.AccountID, &c.Credits, &c.TransactionID, &created); err != nil {
			return nil, store.Classify(err, "workflows.PatronageClaims")
		}
		c.CreatedAt = store.ParseTime(created)
		out = append(out, c)
	}
	return out, store.Classify(rows.Err(), "workflows.PatronageClaims")
}
