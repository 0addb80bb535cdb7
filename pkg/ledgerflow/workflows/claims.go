package workflows

import (
	"context"
	"database/sql"
	"errors"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// Claim statuses.
const (
	claimHeld     = "held"
	claimReleased = "released"
)

// executionID returns the ID of the execution running the step.
func executionID(ctx context.Context, op string) (string, error) {
	id := saga.ExecutionIDFrom(ctx)
	if id == "" {
		return "", lferrors.Newf(lferrors.KindInternal, op, "step is not running inside an execution")
	}
	return id, nil
}

// claim makes the calling execution the only one allowed to mutate state
// for key. It succeeds when key is unclaimed, released, or already held by
// the same execution, and fails with Conflict when another execution holds
// it. The check and the write are one statement.
func (d *Deps) claim(ctx context.Context, key, op string) error {
	execID, err := executionID(ctx, op)
	if err != nil {
		return err
	}
	res, err := d.Ledger.DB().ExecContext(ctx, `
		INSERT INTO workflow_claims (claim_key, execution_id, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (claim_key) DO UPDATE SET
			execution_id = excluded.execution_id,
			status       = excluded.status,
			updated_at   = excluded.updated_at
		WHERE workflow_claims.status = ? OR workflow_claims.execution_id = excluded.execution_id`,
		key, execID, claimHeld, store.FormatTime(time.Now()), claimReleased)
	if err != nil {
		return store.Classify(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Classify(err, op)
	}
	if n == 0 {
		return lferrors.Newf(lferrors.KindConflict, op, "%s is being processed by another execution", key)
	}
	return nil
}

// release gives key up, but only if the calling execution holds it.
func (d *Deps) release(ctx context.Context, key, op string) error {
	execID, err := executionID(ctx, op)
	if err != nil {
		return err
	}
	_, err = d.Ledger.DB().ExecContext(ctx, `
		UPDATE workflow_claims SET status = ?, updated_at = ?
		WHERE claim_key = ? AND execution_id = ?`,
		claimReleased, store.FormatTime(time.Now()), key, execID)
	return store.Classify(err, op)
}

// ClaimHolder returns the execution holding key, or "" when it is free.
func ClaimHolder(ctx context.Context, d *Deps, key string) (string, error) {
	var execID, status string
	err := d.Ledger.DB().QueryRowContext(ctx,
		`SELECT execution_id, status FROM workflow_claims WHERE claim_key = ?`, key).Scan(&execID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify(err, "workflows.ClaimHolder")
	}
	if status != claimHeld {
		return "", nil
	}
	return execID, nil
}

func paymentClaim(paymentID string) string       { return "payment:" + paymentID }
func redemptionClaim(redemptionID string) string { return "redemption:" + redemptionID }
func usageClaim(usageID string) string           { return "usage:" + usageID }
