// Package ledger is the single authoritative balance store.
//
// Every mutation is a Posting: a double-entry transfer from one account to
// another, applied through the same read-balance / validate / write-delta
// path inside a database transaction. Workflow steps, event handlers and
// sampler ticks all post through Apply so that concurrent writers to one
// account are serialized by the database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// SystemPrefix marks accounts that represent the outside world (issuance,
// usage sinks, external streams). System accounts may go negative.
const SystemPrefix = "system:"

// Well-known system accounts.
const (
	AccountIssuance   = "system:issuance"
	AccountRedemption = "system:redemption"
	AccountPatronage  = "system:patronage"
)

// UsageAccount returns the sink account for a metered service.
func UsageAccount(service string) string { return SystemPrefix + "usage:" + service }

// StreamAccount returns the counterparty account for an external stream.
func StreamAccount(streamID string) string { return SystemPrefix + "stream:" + streamID }

// IsSystemAccount reports whether id is a system account.
func IsSystemAccount(id string) bool { return strings.HasPrefix(id, SystemPrefix) }

// balanceTolerance absorbs float rounding when validating a debit.
const balanceTolerance = 1e-9

// Kind labels why a posting was made.
type Kind string

// Posting kinds.
const (
	KindMint         Kind = "mint"
	KindBurn         Kind = "burn"
	KindUsage        Kind = "usage"
	KindRefund       Kind = "refund"
	KindPatronage    Kind = "patronage"
	KindStreamSample Kind = "stream_sample"
	KindAdjustment   Kind = "adjustment"
	KindReversal     Kind = "reversal"
)

// Posting is a request to move Amount from one account to another.
type Posting struct {
	// ID is optional; a UUID is generated when empty.
	ID string

	Kind   Kind
	From   string
	To     string
	Amount float64

	// Reference ties the posting to its cause (execution id, event id, sample id).
	Reference string

	// AllowOverdraft lets a non-system From account go negative. Used when the
	// ledger is recording a fact that already happened elsewhere.
	AllowOverdraft bool
}

// Transaction is a committed posting.
type Transaction struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    float64   `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger stores accounts and transactions in SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount REAL NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_reference
		ON ledger_transactions(reference)`,
}

// New creates a ledger on db, creating its tables if needed.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Ledger, error) {
	if err := store.EnsureSchema(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// DB returns the underlying database handle.
func (l *Ledger) DB() *sql.DB { return l.db }

// Transfer applies p in its own transaction.
func (l *Ledger) Transfer(ctx context.Context, p Posting) (*Transaction, error) {
	var txn *Transaction
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		txn, err = l.Apply(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Apply posts p using q, which should be a transaction owned by the caller.
// Insufficient funds on a non-system account yield a Conflict error.
func (l *Ledger) Apply(ctx context.Context, q store.Querier, p Posting) (*Transaction, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}

	fromBalance, err := balance(ctx, q, p.From)
	if err != nil {
		return nil, err
	}
	if !IsSystemAccount(p.From) && !p.AllowOverdraft && fromBalance+balanceTolerance < p.Amount {
		return nil, lferrors.Conflict(
			fmt.Errorf("insufficient balance in %s: have %.9g, need %.9g", p.From, fromBalance, p.Amount),
			"ledger.apply")
	}

	now := l.now().UTC()
	if err := addDelta(ctx, q, p.From, -p.Amount, now); err != nil {
		return nil, err
	}
	if err := addDelta(ctx, q, p.To, p.Amount, now); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:        p.ID,
		Kind:      p.Kind,
		From:      p.From,
		To:        p.To,
		Amount:    p.Amount,
		Reference: p.Reference,
		CreatedAt: now,
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, kind, from_account, to_account, amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, string(txn.Kind), txn.From, txn.To, txn.Amount, txn.Reference, store.FormatTime(now))
	if err != nil {
		return nil, store.Classify(err, "ledger.insert_transaction")
	}
	return txn, nil
}

// Reverse posts the mirror image of an existing transaction.
func (l *Ledger) Reverse(ctx context.Context, transactionID, reference string) (*Transaction, error) {
	orig, err := l.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return l.Transfer(ctx, Posting{
		Kind:           KindReversal,
		From:           orig.To,
		To:             orig.From,
		Amount:         orig.Amount,
		Reference:      reference,
		AllowOverdraft: true,
	})
}

// Balance returns the balance of account (zero for unknown accounts).
func (l *Ledger) Balance(ctx context.Context, account string) (float64, error) {
	return balance(ctx, l.db, account)
}

// Get returns a committed transaction by ID.
func (l *Ledger) Get(ctx context.Context, transactionID string) (*Transaction, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, kind, from_account, to_account, amount, reference, created_at
		FROM ledger_transactions WHERE id = ?
	`, transactionID)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, store.Classify(err, "ledger.get")
	}
	return txn, nil
}

// ByReference lists transactions posted with the given reference, oldest first.
func (l *Ledger) ByReference(ctx context.Context, reference string) ([]*Transaction, error) {
	return byReference(ctx, l.db, reference)
}

func byReference(ctx context.Context, q store.Querier, reference string) ([]*Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, from_account, to_account, amount, reference, created_at
		FROM ledger_transactions WHERE reference = ?
		ORDER BY created_at, rowid
	`, reference)
	if err != nil {
		return nil, store.Classify(err, "ledger.by_reference")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, store.Classify(err, "ledger.by_reference")
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// UndoReference is the reference of the posting that undoes transactionID.
func UndoReference(transactionID string) string { return "undo:" + transactionID }

// PostOnce posts p unless a live transaction of p.Kind already exists under
// p.Reference, and returns the transaction either way. A transaction that
// was undone does not count. The check and the post share one transaction,
// so concurrent callers with the same reference post at most once.
func (l *Ledger) PostOnce(ctx context.Context, p Posting) (*Transaction, error) {
	var txn *Transaction
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		existing, err := l.live(ctx, tx, p.Reference, p.Kind)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			txn = existing[0]
			return nil
		}
		txn, err = l.Apply(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// UndoByReference undoes every live transaction of kind posted under
// reference with a mirror posting of undoKind referenced by
// UndoReference. Running it again has no further effect.
func (l *Ledger) UndoByReference(ctx context.Context, reference string, kind, undoKind Kind) (int, error) {
	var n int
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		txns, err := l.live(ctx, tx, reference, kind)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if _, err := l.Apply(ctx, tx, Posting{
				Kind:           undoKind,
				From:           txn.To,
				To:             txn.From,
				Amount:         txn.Amount,
				Reference:      UndoReference(txn.ID),
				AllowOverdraft: true,
			}); err != nil {
				return fmt.Errorf("undo %s: %w", txn.ID, err)
			}
			n++
		}
		return nil
	})
	return n, err
}

// live returns the transactions of kind under reference that have not been
// undone.
func (l *Ledger) live(ctx context.Context, q store.Querier, reference string, kind Kind) ([]*Transaction, error) {
	txns, err := byReference(ctx, q, reference)
	if err != nil {
		return nil, err
	}
	var out []*Transaction
	for _, txn := range txns {
		if txn.Kind != kind {
			continue
		}
		undone, err := byReference(ctx, q, UndoReference(txn.ID))
		if err != nil {
			return nil, err
		}
		if len(undone) == 0 {
			out = append(out, txn)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	var (
		txn       Transaction
		kind      string
		createdAt string
	)
	if err := s.Scan(&txn.ID, &kind, &txn.From, &txn.To, &txn.Amount, &txn.Reference, &createdAt); err != nil {
		return nil, err
	}
	txn.Kind = Kind(kind)
	txn.CreatedAt = store.ParseTime(createdAt)
	return &txn, nil
}

func validatePosting(p Posting) error {
	switch {
	case p.From == "" || p.To == "":
		return lferrors.Validation(errors.New("from and to accounts are required"), "ledger.apply")
	case p.From == p.To:
		return lferrors.Validation(fmt.Errorf("cannot transfer %s to itself", p.From), "ledger.apply")
	case math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0):
		return lferrors.Validation(errors.New("amount must be finite"), "ledger.apply")
	case p.Amount <= 0:
		return lferrors.Validation(fmt.Errorf("amount must be positive, got %v", p.Amount), "ledger.apply")
	case p.Kind == "":
		return lferrors.Validation(errors.New("posting kind is required"), "ledger.apply")
	}
	return nil
}

func balance(ctx context.Context, q store.Querier, account string) (float64, error) {
	var bal float64
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, account).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Classify(err, "ledger.balance")
	}
	return bal, nil
}

func addDelta(ctx context.Context, q store.Querier, account string, delta float64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			balance = accounts.balance + excluded.balance,
			updated_at = excluded.updated_at
	`, account, delta, store.FormatTime(now))
	if err != nil {
		return store.Classify(err, "ledger.write_delta")
	}
	return nil
}
