// Package workflows holds the fixed, hand-registered business workflows
// and event handlers that mutate the ledger.
//
// Every workflow has its own versioned context struct. External
// collaborators (payment processor, notification channel, price feeds)
// are passed in through Deps; nothing here reaches for process globals.
package workflows

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/price"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

// DefaultCreditsPerUSD converts settled dollars to credits: $100 buys 10.
const DefaultCreditsPerUSD = 0.1

// Payment is a verified payment from the processor.
type Payment struct {
	ID        string  `json:"id"`
	AccountID string  `json:"account_id"`
	AmountUSD float64 `json:"amount_usd"`
	Settled   bool    `json:"settled"`
}

// PaymentVerifier checks a payment with the processor.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, paymentID string) (Payment, error)
}

// Notification is a message to an account holder.
type Notification struct {
	AccountID string         `json:"account_id"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Deps are the collaborators workflows and handlers run against.
type Deps struct {
	Ledger   *ledger.Ledger
	Payments PaymentVerifier
	Notifier Notifier

	// Prices prices usage primitives, keyed by primitive kind.
	Prices price.Resolver

	// Publisher receives usage.recorded events.
	Publisher event.Publisher

	// Catalog is the credit cost of each redeemable item.
	Catalog map[string]float64

	// CreditsPerUSD defaults to DefaultCreditsPerUSD.
	CreditsPerUSD float64

	// Actor is the actor ID on published events.
	Actor string

	// Alerter is told about notifications that could not be delivered.
	Alerter *alert.Alerter

	Logger *slog.Logger
}

func (d *Deps) creditsPerUSD() float64 {
	if d.CreditsPerUSD > 0 {
		return d.CreditsPerUSD
	}
	return DefaultCreditsPerUSD
}

func (d *Deps) actor() string {
	if d.Actor != "" {
		return d.Actor
	}
	return "ledgerflow"
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// notify delivers n and reports whether it was delivered. Notification is
// best effort: the credits have already moved, so a failed delivery is
// logged and alerted instead of failing the workflow and compensating it.
func (d *Deps) notify(ctx context.Context, n Notification) bool {
	if d.Notifier == nil {
		return false
	}
	err := d.Notifier.Notify(ctx, n)
	if err == nil {
		return true
	}
	d.logger().Warn("notification failed",
		slog.String("account_id", n.AccountID),
		slog.String("kind", n.Kind),
		slog.String("error", err.Error()))
	_ = d.Alerter.Raise(ctx, alert.KindNotificationFailed, n.AccountID,
		fmt.Sprintf("%s notification not delivered: %v", n.Kind, err),
		map[string]any{"kind": n.Kind, "data": n.Data})
	return false
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS deposits (
		id          TEXT PRIMARY KEY,
		payment_id  TEXT NOT NULL UNIQUE,
		account_id  TEXT NOT NULL,
		amount_usd  REAL NOT NULL,
		credits     REAL NOT NULL,
		status      TEXT NOT NULL,
		execution_id TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_claims (
		claim_key    TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patronage_claims (
		id              TEXT PRIMARY KEY,
		event_id        TEXT NOT NULL,
		contribution_id TEXT NOT NULL UNIQUE,
		account_id      TEXT NOT NULL,
		credits         REAL NOT NULL,
		transaction_id  TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,
}

// EnsureSchema creates the tables owned by this package.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return store.EnsureSchema(ctx, db, schema...)
}

// Set is the registered workflows.
type Set struct {
	Mint   *saga.Workflow[MintContext]
	Redeem *saga.Workflow[RedeemContext]
	Usage  *saga.Workflow[UsageContext]
}

// Register binds every workflow to e.
func Register(e *saga.Engine, d *Deps) (*Set, error) {
	if d.Ledger == nil {
		return nil, lferrors.Newf(lferrors.KindValidation, "workflows.Register", "ledger is required")
	}
	mint, err := saga.Register(e, MintDefinition(d))
	if err != nil {
		return nil, err
	}
	redeem, err := saga.Register(e, RedeemDefinition(d))
	if err != nil {
		return nil, err
	}
	usage, err := saga.Register(e, UsageDefinition(d))
	if err != nil {
		return nil, err
	}
	return &Set{Mint: mint, Redeem: redeem, Usage: usage}, nil
}

// StaticPayments is an in-memory PaymentVerifier.
type StaticPayments struct {
	mu       sync.RWMutex
	payments map[string]Payment
}

// NewStaticPayments creates a verifier that knows the given payments.
func NewStaticPayments(payments ...Payment) *StaticPayments {
	s := &StaticPayments{payments: make(map[string]Payment)}
	for _, p := range payments {
		s.payments[p.ID] = p
	}
	return s
}

// Add records a payment.
func (s *StaticPayments) Add(p Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

// VerifyPayment returns a known payment or NotFound.
func (s *StaticPayments) VerifyPayment(_ context.Context, paymentID string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, lferrors.Newf(lferrors.KindNotFound, "payments.verify", "payment %q not found", paymentID)
	}
	return p, nil
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("account_id", n.AccountID),
		slog.String("kind", n.Kind),
		slog.Any("data", n.Data))
	return nil
}

var (
	_ PaymentVerifier = (*StaticPayments)(nil)
	_ Notifier        = LogNotifier{}
)

func sorted(s []string) []string {
	slices.Sort(s)
	return s
}
