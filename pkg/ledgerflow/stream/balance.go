package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// HTTPBalanceSource reads balances from a JSON endpoint:
//
//	GET {base}?address=A&token=T[&at=RFC3339]
//	200 {"balance": 12.5}
//
// The endpoint answers 404 for an unknown address and 410 when it no
// longer retains the requested historical state.
type HTTPBalanceSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBalanceSource creates an instrumented balance client.
func NewHTTPBalanceSource(baseURL string, timeout time.Duration) *HTTPBalanceSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBalanceSource{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Balance returns the current balance.
func (s *HTTPBalanceSource) Balance(ctx context.Context, address, token string) (float64, error) {
	return s.fetch(ctx, address, token, time.Time{})
}

// BalanceAt returns the balance at a past time.
func (s *HTTPBalanceSource) BalanceAt(ctx context.Context, address, token string, at time.Time) (float64, error) {
	return s.fetch(ctx, address, token, at)
}

func (s *HTTPBalanceSource) fetch(ctx context.Context, address, token string, at time.Time) (float64, error) {
	const op = "stream.http_balance"
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return 0, lferrors.Validation(err, op)
	}
	q := u.Query()
	q.Set("address", address)
	q.Set("token", token)
	if !at.IsZero() {
		q.Set("at", at.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, lferrors.Internal(err, op)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, lferrors.Transient(err, op)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return 0, lferrors.Newf(lferrors.KindNotFound, op, "status %d for %s", resp.StatusCode, address)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, lferrors.Newf(lferrors.KindTransient, op, "status %d", resp.StatusCode)
	default:
		return 0, lferrors.Newf(lferrors.KindValidation, op, "status %d", resp.StatusCode)
	}

	var body struct {
		Balance *float64 `json:"balance"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return 0, lferrors.Transient(fmt.Errorf("decode balance: %w", err), op)
	}
	if body.Balance == nil {
		return 0, lferrors.Newf(lferrors.KindTransient, op, "response has no balance")
	}
	return *body.Balance, nil
}

// MemoryBalanceSource is an in-process balance source with history, for
// development and tests. Balances are set explicitly.
type MemoryBalanceSource struct {
	mu      sync.RWMutex
	now     func() time.Time
	history map[string][]point
	down    map[string]error
}

type point struct {
	at      time.Time
	balance float64
}

// NewMemoryBalanceSource creates an empty source.
func NewMemoryBalanceSource(now func() time.Time) *MemoryBalanceSource {
	if now == nil {
		now = time.Now
	}
	return &MemoryBalanceSource{
		now:     now,
		history: make(map[string][]point),
		down:    make(map[string]error),
	}
}

func balanceKey(address, token string) string { return address + "/" + token }

// Set records the balance of address at the source's current time.
func (m *MemoryBalanceSource) Set(address, token string, balance float64) {
	m.SetAt(address, token, m.now(), balance)
}

// SetAt records a historical balance. Points must be added in time order.
func (m *MemoryBalanceSource) SetAt(address, token string, at time.Time, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey(address, token)
	m.history[k] = append(m.history[k], point{at: at, balance: balance})
}

// Fail makes reads of address return err until Fail(address, token, nil).
func (m *MemoryBalanceSource) Fail(address, token string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.down, balanceKey(address, token))
		return
	}
	m.down[balanceKey(address, token)] = err
}

// Balance returns the latest balance.
func (m *MemoryBalanceSource) Balance(ctx context.Context, address, token string) (float64, error) {
	return m.BalanceAt(ctx, address, token, m.now())
}

// BalanceAt returns the last balance recorded at or before at.
func (m *MemoryBalanceSource) BalanceAt(_ context.Context, address, token string, at time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := balanceKey(address, token)
	if err := m.down[k]; err != nil {
		return 0, err
	}
	pts := m.history[k]
	for i := len(pts) - 1; i >= 0; i-- {
		if !pts[i].at.After(at) {
			return pts[i].balance, nil
		}
	}
	return 0, lferrors.Newf(lferrors.KindNotFound, "stream.memory_balance", "no balance for %s at %s", k, at.Format(time.RFC3339))
}

var (
	_ HistoricalBalanceSource = (*HTTPBalanceSource)(nil)
	_ HistoricalBalanceSource = (*MemoryBalanceSource)(nil)
)
