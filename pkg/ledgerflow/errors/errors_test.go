package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

func TestKindOf(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name string
		err  error
		want lferrors.Kind
	}{
		{"nil", nil, lferrors.KindInternal},
		{"plain error", base, lferrors.KindInternal},
		{"validation", lferrors.Validation(base, "parse"), lferrors.KindValidation},
		{"authorization", lferrors.Authorization(base, "auth"), lferrors.KindAuthorization},
		{"not found", lferrors.NotFound(base, "load"), lferrors.KindNotFound},
		{"conflict", lferrors.Conflict(base, "debit"), lferrors.KindConflict},
		{"transient", lferrors.Transient(base, "dial"), lferrors.KindTransient},
		{"wrapped", fmt.Errorf("outer: %w", lferrors.Conflict(base, "debit")), lferrors.KindConflict},
		{"deadline", context.DeadlineExceeded, lferrors.KindTransient},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), lferrors.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lferrors.KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, lferrors.IsRetryable(lferrors.Transient(stderrors.New("x"), "op")))
	assert.False(t, lferrors.IsRetryable(lferrors.Validation(stderrors.New("x"), "op")))
	assert.False(t, lferrors.IsRetryable(stderrors.New("x")))
	assert.False(t, lferrors.IsRetryable(nil))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", lferrors.Code(nil))
	assert.Equal(t, "conflict", lferrors.Code(lferrors.Conflict(stderrors.New("x"), "op")))
	assert.Equal(t, "validation_error", lferrors.Code(lferrors.Validation(stderrors.New("x"), "op")))
	assert.Equal(t, "internal_error", lferrors.Code(stderrors.New("x")))
}

func TestError_Message(t *testing.T) {
	err := lferrors.Conflict(stderrors.New("insufficient balance"), "ledger.apply")
	assert.Equal(t, "ledger.apply: insufficient balance (kind: conflict)", err.Error())

	bare := &lferrors.Error{Kind: lferrors.KindTransient, Err: stderrors.New("timeout")}
	assert.Equal(t, "timeout (kind: transient)", bare.Error())
}

func TestWithRetryContext(t *testing.T) {
	fast := lferrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := lferrors.WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, lferrors.Transient(stderrors.New("flaky"), "fetch")
			}
			return 42, nil
		})
		require.NoError(t, res.Err)
		assert.Equal(t, 42, res.Value)
		assert.Equal(t, 3, res.Attempts)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		res := lferrors.WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			calls++
			return 0, lferrors.Validation(stderrors.New("bad"), "fetch")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, lferrors.KindValidation, lferrors.KindOf(res.Err))
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		res := lferrors.WithRetryContext(context.Background(), fast, func(context.Context) (int, error) {
			return 0, lferrors.Transient(stderrors.New("down"), "fetch")
		})
		require.Error(t, res.Err)
		assert.Equal(t, 3, res.Attempts)
		assert.True(t, lferrors.IsRetryable(res.Err))
		assert.Contains(t, res.Err.Error(), "max retries exceeded")
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := lferrors.WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			return 1, nil
		})
		require.Error(t, res.Err)
		assert.Equal(t, 0, res.Attempts)
	})
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := lferrors.RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, time.Second, cfg.Backoff(10))
}
