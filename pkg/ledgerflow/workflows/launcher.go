package workflows

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
)

// DefaultMaxInFlight bounds concurrently running usage executions.
const DefaultMaxInFlight = 64

// Launcher starts usage executions in the background and hands back their
// execution ID immediately. Callers poll the execution record for the
// outcome.
type Launcher struct {
	usage  *saga.Workflow[UsageContext]
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewLauncher creates a launcher running at most maxInFlight executions.
func NewLauncher(usage *saga.Workflow[UsageContext], maxInFlight int64, logger *slog.Logger) *Launcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		usage:  usage,
		sem:    semaphore.NewWeighted(maxInFlight),
		logger: logger,
	}
}

// SubmitUsage validates req and starts a usage execution. usageID doubles
// as the execution ID; an empty usageID gets a fresh one. Resubmitting an
// ID that already ran returns it without running again.
//
// A full launcher rejects the request with a Transient error instead of
// queueing it.
func (l *Launcher) SubmitUsage(ctx context.Context, usageID string, req UsageRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if usageID == "" {
		usageID = uuid.NewString()
	}
	if !l.sem.TryAcquire(1) {
		return "", lferrors.Newf(lferrors.KindTransient, "launcher.SubmitUsage", "too many usage executions in flight")
	}

	// The execution outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.sem.Release(1)
		res := l.usage.Execute(runCtx, UsageContext{UsageID: usageID, Request: req}, saga.WithExecutionID(usageID))
		if !res.Success {
			l.logger.Warn("usage execution failed",
				slog.String("execution_id", usageID),
				slog.String("failed_step", res.FailedStep),
				slog.String("error_code", res.ErrorCode),
				slog.String("message", res.Message))
		}
	}()
	return usageID, nil
}

// Wait blocks until every started execution has finished.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
