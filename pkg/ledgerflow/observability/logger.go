// Package observability provides structured logging helpers, metrics, and
// tracing for ledgerflow.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds the process logger. format is "json" or "text"; level
// is one of debug, info, warn, error.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// EnrichLogger adds execution context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "exec-123", "mint", 1)
//	enriched.Info("doing work") // includes execution_id, step, attempt
func EnrichLogger(logger *slog.Logger, executionID, step string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("execution_id", executionID),
		slog.String("step", step),
		slog.Int("attempt", attempt),
	)
}

// LogExecutionStart logs the start of a workflow execution.
func LogExecutionStart(logger *slog.Logger, workflow, executionID string) {
	if logger == nil {
		return
	}
	logger.Info("workflow execution starting",
		slog.String("workflow", workflow),
		slog.String("execution_id", executionID),
	)
}

// LogExecutionComplete logs successful workflow completion.
func LogExecutionComplete(logger *slog.Logger, workflow, executionID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("workflow execution completed",
		slog.String("workflow", workflow),
		slog.String("execution_id", executionID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogExecutionError logs workflow failure.
func LogExecutionError(logger *slog.Logger, workflow, executionID, failedStep string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("workflow execution failed",
		slog.String("workflow", workflow),
		slog.String("execution_id", executionID),
		slog.String("failed_step", failedStep),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepStart logs step execution start. logger is expected to come from
// EnrichLogger, which already carries the step name.
func LogStepStart(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Debug("step starting")
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs step execution error.
func LogStepError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("error", err.Error()),
	)
}

// LogCompensationError logs a failed compensation. Compensation is best
// effort, so this never changes control flow.
func LogCompensationError(logger *slog.Logger, err error) {
	if logger == nil {
		return
	}
	logger.Error("compensation failed",
		slog.String("error", err.Error()),
	)
}

// LogDelivery logs the outcome of one message delivery.
func LogDelivery(logger *slog.Logger, queue, eventID, eventType string, attempt int, outcome string, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("queue", queue),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("attempt", attempt),
		slog.String("outcome", outcome),
	}
	if err != nil {
		logger.Warn("delivery failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	logger.Debug("delivery processed", attrs...)
}

// PersistenceWarning logs a failed write of audit state (non-fatal).
func PersistenceWarning(logger *slog.Logger, what, id string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("persist failed",
		slog.String("record", what),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
