package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/alert"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
)

// DefaultStepTimeout bounds a step when neither the step nor its
// definition sets a timeout.
const DefaultStepTimeout = 30 * time.Second

// Engine runs registered workflows and persists their history.
type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	alerter *alert.Alerter
	now     func() time.Time

	mu        sync.RWMutex
	workflows map[string]registered
}

// registered is the type-erased view of a Workflow the engine needs for
// manual compensation.
type registered interface {
	compensateCompleted(ctx context.Context, exec *Execution, reason string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(e *Engine) { e.spans = s }
}

// WithAlerter sets where compensation failures are reported.
func WithAlerter(a *alert.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine persisting to store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
		workflows: make(map[string]registered),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's execution store.
func (e *Engine) Store() Store { return e.store }

// Workflows returns the registered workflow names in sorted order.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflow is a registered definition bound to an engine.
type Workflow[C any] struct {
	engine *Engine
	def    Definition[C]
}

// Register validates def and binds it to e. Names are unique per engine.
func Register[C any](e *Engine, def Definition[C]) (*Workflow[C], error) {
	if err := def.Validate(); err != nil {
		return nil, lferrors.Validation(err, "saga.Register")
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultStepTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return nil, lferrors.Newf(lferrors.KindConflict, "saga.Register", "workflow %q already registered", def.Name)
	}
	w := &Workflow[C]{engine: e, def: def}
	e.workflows[def.Name] = w
	return w, nil
}

// MustRegister registers a workflow, panicking on error.
func MustRegister[C any](e *Engine, def Definition[C]) *Workflow[C] {
	w, err := Register(e, def)
	if err != nil {
		panic(err)
	}
	return w
}

// Name returns the workflow name.
func (w *Workflow[C]) Name() string { return w.def.Name }

// ExecuteOption configures one execution.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	id       string
	callerID bool
}

// WithExecutionID runs under a caller-chosen ID. If an execution with that
// ID already exists, Execute returns its recorded outcome without running
// any step, which makes re-invocation with the same ID safe.
func WithExecutionID(id string) ExecuteOption {
	return func(c *executeConfig) {
		c.id = id
		c.callerID = true
	}
}

// Execute runs the workflow to completion or to its first failure.
func (w *Workflow[C]) Execute(ctx context.Context, initial C, opts ...ExecuteOption) *Result[C] {
	e := w.engine
	cfg := executeConfig{id: uuid.NewString()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.callerID {
		existing, err := e.store.GetExecution(ctx, cfg.id)
		switch {
		case err == nil:
			return w.resultFrom(existing)
		case !lferrors.Is(err, lferrors.KindNotFound):
			return failedResult[C](cfg.id, initial, "", err)
		}
	}

	start := e.now()
	exec := &Execution{
		ID:           cfg.id,
		WorkflowName: w.def.Name,
		Version:      w.def.Version,
		Context:      mustEncode(initial),
		Status:       StatusRunning,
		StartedAt:    start.UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return failedResult[C](cfg.id, initial, "", err)
	}

	ctx = withExecutionID(ctx, exec.ID)
	ctx, span := e.spans.StartExecutionSpan(ctx, w.def.Name, exec.ID)
	observability.LogExecutionStart(e.logger, w.def.Name, exec.ID)

	for i, step := range w.def.Steps {
		e.record(ctx, exec.ID, step.Name, i, PhaseAction, StepPending, nil, "")
	}

	cur := initial
	for i, step := range w.def.Steps {
		logger := observability.EnrichLogger(e.logger, exec.ID, step.Name, 1)
		e.record(ctx, exec.ID, step.Name, i, PhaseAction, StepRunning, nil, "")
		observability.LogStepStart(logger)

		stepCtx, stepSpan := e.spans.StartStepSpan(ctx, step.Name)
		stepStart := e.now()
		next, err := w.runStep(stepCtx, step, cur)
		elapsed := e.now().Sub(stepStart)
		e.spans.EndSpanWithError(stepSpan, err)
		e.metrics.RecordStep(ctx, w.def.Name, step.Name, elapsed, err)

		if err != nil {
			observability.LogStepError(logger, err)
			e.record(ctx, exec.ID, step.Name, i, PhaseAction, StepFailed, nil, err.Error())

			failedAt := e.now().UTC()
			exec.Status = StatusFailed
			exec.FailedAt = &failedAt
			exec.FailedStep = step.Name
			exec.Error = err.Error()
			exec.ErrorCode = lferrors.Code(err)
			exec.CompensationError = w.compensateAfterFailure(ctx, exec, i, cur)
			e.update(ctx, exec)

			duration := e.now().Sub(start)
			e.metrics.RecordExecution(ctx, w.def.Name, string(StatusFailed), duration)
			observability.LogExecutionError(e.logger, w.def.Name, exec.ID, step.Name, err, float64(duration.Milliseconds()))
			e.spans.EndSpanWithError(span, err)

			return failedResult(exec.ID, cur, step.Name, err)
		}

		cur = next
		e.record(ctx, exec.ID, step.Name, i, PhaseAction, StepCompleted, writtenFields(&cur, step.Writes), "")
		observability.LogStepComplete(logger, float64(elapsed.Microseconds())/1000)

		exec.Context = mustEncode(cur)
		e.update(ctx, exec)
	}

	completedAt := e.now().UTC()
	exec.Status = StatusCompleted
	exec.CompletedAt = &completedAt
	e.update(ctx, exec)

	duration := e.now().Sub(start)
	e.metrics.RecordExecution(ctx, w.def.Name, string(StatusCompleted), duration)
	observability.LogExecutionComplete(e.logger, w.def.Name, exec.ID, float64(duration.Milliseconds()))
	e.spans.EndSpanWithError(span, nil)

	return &Result[C]{
		ExecutionID: exec.ID,
		Status:      StatusCompleted,
		Success:     true,
		Context:     cur,
	}
}

// runStep runs one action on a private copy of the context, bounded by the
// step timeout. A timed-out action keeps running on its copy; its writes
// are discarded.
func (w *Workflow[C]) runStep(ctx context.Context, step Step[C], cur C) (C, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = w.def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	work, err := deepCopy(cur)
	if err != nil {
		return cur, lferrors.Internal(err, "saga.copy_context")
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- lferrors.Newf(lferrors.KindInternal, "step "+step.Name, "panic: %v", r)
			}
		}()
		done <- step.Action(ctx, &work)
	}()

	select {
	case err := <-done:
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && lferrors.KindOf(err) == lferrors.KindInternal {
				err = lferrors.Transient(fmt.Errorf("step exceeded %s: %w", timeout, err), "step "+step.Name)
			}
			return cur, err
		}
	case <-ctx.Done():
		return cur, lferrors.Transient(fmt.Errorf("step exceeded %s: %w", timeout, ctx.Err()), "step "+step.Name)
	}

	changed, err := changedFields(&cur, &work)
	if err != nil {
		return cur, lferrors.Internal(err, "saga.diff_context")
	}
	for _, f := range changed {
		if !slices.Contains(step.Writes, f) {
			return cur, lferrors.Newf(lferrors.KindInternal, "step "+step.Name, "wrote undeclared field %q", f)
		}
	}
	return work, nil
}

// compensateAfterFailure runs the compensations the definition's mode calls
// for and returns the joined compensation failures.
func (w *Workflow[C]) compensateAfterFailure(ctx context.Context, exec *Execution, failed int, cur C) string {
	order := []int{failed}
	if w.def.Compensation == CompensateChain {
		for j := failed - 1; j >= 0; j-- {
			order = append(order, j)
		}
	}
	return w.compensate(ctx, exec, order, cur)
}

// compensate runs compensations of the steps in order. Failures are logged,
// recorded and alerted, never propagated.
func (w *Workflow[C]) compensate(ctx context.Context, exec *Execution, order []int, cur C) string {
	e := w.engine
	ctx = context.WithoutCancel(ctx)

	var failures []string
	for _, i := range order {
		step := w.def.Steps[i]
		if step.Compensation == nil {
			continue
		}

		err := w.runCompensation(ctx, step, cur)
		e.metrics.RecordCompensation(ctx, w.def.Name, step.Name, err)
		if err == nil {
			e.record(ctx, exec.ID, step.Name, i, PhaseCompensation, StepCompensated, nil, "")
			continue
		}

		failures = append(failures, fmt.Sprintf("%s: %s", step.Name, err.Error()))
		e.record(ctx, exec.ID, step.Name, i, PhaseCompensation, StepFailed, nil, err.Error())
		observability.LogCompensationError(observability.EnrichLogger(e.logger, exec.ID, step.Name, 1), err)
		_ = e.alerter.Raise(ctx, alert.KindCompensationFailed, exec.ID,
			fmt.Sprintf("compensation of %s.%s failed", w.def.Name, step.Name),
			map[string]any{
				"workflow":     w.def.Name,
				"execution_id": exec.ID,
				"step":         step.Name,
				"error":        err.Error(),
			})
	}
	return strings.Join(failures, "; ")
}

func (w *Workflow[C]) runCompensation(ctx context.Context, step Step[C], cur C) (err error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = w.def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	work, err := deepCopy(cur)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = lferrors.Newf(lferrors.KindInternal, "compensate "+step.Name, "panic: %v", r)
		}
	}()
	return step.Compensation(ctx, &work)
}

// compensateCompleted undoes a completed execution: every completed step
// with a compensation, in reverse order.
func (w *Workflow[C]) compensateCompleted(ctx context.Context, exec *Execution, reason string) error {
	e := w.engine
	if exec.Version != w.def.Version {
		return lferrors.Newf(lferrors.KindConflict, "saga.Compensate",
			"execution %s has version %d, workflow %s is at %d", exec.ID, exec.Version, w.def.Name, w.def.Version)
	}
	var cur C
	if err := json.Unmarshal(exec.Context, &cur); err != nil {
		return lferrors.Internal(fmt.Errorf("decode context: %w", err), "saga.Compensate")
	}

	ctx = withExecutionID(ctx, exec.ID)
	history, err := e.store.Steps(ctx, exec.ID)
	if err != nil {
		return err
	}
	completed := make(map[int]bool)
	for _, r := range history {
		if r.Phase == PhaseAction && r.Status == StepCompleted {
			completed[r.StepIndex] = true
		}
	}
	var order []int
	for i := len(w.def.Steps) - 1; i >= 0; i-- {
		if completed[i] {
			order = append(order, i)
		}
	}

	exec.CompensationError = w.compensate(ctx, exec, order, cur)
	exec.Error = reason
	if exec.CompensationError != "" {
		failedAt := e.now().UTC()
		exec.Status = StatusFailed
		exec.FailedAt = &failedAt
	} else {
		exec.Status = StatusCompensated
	}
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.metrics.RecordExecution(ctx, w.def.Name, string(exec.Status), 0)
	if exec.CompensationError != "" {
		return lferrors.Newf(lferrors.KindInternal, "saga.Compensate", "%s", exec.CompensationError)
	}
	return nil
}

// Compensate undoes a completed execution by running every completed
// step's compensation in reverse order. The execution ends compensated, or
// failed if a compensation fails.
func (e *Engine) Compensate(ctx context.Context, executionID, reason string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusCompleted {
		return lferrors.Newf(lferrors.KindConflict, "saga.Compensate",
			"execution %s is %s, only completed executions can be compensated", executionID, exec.Status)
	}

	e.mu.RLock()
	w, ok := e.workflows[exec.WorkflowName]
	e.mu.RUnlock()
	if !ok {
		return lferrors.Newf(lferrors.KindNotFound, "saga.Compensate", "workflow %q not registered", exec.WorkflowName)
	}
	return w.compensateCompleted(ctx, exec, reason)
}

// resultFrom rebuilds a Result from a stored execution.
func (w *Workflow[C]) resultFrom(exec *Execution) *Result[C] {
	res := &Result[C]{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Success:     exec.Status == StatusCompleted,
		FailedStep:  exec.FailedStep,
		ErrorCode:   exec.ErrorCode,
		Message:     exec.Error,
	}
	if exec.WorkflowName != w.def.Name {
		res.Success = false
		res.Err = lferrors.Newf(lferrors.KindConflict, "saga.Execute",
			"execution %s belongs to workflow %s", exec.ID, exec.WorkflowName)
		res.ErrorCode = lferrors.Code(res.Err)
		res.Message = res.Err.Error()
		return res
	}
	if err := json.Unmarshal(exec.Context, &res.Context); err != nil {
		res.Success = false
		res.Err = lferrors.Internal(fmt.Errorf("decode context: %w", err), "saga.Execute")
		res.ErrorCode = lferrors.Code(res.Err)
		res.Message = res.Err.Error()
		return res
	}
	if !res.Success && exec.Error != "" {
		res.Err = errors.New(exec.Error)
	}
	return res
}

func failedResult[C any](id string, c C, step string, err error) *Result[C] {
	return &Result[C]{
		ExecutionID: id,
		Status:      StatusFailed,
		Context:     c,
		FailedStep:  step,
		ErrorCode:   lferrors.Code(err),
		Message:     err.Error(),
		Err:         err,
	}
}

// record appends a step transition. History is audit data; a failed write
// is logged rather than failing the workflow.
func (e *Engine) record(ctx context.Context, executionID, step string, index int, phase Phase, status StepStatus, result json.RawMessage, errMsg string) {
	err := e.store.AppendStep(context.WithoutCancel(ctx), StepRecord{
		ExecutionID: executionID,
		StepName:    step,
		StepIndex:   index,
		Phase:       phase,
		Status:      status,
		Result:      result,
		Error:       errMsg,
		RecordedAt:  e.now().UTC(),
	})
	if err != nil {
		observability.PersistenceWarning(e.logger, "step", executionID+"/"+step, err)
	}
}

func (e *Engine) update(ctx context.Context, exec *Execution) {
	if err := e.store.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		observability.PersistenceWarning(e.logger, "execution", exec.ID, err)
	}
}

func mustEncode(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func deepCopy[C any](c C) (C, error) {
	var out C
	data, err := json.Marshal(c)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// writtenFields encodes the declared writes of c as a JSON object.
func writtenFields[C any](c *C, writes []string) json.RawMessage {
	if len(writes) == 0 {
		return nil
	}
	all, err := toFieldMap(c)
	if err != nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(writes))
	for _, f := range writes {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return mustEncode(out)
}
