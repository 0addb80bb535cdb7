// Package saga executes fixed, code-registered workflows whose steps touch
// independently failing systems.
//
// A workflow is an ordered list of steps over one typed context struct.
// Each step has a forward action and an optional compensation. Steps run
// strictly in order; the first failure stops the workflow and runs
// compensations. Every execution and every step transition is persisted so
// that the execution record is the single answer to "did this finish".
//
// Steps declare the context fields they read and write. Registration
// rejects a step that reads a field no earlier step (or the caller) fills,
// and execution rejects a step that writes a field it did not declare.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type executionIDKey struct{}

// ExecutionIDFrom returns the ID of the execution whose step action or
// compensation received ctx, or "" outside an execution. Steps use it to
// tag the rows and postings they create so that compensation touches only
// those.
func ExecutionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}

func withExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// Status is the state of a workflow execution.
type Status string

// Execution status constants.
const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCompensated Status = "compensated"
)

// StepStatus is the state recorded for one step transition.
type StepStatus string

// Step status constants.
const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Phase distinguishes forward actions from compensations in step history.
type Phase string

// Step phases.
const (
	PhaseAction       Phase = "action"
	PhaseCompensation Phase = "compensation"
)

// CompensationMode selects which compensations run after a step fails.
type CompensationMode int

const (
	// CompensateChain runs the failing step's compensation, then the
	// compensations of every completed step in reverse order.
	CompensateChain CompensationMode = iota

	// CompensateFailedStep runs only the failing step's compensation.
	// Earlier steps keep their effects.
	CompensateFailedStep
)

func (m CompensationMode) String() string {
	if m == CompensateFailedStep {
		return "failed_step"
	}
	return "chain"
}

// Step is one unit of a workflow over context type C.
type Step[C any] struct {
	// Name identifies the step within its workflow.
	Name string

	// Reads and Writes list the JSON field names of C the step uses.
	Reads  []string
	Writes []string

	// Action performs the forward work. It mutates a copy of the
	// context; the copy replaces the context only if Action succeeds.
	Action func(ctx context.Context, c *C) error

	// Compensation semantically undoes Action. Optional. It must be safe
	// to run even if Action's external call later succeeds.
	Compensation func(ctx context.Context, c *C) error

	// Timeout bounds Action. Zero uses the definition default.
	Timeout time.Duration
}

// Definition is an immutable workflow over context type C.
type Definition[C any] struct {
	// Name identifies the workflow.
	Name string

	// Version is stored on every execution. Bump it when C changes shape.
	Version int

	// Inputs lists the fields of C the caller supplies.
	Inputs []string

	// Steps run in order.
	Steps []Step[C]

	// Timeout is the default per-step timeout.
	// Default: 30s
	Timeout time.Duration

	// Compensation selects the compensation mode.
	// Default: CompensateChain
	Compensation CompensationMode
}

// Validate checks names, uniqueness and the read/write contract.
func (d *Definition[C]) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s must have at least one step", d.Name)
	}

	fields, err := jsonFields[C]()
	if err != nil {
		return fmt.Errorf("workflow %s: %w", d.Name, err)
	}
	available := make(map[string]bool)
	for _, f := range d.Inputs {
		if !fields[f] {
			return fmt.Errorf("workflow %s: input %q is not a field of the context", d.Name, f)
		}
		available[f] = true
	}

	seen := make(map[string]bool)
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow %s step %d: name is required", d.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Action == nil {
			return fmt.Errorf("workflow %s step %s: action is required", d.Name, step.Name)
		}
		for _, f := range step.Reads {
			if !fields[f] {
				return fmt.Errorf("workflow %s step %s: reads unknown field %q", d.Name, step.Name, f)
			}
			if !available[f] {
				return fmt.Errorf("workflow %s step %s: reads %q before any step writes it", d.Name, step.Name, f)
			}
		}
		for _, f := range step.Writes {
			if !fields[f] {
				return fmt.Errorf("workflow %s step %s: writes unknown field %q", d.Name, step.Name, f)
			}
			available[f] = true
		}
	}
	return nil
}

// jsonFields returns the top-level JSON field names of struct type C.
func jsonFields[C any]() (map[string]bool, error) {
	t := reflect.TypeOf((*C)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("context type %s must be a struct", t)
	}
	out := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = true
	}
	return out, nil
}

// changedFields returns the JSON fields whose encoded value differs between
// before and after.
func changedFields[C any](before, after *C) ([]string, error) {
	b, err := toFieldMap(before)
	if err != nil {
		return nil, err
	}
	a, err := toFieldMap(after)
	if err != nil {
		return nil, err
	}
	var changed []string
	for k, av := range a {
		if bv, ok := b[k]; !ok || string(bv) != string(av) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed, nil
}

func toFieldMap(v any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Execution is the persisted record of one workflow invocation.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowName      string          `json:"workflow_name"`
	Version           int             `json:"version"`
	Context           json.RawMessage `json:"context"`
	Status            Status          `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	FailedStep        string          `json:"failed_step,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Context = append(json.RawMessage(nil), e.Context...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	if e.FailedAt != nil {
		t := *e.FailedAt
		c.FailedAt = &t
	}
	return &c
}

// StepRecord is one append-only entry of step history.
type StepRecord struct {
	ExecutionID string          `json:"execution_id"`
	StepName    string          `json:"step_name"`
	StepIndex   int             `json:"step_index"`
	Phase       Phase           `json:"phase"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Result is what a caller gets back from Execute.
type Result[C any] struct {
	ExecutionID string `json:"executionId"`
	Status      Status `json:"status"`
	Success     bool   `json:"success"`
	Context     C      `json:"context"`
	FailedStep  string `json:"failedStep,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Message     string `json:"message,omitempty"`

	// Err is the step failure, if any.
	Err error `json:"-"`
}
