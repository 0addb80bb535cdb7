package saga

import (
	"context"
	"sort"
	"sync"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// Store persists executions and their step history.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateExecution persists a new execution. A duplicate ID is a Conflict.
	CreateExecution(ctx context.Context, exec *Execution) error

	// UpdateExecution replaces the mutable fields of an execution.
	UpdateExecution(ctx context.Context, exec *Execution) error

	// GetExecution retrieves an execution by ID or returns NotFound.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching filter, newest first.
	ListExecutions(ctx context.Context, filter *ListFilter) ([]*Execution, error)

	// AppendStep adds one entry to an execution's step history.
	AppendStep(ctx context.Context, rec StepRecord) error

	// Steps returns an execution's step history in append order.
	Steps(ctx context.Context, executionID string) ([]StepRecord, error)
}

// ListFilter specifies criteria for listing executions.
type ListFilter struct {
	// WorkflowName filters by workflow.
	WorkflowName string

	// Status filters by execution status.
	Status Status

	// Limit is the maximum number of results.
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	steps      map[string][]StepRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		steps:      make(map[string][]StepRecord),
	}
}

// CreateExecution persists a new execution.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	if exec.ID == "" {
		return lferrors.Newf(lferrors.KindValidation, "saga.CreateExecution", "execution ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return lferrors.Newf(lferrors.KindConflict, "saga.CreateExecution", "execution %q already exists", exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// UpdateExecution persists changes to an existing execution.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		return lferrors.Newf(lferrors.KindNotFound, "saga.UpdateExecution", "execution %q not found", exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, exists := s.executions[id]
	if !exists {
		return nil, lferrors.Newf(lferrors.KindNotFound, "saga.GetExecution", "execution %q not found", id)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, filter *ListFilter) ([]*Execution, error) {
	s.mu.RLock()
	var result []*Execution
	for _, exec := range s.executions {
		if filter != nil {
			if filter.WorkflowName != "" && exec.WorkflowName != filter.WorkflowName {
				continue
			}
			if filter.Status != "" && exec.Status != filter.Status {
				continue
			}
		}
		result = append(result, exec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Execution{}, nil
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}
	return result, nil
}

// AppendStep adds one history entry.
func (s *MemoryStore) AppendStep(_ context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[rec.ExecutionID]; !exists {
		return lferrors.Newf(lferrors.KindNotFound, "saga.AppendStep", "execution %q not found", rec.ExecutionID)
	}
	s.steps[rec.ExecutionID] = append(s.steps[rec.ExecutionID], rec)
	return nil
}

// Steps returns the step history in append order.
func (s *MemoryStore) Steps(_ context.Context, executionID string) ([]StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, exists := s.executions[executionID]; !exists {
		return nil, lferrors.Newf(lferrors.KindNotFound, "saga.Steps", "execution %q not found", executionID)
	}
	return append([]StepRecord(nil), s.steps[executionID]...), nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// LatestSteps folds a history into the latest record per step and phase,
// ordered by step index with actions before compensations.
func LatestSteps(history []StepRecord) []StepRecord {
	type key struct {
		index int
		phase Phase
	}
	latest := make(map[key]StepRecord)
	for _, r := range history {
		latest[key{r.StepIndex, r.Phase}] = r
	}
	out := make([]StepRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].Phase == PhaseAction && out[j].Phase != PhaseAction
	})
	return out
}
