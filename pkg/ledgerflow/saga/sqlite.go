package saga

import (
	"context"
	"database/sql"
	"strings"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id                 TEXT PRIMARY KEY,
		workflow_name      TEXT NOT NULL,
		version            INTEGER NOT NULL,
		context            TEXT NOT NULL,
		status             TEXT NOT NULL,
		started_at         TEXT NOT NULL,
		completed_at       TEXT,
		failed_at          TEXT,
		failed_step        TEXT NOT NULL DEFAULT '',
		error              TEXT NOT NULL DEFAULT '',
		error_code         TEXT NOT NULL DEFAULT '',
		compensation_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_name
		ON workflow_executions(workflow_name, status)`,
	`CREATE TABLE IF NOT EXISTS step_executions (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL REFERENCES workflow_executions(id),
		step_name    TEXT NOT NULL,
		step_index   INTEGER NOT NULL,
		phase        TEXT NOT NULL,
		status       TEXT NOT NULL,
		result       TEXT,
		error        TEXT NOT NULL DEFAULT '',
		recorded_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_step_executions_execution
		ON step_executions(execution_id, seq)`,
}

// SQLiteStore persists executions in SQLite. Rows are never deleted.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the saga tables if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := store.EnsureSchema(ctx, db, schema...); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// CreateExecution inserts a new execution.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		return lferrors.Newf(lferrors.KindValidation, "saga.CreateExecution", "execution ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_name, version, context, status, started_at, completed_at, failed_at,
			 failed_step, error, error_code, compensation_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowName, exec.Version, string(exec.Context), string(exec.Status),
		store.FormatTime(exec.StartedAt), store.NullTime(exec.CompletedAt), store.NullTime(exec.FailedAt),
		exec.FailedStep, exec.Error, exec.ErrorCode, exec.CompensationError)
	return store.Classify(err, "saga.CreateExecution")
}

// UpdateExecution replaces the mutable fields of an execution.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET context = ?, status = ?, completed_at = ?, failed_at = ?,
		    failed_step = ?, error = ?, error_code = ?, compensation_error = ?
		WHERE id = ?`,
		string(exec.Context), string(exec.Status), store.NullTime(exec.CompletedAt), store.NullTime(exec.FailedAt),
		exec.FailedStep, exec.Error, exec.ErrorCode, exec.CompensationError, exec.ID)
	if err != nil {
		return store.Classify(err, "saga.UpdateExecution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lferrors.Newf(lferrors.KindNotFound, "saga.UpdateExecution", "execution %q not found", exec.ID)
	}
	return nil
}

const executionColumns = `id, workflow_name, version, context, status, started_at, completed_at,
	failed_at, failed_step, error, error_code, compensation_error`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	var (
		exec                   Execution
		ctxJSON, status, start string
		completed, failed      sql.NullString
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowName, &exec.Version, &ctxJSON, &status, &start,
		&completed, &failed, &exec.FailedStep, &exec.Error, &exec.ErrorCode, &exec.CompensationError); err != nil {
		return nil, err
	}
	exec.Context = []byte(ctxJSON)
	exec.Status = Status(status)
	exec.StartedAt = store.ParseTime(start)
	exec.CompletedAt = store.ParseNullTime(completed)
	exec.FailedAt = store.ParseNullTime(failed)
	return &exec, nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, store.Classify(err, "saga.GetExecution")
	}
	return exec, nil
}

// ListExecutions returns executions matching filter, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter *ListFilter) ([]*Execution, error) {
	var (
		where []string
		args  []any
	)
	limit, offset := -1, 0
	if filter != nil {
		if filter.WorkflowName != "" {
			where = append(where, "workflow_name = ?")
			args = append(args, filter.WorkflowName)
		}
		if filter.Status != "" {
			where = append(where, "status = ?")
			args = append(args, string(filter.Status))
		}
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		offset = filter.Offset
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(err, "saga.ListExecutions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, store.Classify(err, "saga.ListExecutions")
		}
		out = append(out, exec)
	}
	return out, store.Classify(rows.Err(), "saga.ListExecutions")
}

// AppendStep inserts one history row.
func (s *SQLiteStore) AppendStep(ctx context.Context, rec StepRecord) error {
	var result sql.NullString
	if len(rec.Result) > 0 {
		result = sql.NullString{String: string(rec.Result), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_executions
			(execution_id, step_name, step_index, phase, status, result, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.StepName, rec.StepIndex, string(rec.Phase), string(rec.Status),
		result, rec.Error, store.FormatTime(rec.RecordedAt))
	return store.Classify(err, "saga.AppendStep")
}

// Steps returns the step history in append order.
func (s *SQLiteStore) Steps(ctx context.Context, executionID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_name, step_index, phase, status, result, error, recorded_at
		FROM step_executions WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, store.Classify(err, "saga.Steps")
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var (
			rec               StepRecord
			phase, status, at string
			result            sql.NullString
		)
		if err := rows.Scan(&rec.ExecutionID, &rec.StepName, &rec.StepIndex, &phase, &status,
			&result, &rec.Error, &at); err != nil {
			return nil, store.Classify(err, "saga.Steps")
		}
		rec.Phase = Phase(phase)
		rec.Status = StepStatus(status)
		if result.Valid {
			rec.Result = []byte(result.String)
		}
		rec.RecordedAt = store.ParseTime(at)
		out = append(out, rec)
	}
	return out, store.Classify(rows.Err(), "saga.Steps")
}

var _ Store = (*SQLiteStore)(nil)
