package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/skillflow/model"
)

// PgExecutionStore is a PostgreSQL-backed ExecutionStore using pgx/v5.
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore creates a new PostgreSQL execution store.
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

// executionState is the JSONB payload of an execution row.
type executionState struct {
	GlobalInputs   map[string]string           `json:"global_inputs"`
	StepOutputs    map[string]string           `json:"step_outputs"`
	StepStatuses   map[string]model.StepStatus `json:"step_statuses"`
	StepErrors     map[string]string           `json:"step_errors,omitempty"`
	SkipReasons    map[string]string           `json:"skip_reasons,omitempty"`
	AwaitingReview []string                    `json:"awaiting_review,omitempty"`
	Options        model.RunOptions            `json:"options"`
}

func stateOf(exec model.WorkflowExecution) ([]byte, error) {
	return json.Marshal(executionState{
		GlobalInputs:   exec.GlobalInputs,
		StepOutputs:    exec.StepOutputs,
		StepStatuses:   exec.StepStatuses,
		StepErrors:     exec.StepErrors,
		SkipReasons:    exec.SkipReasons,
		AwaitingReview: exec.AwaitingReview,
		Options:        exec.Options,
	})
}

func applyState(exec *model.WorkflowExecution, raw []byte) error {
	if raw == nil {
		return nil
	}
	var st executionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	exec.GlobalInputs = st.GlobalInputs
	exec.StepOutputs = st.StepOutputs
	exec.StepStatuses = st.StepStatuses
	exec.StepErrors = st.StepErrors
	exec.SkipReasons = st.SkipReasons
	exec.AwaitingReview = st.AwaitingReview
	exec.Options = st.Options
	return nil
}

const executionColumns = `id, workflow_id, workflow_name, status, current_stage, total_stages,
	       state, error, idempotency_key, version,
	       created_at, started_at, updated_at, completed_at`

// Create inserts a new execution.
func (s *PgExecutionStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	stateJSON, err := stateOf(exec)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, workflow_name, status, current_stage, total_stages,
			state, error, idempotency_key, version,
			created_at, started_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)`,
		exec.ID, exec.WorkflowID, exec.WorkflowName, exec.Status, exec.CurrentStage, exec.TotalStages,
		stateJSON, exec.Error, exec.IdempotencyKey, exec.Version,
		exec.CreatedAt, exec.StartedAt, exec.UpdatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *PgExecutionStore) Get(ctx context.Context, executionID string) (model.WorkflowExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`,
		executionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, executionNotFound(executionID)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// Update persists an updated execution with optimistic locking.
func (s *PgExecutionStore) Update(ctx context.Context, exec model.WorkflowExecution) error {
	stateJSON, err := stateOf(exec)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $1,
			current_stage = $2,
			total_stages = $3,
			state = $4,
			error = $5,
			version = $6,
			started_at = $7,
			updated_at = $8,
			completed_at = $9
		WHERE id = $10 AND version = $11`,
		exec.Status, exec.CurrentStage, exec.TotalStages, stateJSON, exec.Error, exec.Version+1,
		exec.StartedAt, exec.UpdatedAt, exec.CompletedAt,
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(exec.ID, exec.Version)
	}
	return nil
}

// AppendEvent adds an event to the execution audit trail.
func (s *PgExecutionStore) AppendEvent(ctx context.Context, event model.ExecutionEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_events (
			id, execution_id, step_id, event, data, message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.ExecutionID, event.StepID, event.Event,
		dataJSON, event.Message, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert execution event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an execution.
func (s *PgExecutionStore) GetEvents(ctx context.Context, executionID string) ([]model.ExecutionEvent, error) {
	if _, err := s.Get(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, step_id, event, data, message, created_at
		FROM execution_events
		WHERE execution_id = $1
		ORDER BY created_at ASC, seq ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query execution events: %w", err)
	}
	defer rows.Close()

	var events []model.ExecutionEvent
	for rows.Next() {
		var evt model.ExecutionEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.ExecutionID, &evt.StepID, &evt.Event,
			&dataJSON, &evt.Message, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan execution event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// List returns executions matching filters, newest first.
func (s *PgExecutionStore) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	var where []string
	var args []any
	if filters.WorkflowID != "" {
		args = append(args, filters.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_executions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	limit, offset := pageBounds(filters)
	args = append(args, limit, offset)
	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + clause +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	executions := []model.WorkflowExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	return executions, total, rows.Err()
}

// Delete removes an execution. Its events go with it through the foreign key.
func (s *PgExecutionStore) Delete(ctx context.Context, executionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_executions WHERE id = $1`, executionID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return executionNotFound(executionID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgExecutionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var stateJSON []byte
	var startedAt, completedAt *time.Time

	if err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.WorkflowName, &exec.Status, &exec.CurrentStage, &exec.TotalStages,
		&stateJSON, &exec.Error, &exec.IdempotencyKey, &exec.Version,
		&exec.CreatedAt, &startedAt, &exec.UpdatedAt, &completedAt,
	); err != nil {
		return model.WorkflowExecution{}, err
	}
	exec.StartedAt = startedAt
	exec.CompletedAt = completedAt

	if err := applyState(&exec, stateJSON); err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("unmarshal state: %w", err)
	}
	return exec, nil
}
