package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/skillflow/model"
)

// ExecutionStore persists workflow executions and their events.
type ExecutionStore interface {
	// Create persists a new execution.
	Create(ctx context.Context, exec model.WorkflowExecution) error

	// Get retrieves an execution by ID. Returns EXECUTION_NOT_FOUND if the
	// execution doesn't exist.
	Get(ctx context.Context, executionID string) (model.WorkflowExecution, error)

	// Update persists an updated execution with optimistic locking.
	// The version must match the current stored version. Returns CONFLICT if
	// the version has changed. On success the stored version is incremented.
	Update(ctx context.Context, exec model.WorkflowExecution) error

	// AppendEvent adds an event to the execution's audit trail.
	AppendEvent(ctx context.Context, event model.ExecutionEvent) error

	// GetEvents retrieves all events for an execution, oldest first.
	GetEvents(ctx context.Context, executionID string) ([]model.ExecutionEvent, error)

	// List returns executions matching filters, newest first, together with
	// the total number of matches before pagination.
	List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error)

	// Delete removes an execution and its events.
	Delete(ctx context.Context, executionID string) error
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// pageBounds converts page/page_size filters into a limit and offset.
func pageBounds(f model.ExecutionFilters) (limit, offset int) {
	limit = f.PageSize
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	page := max(f.Page, 1)
	return limit, (page - 1) * limit
}

func executionNotFound(executionID string) *model.ErrorEnvelope {
	return &model.ErrorEnvelope{
		Code:    model.ErrExecutionNotFound,
		Message: fmt.Sprintf("execution %q not found", executionID),
	}
}

func versionConflict(executionID string, version int) *model.ErrorEnvelope {
	return model.NewConflictError(
		fmt.Sprintf("execution %q version conflict (expected %d)", executionID, version),
	)
}
