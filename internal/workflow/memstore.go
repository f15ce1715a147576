package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/skillflow/model"
)

// MemoryExecutionStore is an in-memory ExecutionStore. History does not
// survive a restart.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]model.WorkflowExecution // key: execution ID
	events     map[string][]model.ExecutionEvent  // key: execution ID
}

// NewMemoryExecutionStore creates a new in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]model.WorkflowExecution),
		events:     make(map[string][]model.ExecutionEvent),
	}
}

// Create persists a new execution.
func (s *MemoryExecutionStore) Create(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}

	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryExecutionStore) Get(_ context.Context, executionID string) (model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[executionID]
	if !exists {
		return model.WorkflowExecution{}, executionNotFound(executionID)
	}
	return exec.Clone(), nil
}

// Update persists an updated execution with optimistic locking.
func (s *MemoryExecutionStore) Update(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists {
		return executionNotFound(exec.ID)
	}

	if existing.Version != exec.Version {
		return versionConflict(exec.ID, exec.Version)
	}

	stored := exec.Clone()
	stored.Version++
	s.executions[exec.ID] = stored
	return nil
}

// AppendEvent adds an event to the execution's audit trail.
func (s *MemoryExecutionStore) AppendEvent(_ context.Context, event model.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], event)
	return nil
}

// GetEvents retrieves all events for an execution, ordered by timestamp.
func (s *MemoryExecutionStore) GetEvents(_ context.Context, executionID string) ([]model.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.executions[executionID]; !exists {
		return nil, executionNotFound(executionID)
	}

	events := s.events[executionID]
	result := make([]model.ExecutionEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// List returns executions matching filters, newest first.
func (s *MemoryExecutionStore) List(_ context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, exec := range s.executions {
		if filters.WorkflowID != "" && exec.WorkflowID != filters.WorkflowID {
			continue
		}
		if filters.Status != "" && exec.Status != filters.Status {
			continue
		}
		result = append(result, exec.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)
	limit, offset := pageBounds(filters)
	if offset >= len(result) {
		return []model.WorkflowExecution{}, total, nil
	}
	result = result[offset:]
	if limit < len(result) {
		result = result[:limit]
	}
	return result, total, nil
}

// Delete removes an execution and its events.
func (s *MemoryExecutionStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[executionID]; !exists {
		return executionNotFound(executionID)
	}

	delete(s.executions, executionID)
	delete(s.events, executionID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryExecutionStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of executions. For testing.
func (s *MemoryExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
