package model

import (
	"maps"
	"slices"
	"time"
)

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

// Execution status constants.
const (
	ExecutionCollectingInputs ExecutionStatus = "collecting_inputs"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionPaused           ExecutionStatus = "paused"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionError            ExecutionStatus = "error"
	ExecutionCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionError || s == ExecutionCancelled
}

// StepStatus is the state of a single step within a run.
type StepStatus string

// Step status constants.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepError     StepStatus = "error"
)

// RunOptions is the configuration handed to every skill invocation of a run.
// It is fixed at run start.
type RunOptions struct {
	Provider string            `json:"provider,omitempty"`
	Model    string            `json:"model,omitempty"`
	KeyMode  string            `json:"key_mode,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// WorkflowExecution is the state of one run of a workflow.
type WorkflowExecution struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	WorkflowName   string                `json:"workflow_name"`
	Status         ExecutionStatus       `json:"status"`
	CurrentStage   int                   `json:"current_stage"`
	TotalStages    int                   `json:"total_stages"`
	GlobalInputs   map[string]string     `json:"global_inputs"`
	StepOutputs    map[string]string     `json:"step_outputs"`
	StepStatuses   map[string]StepStatus `json:"step_statuses"`
	StepErrors     map[string]string     `json:"step_errors,omitempty"`
	SkipReasons    map[string]string     `json:"skip_reasons,omitempty"`
	AwaitingReview []string              `json:"awaiting_review,omitempty"`
	Error          string                `json:"error,omitempty"`
	Options        RunOptions            `json:"options"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Version        int                   `json:"version"`
}

// Clone returns a deep copy safe to hand to observers.
func (e *WorkflowExecution) Clone() WorkflowExecution {
	c := *e
	c.GlobalInputs = maps.Clone(e.GlobalInputs)
	c.StepOutputs = maps.Clone(e.StepOutputs)
	c.StepStatuses = maps.Clone(e.StepStatuses)
	c.StepErrors = maps.Clone(e.StepErrors)
	c.SkipReasons = maps.Clone(e.SkipReasons)
	c.AwaitingReview = slices.Clone(e.AwaitingReview)
	c.Options.Labels = maps.Clone(e.Options.Labels)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// ExecutionSummary is a lightweight representation of a run used in list views.
type ExecutionSummary struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	CurrentStage int             `json:"current_stage"`
	TotalStages  int             `json:"total_stages"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Summary returns the list-view form of the execution.
func (e *WorkflowExecution) Summary() ExecutionSummary {
	return ExecutionSummary{
		ID:           e.ID,
		WorkflowID:   e.WorkflowID,
		WorkflowName: e.WorkflowName,
		Status:       e.Status,
		CurrentStage: e.CurrentStage,
		TotalStages:  e.TotalStages,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// Execution event names recorded in the audit trail.
const (
	EventCreated        = "created"
	EventInputsSupplied = "inputs_supplied"
	EventStarted        = "started"
	EventPlanDegraded   = "plan_degraded"
	EventStageStarted   = "stage_started"
	EventStepCompleted  = "step_completed"
	EventStepSkipped    = "step_skipped"
	EventStepFailed     = "step_failed"
	EventPaused         = "paused"
	EventAcknowledged   = "acknowledged"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
)

// ExecutionEvent records an event in a run's audit trail.
type ExecutionEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Event       string         `json:"event"`
	Data        map[string]any `json:"data,omitempty"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionFilters describes filters for listing executions.
type ExecutionFilters struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     ExecutionStatus `json:"status,omitempty"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
}
