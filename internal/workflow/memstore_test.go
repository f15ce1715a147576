package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/skillflow/model"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testExecution(id, workflowID string, created time.Time) model.WorkflowExecution {
	return model.WorkflowExecution{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: "Job Application",
		Status:       model.ExecutionRunning,
		TotalStages:  3,
		GlobalInputs: map[string]string{"company": "Acme"},
		StepOutputs:  map[string]string{"research_out": "notes"},
		StepStatuses: map[string]model.StepStatus{"research": model.StepCompleted},
		StepErrors:   map[string]string{},
		SkipReasons:  map[string]string{},
		Options:      model.RunOptions{KeyMode: "personal"},
		CreatedAt:    created,
		UpdatedAt:    created,
		Version:      1,
	}
}

// --- Create ---

func TestMemoryExecutionStore_Create(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := testExecution("exec-1", "job-application", baseTime)

	if err := store.Create(context.Background(), exec); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryExecutionStore_Create_duplicate(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := testExecution("exec-1", "job-application", baseTime)

	_ = store.Create(context.Background(), exec)
	err := store.Create(context.Background(), exec)
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want %s", err, model.ErrConflict)
	}
}

// --- Get ---

func TestMemoryExecutionStore_Get(t *testing.T) {
	store := NewMemoryExecutionStore()
	_ = store.Create(context.Background(), testExecution("exec-1", "job-application", baseTime))

	got, err := store.Get(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.StepOutputs["research_out"] != "notes" {
		t.Errorf("StepOutputs = %v", got.StepOutputs)
	}
	if got.Options.KeyMode != "personal" {
		t.Errorf("KeyMode = %q", got.Options.KeyMode)
	}
}

func TestMemoryExecutionStore_Get_notFound(t *testing.T) {
	store := NewMemoryExecutionStore()

	_, err := store.Get(context.Background(), "missing")
	if !model.HasCode(err, model.ErrExecutionNotFound) {
		t.Errorf("error = %v, want %s", err, model.ErrExecutionNotFound)
	}
}

func TestMemoryExecutionStore_Get_returnsCopy(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := testExecution("exec-1", "job-application", baseTime)
	_ = store.Create(context.Background(), exec)

	exec.StepOutputs["research_out"] = "changed after create"
	got, _ := store.Get(context.Background(), "exec-1")
	got.GlobalInputs["company"] = "changed after get"

	again, _ := store.Get(context.Background(), "exec-1")
	if again.StepOutputs["research_out"] != "notes" {
		t.Errorf("StepOutputs leaked: %v", again.StepOutputs)
	}
	if again.GlobalInputs["company"] != "Acme" {
		t.Errorf("GlobalInputs leaked: %v", again.GlobalInputs)
	}
}

// --- Update ---

func TestMemoryExecutionStore_Update(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := testExecution("exec-1", "job-application", baseTime)
	_ = store.Create(context.Background(), exec)

	exec.Status = model.ExecutionPaused
	exec.AwaitingReview = []string{"research"}
	if err := store.Update(context.Background(), exec); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got, _ := store.Get(context.Background(), "exec-1")
	if got.Status != model.ExecutionPaused {
		t.Errorf("Status = %s", got.Status)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestMemoryExecutionStore_Update_versionConflict(t *testing.T) {
	store := NewMemoryExecutionStore()
	exec := testExecution("exec-1", "job-application", baseTime)
	_ = store.Create(context.Background(), exec)
	_ = store.Update(context.Background(), exec)

	// exec still carries version 1.
	err := store.Update(context.Background(), exec)
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want %s", err, model.ErrConflict)
	}
}

func TestMemoryExecutionStore_Update_notFound(t *testing.T) {
	store := NewMemoryExecutionStore()

	err := store.Update(context.Background(), testExecution("exec-1", "job-application", baseTime))
	if !model.HasCode(err, model.ErrExecutionNotFound) {
		t.Errorf("error = %v, want %s", err, model.ErrExecutionNotFound)
	}
}

// --- Events ---

func TestMemoryExecutionStore_Events(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	_ = store.Create(ctx, testExecution("exec-1", "job-application", baseTime))

	_ = store.AppendEvent(ctx, model.ExecutionEvent{ID: "e2", ExecutionID: "exec-1", Event: model.EventStarted, Timestamp: baseTime.Add(time.Second)})
	_ = store.AppendEvent(ctx, model.ExecutionEvent{ID: "e1", ExecutionID: "exec-1", Event: model.EventCreated, Timestamp: baseTime})
	_ = store.AppendEvent(ctx, model.ExecutionEvent{ID: "e3", ExecutionID: "exec-1", Event: model.EventStageStarted, Timestamp: baseTime.Add(time.Second)})

	events, err := store.GetEvents(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetEvents error: %v", err)
	}
	want := []string{"e1", "e2", "e3"}
	if len(events) != len(want) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(want))
	}
	for i, id := range want {
		if events[i].ID != id {
			t.Errorf("events[%d].ID = %q, want %q", i, events[i].ID, id)
		}
	}
}

func TestMemoryExecutionStore_GetEvents_notFound(t *testing.T) {
	store := NewMemoryExecutionStore()

	_, err := store.GetEvents(context.Background(), "missing")
	if !model.HasCode(err, model.ErrExecutionNotFound) {
		t.Errorf("error = %v, want %s", err, model.ErrExecutionNotFound)
	}
}

// --- List ---

func TestMemoryExecutionStore_List(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	for i, id := range []string{"exec-1", "exec-2", "exec-3"} {
		_ = store.Create(ctx, testExecution(id, "job-application", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	other := testExecution("exec-4", "cover-letter", baseTime)
	other.Status = model.ExecutionCompleted
	_ = store.Create(ctx, other)

	execs, total, err := store.List(ctx, model.ExecutionFilters{WorkflowID: "job-application"})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(execs) != 3 || execs[0].ID != "exec-3" || execs[2].ID != "exec-1" {
		t.Errorf("order = %v, want newest first", ids(execs))
	}

	execs, total, _ = store.List(ctx, model.ExecutionFilters{Status: model.ExecutionCompleted})
	if total != 1 || execs[0].ID != "exec-4" {
		t.Errorf("status filter = %v", ids(execs))
	}
}

func TestMemoryExecutionStore_List_paging(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	for i := range 5 {
		_ = store.Create(ctx, testExecution(
			"exec-"+string(rune('a'+i)), "job-application", baseTime.Add(time.Duration(i)*time.Minute),
		))
	}

	execs, total, _ := store.List(ctx, model.ExecutionFilters{Page: 2, PageSize: 2})
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if got := ids(execs); len(got) != 2 || got[0] != "exec-c" || got[1] != "exec-b" {
		t.Errorf("page 2 = %v, want [exec-c exec-b]", got)
	}

	execs, _, _ = store.List(ctx, model.ExecutionFilters{Page: 9, PageSize: 2})
	if len(execs) != 0 {
		t.Errorf("page past end = %v, want empty", ids(execs))
	}
}

func ids(execs []model.WorkflowExecution) []string {
	out := make([]string, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.ID)
	}
	return out
}

// --- Delete ---

func TestMemoryExecutionStore_Delete(t *testing.T) {
	store := NewMemoryExecutionStore()
	ctx := context.Background()
	_ = store.Create(ctx, testExecution("exec-1", "job-application", baseTime))
	_ = store.AppendEvent(ctx, model.ExecutionEvent{ID: "e1", ExecutionID: "exec-1", Event: model.EventCreated})

	if err := store.Delete(ctx, "exec-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
	if _, err := store.GetEvents(ctx, "exec-1"); !model.HasCode(err, model.ErrExecutionNotFound) {
		t.Errorf("GetEvents after delete = %v", err)
	}
	if err := store.Delete(ctx, "exec-1"); !model.HasCode(err, model.ErrExecutionNotFound) {
		t.Errorf("second Delete = %v", err)
	}
}
