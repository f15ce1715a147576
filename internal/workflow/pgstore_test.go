package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/skillflow/model"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("skillflow"),
		postgres.WithUsername("skillflow"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, EnsureSchema(ctx, pool))
	// Applying the schema twice is a no-op.
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func TestPgExecutionStore(t *testing.T) {
	pool := newTestPool(t)
	store := NewPgExecutionStore(pool)
	ctx := context.Background()

	require.NoError(t, store.HealthCheck(ctx))

	t.Run("Create and Get", func(t *testing.T) {
		exec := testExecution("pg-1", "job-application", baseTime)
		exec.SkipReasons = map[string]string{"salary": "research.verdict equals yes"}
		exec.Options.Labels = map[string]string{"batch": "b-1"}
		require.NoError(t, store.Create(ctx, exec))

		got, err := store.Get(ctx, "pg-1")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionRunning, got.Status)
		assert.Equal(t, "notes", got.StepOutputs["research_out"])
		assert.Equal(t, model.StepCompleted, got.StepStatuses["research"])
		assert.Equal(t, "research.verdict equals yes", got.SkipReasons["salary"])
		assert.Equal(t, "b-1", got.Options.Labels["batch"])
		assert.True(t, baseTime.Equal(got.CreatedAt))
		assert.Nil(t, got.StartedAt)
		assert.Equal(t, 1, got.Version)

		err = store.Create(ctx, exec)
		assert.Error(t, err)
	})

	t.Run("Get not found", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.True(t, model.HasCode(err, model.ErrExecutionNotFound), "error = %v", err)
	})

	t.Run("Update with optimistic locking", func(t *testing.T) {
		exec := testExecution("pg-2", "job-application", baseTime)
		require.NoError(t, store.Create(ctx, exec))

		started := baseTime.Add(time.Second)
		exec.Status = model.ExecutionPaused
		exec.StartedAt = &started
		exec.AwaitingReview = []string{"research"}
		require.NoError(t, store.Update(ctx, exec))

		got, err := store.Get(ctx, "pg-2")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionPaused, got.Status)
		assert.Equal(t, []string{"research"}, got.AwaitingReview)
		assert.Equal(t, 2, got.Version)
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))

		err = store.Update(ctx, exec)
		assert.True(t, model.HasCode(err, model.ErrConflict), "error = %v", err)
	})

	t.Run("Events", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testExecution("pg-3", "job-application", baseTime)))
		require.NoError(t, store.AppendEvent(ctx, model.ExecutionEvent{
			ID: "ev-1", ExecutionID: "pg-3", Event: model.EventCreated, Timestamp: baseTime,
		}))
		require.NoError(t, store.AppendEvent(ctx, model.ExecutionEvent{
			ID: "ev-2", ExecutionID: "pg-3", StepID: "research", Event: model.EventStepCompleted,
			Data: map[string]any{"attempts": 2}, Timestamp: baseTime,
		}))

		events, err := store.GetEvents(ctx, "pg-3")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "ev-1", events[0].ID)
		assert.Equal(t, "research", events[1].StepID)
		assert.EqualValues(t, 2, events[1].Data["attempts"])
	})

	t.Run("List and Delete", func(t *testing.T) {
		done := testExecution("pg-4", "cover-letter", baseTime.Add(time.Hour))
		done.Status = model.ExecutionCompleted
		require.NoError(t, store.Create(ctx, done))

		execs, total, err := store.List(ctx, model.ExecutionFilters{WorkflowID: "cover-letter"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, execs, 1)
		assert.Equal(t, "pg-4", execs[0].ID)

		execs, total, err = store.List(ctx, model.ExecutionFilters{WorkflowID: "job-application", PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, execs, 2)

		require.NoError(t, store.Delete(ctx, "pg-3"))
		_, err = store.GetEvents(ctx, "pg-3")
		assert.True(t, model.HasCode(err, model.ErrExecutionNotFound), "error = %v", err)
		err = store.Delete(ctx, "pg-3")
		assert.True(t, model.HasCode(err, model.ErrExecutionNotFound), "error = %v", err)
	})
}
