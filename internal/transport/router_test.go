package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/skillflow/internal/batch"
	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/internal/workflow"
	"github.com/pitabwire/skillflow/model"
)

type skillFunc func(ctx context.Context, req model.SkillRequest) (model.SkillResult, error)

func (f skillFunc) Invoke(ctx context.Context, req model.SkillRequest) (model.SkillResult, error) {
	return f(ctx, req)
}

func testSkills() skillFunc {
	return func(_ context.Context, req model.SkillRequest) (model.SkillResult, error) {
		switch req.SkillID {
		case "researcher":
			if req.Inputs["company"] == "Broken Inc" {
				return model.SkillResult{}, errors.New("upstream refused")
			}
			return model.SkillResult{Output: "notes on " + req.Inputs["company"]}, nil
		case "writer":
			return model.SkillResult{Output: "letter from " + req.Inputs["notes"]}, nil
		}
		return model.SkillResult{}, model.NewSkillNotFoundError(req.SkillID)
	}
}

func letterWorkflow(id string, review bool) model.Workflow {
	return model.Workflow{
		ID:   id,
		Name: "Cover Letter",
		GlobalInputs: []model.GlobalInput{
			{ID: "company", Label: "Company", Type: model.InputTypeText, Required: true},
		},
		Steps: []model.WorkflowStep{
			{
				ID:             "research",
				Name:           "Research",
				SkillID:        "researcher",
				OutputKey:      "notes",
				ReviewRequired: review,
				InputMappings: map[string]model.InputSource{
					"company": model.FromGlobal("company"),
				},
				DependsOn: []string{},
			},
			{
				ID:        "draft",
				Name:      "Draft",
				SkillID:   "writer",
				OutputKey: "letter",
				InputMappings: map[string]model.InputSource{
					"notes": model.FromPrevious("research", "notes"),
				},
				DependsOn: []string{"research"},
			},
		},
	}
}

type testServer struct {
	handler http.Handler
	engine  *workflow.Engine
	batches *batch.Runner
}

// newTestServer wires the real engine, definition registry, and batch runner
// behind the router.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	defs := definition.NewRegistry([]model.Workflow{
		letterWorkflow("cover-letter", false),
		letterWorkflow("reviewed-letter", true),
	})
	engine := workflow.NewEngine(defs, workflow.NewMemoryExecutionStore(), testSkills(),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithIdempotency(workflow.NewMemoryIdempotencyStore(), time.Hour),
	)
	runner := batch.NewRunner(engine, defs,
		batch.WithLogger(logger),
		batch.WithMetrics(metrics),
		batch.WithDefaults(2, time.Millisecond),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
		_ = engine.Shutdown(ctx)
	})

	handler := NewRouter(Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Engine:    engine,
		Workflows: defs,
		Batches:   runner,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return defs.Len() > 0 },
			SkillsAvailable:   func() bool { return true },
		},
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &testServer{handler: handler, engine: engine, batches: runner}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	return resp.Error.Code
}

func (s *testServer) wait(t *testing.T, runID string) model.WorkflowExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := s.engine.Wait(ctx, runID)
	require.NoError(t, err)
	return exec
}

func TestNewRouter_health(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "ok", body["status"])
	// Global middleware still applies outside /v1.
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-Id"))
}

func TestNewRouter_ready(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/ready", nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[observability.ReadinessResponse](t, w)
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["definitions"].Status)
}

func TestNewRouter_metrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, "GET", "/v1/workflows", nil)

	w := s.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "skillflow_http_requests_total")
}

func TestNewRouter_routesAreRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/workflows"},
		{"GET", "/v1/workflows/nope"},
		{"GET", "/v1/workflows/nope/plan"},
		{"POST", "/v1/workflows/nope/preview"},
		{"POST", "/v1/workflows/nope/runs"},
		{"POST", "/v1/workflows/nope/batches"},
		{"GET", "/v1/runs"},
		{"GET", "/v1/runs/nope"},
		{"DELETE", "/v1/runs/nope"},
		{"GET", "/v1/runs/nope/events"},
		{"POST", "/v1/runs/nope/inputs"},
		{"POST", "/v1/runs/nope/acknowledge"},
		{"POST", "/v1/runs/nope/cancel"},
		{"GET", "/v1/batches"},
		{"GET", "/v1/batches/nope"},
		{"GET", "/v1/batches/nope/export"},
		{"POST", "/v1/batches/nope/cancel"},
	}
	for _, rt := range routes {
		w := s.do(t, rt.method, rt.path, "{}")
		assert.NotEqual(t, http.StatusMethodNotAllowed, w.Code, "%s %s", rt.method, rt.path)
		if w.Code == http.StatusNotFound {
			// A registered route answers 404 with an error envelope, never
			// with chi's plain-text not found.
			assert.NotEmpty(t, errorCode(t, w), "%s %s", rt.method, rt.path)
		}
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "GET", "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Data       []workflowSummary `json:"data"`
		TotalCount int               `json:"total_count"`
	}](t, w)
	assert.Equal(t, 2, list.TotalCount)
	assert.Equal(t, []string{"company"}, list.Data[0].RequiredInputs)
	assert.Equal(t, 2, list.Data[0].StepCount)

	w = s.do(t, "GET", "/v1/workflows/cover-letter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Cover Letter", decode[model.Workflow](t, w).Name)

	w = s.do(t, "GET", "/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrWorkflowNotFound, errorCode(t, w))

	w = s.do(t, "GET", "/v1/workflows/cover-letter/plan", nil)
	require.Equal(t, http.StatusOK, w.Code)
	plan := decode[workflow.PlanView](t, w)
	assert.Len(t, plan.Stages, 2)
	assert.False(t, plan.HasParallelism)

	w = s.do(t, "POST", "/v1/workflows/cover-letter/preview", map[string]any{
		"inputs": map[string]string{"company": "Acme"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	preview := decode[struct {
		Steps map[string]map[string]string `json:"steps"`
	}](t, w)
	assert.Equal(t, "Acme", preview.Steps["research"]["company"])
	assert.Equal(t, "", preview.Steps["draft"]["notes"])
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/cover-letter/runs", map[string]any{
		"inputs": map[string]string{"company": "Acme"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[startResponse](t, w)
	require.NotEmpty(t, started.ID)
	assert.Empty(t, started.MissingInputs)

	s.wait(t, started.ID)

	w = s.do(t, "GET", "/v1/runs/"+started.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	exec := decode[model.WorkflowExecution](t, w)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, "letter from notes on Acme", exec.StepOutputs["letter"])

	w = s.do(t, "GET", "/v1/runs/"+started.ID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[struct {
		Data []model.ExecutionEvent `json:"data"`
	}](t, w)
	require.NotEmpty(t, events.Data)
	assert.Equal(t, "completed", events.Data[len(events.Data)-1].Event)

	w = s.do(t, "GET", "/v1/runs?workflow_id=cover-letter&status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Data       []model.ExecutionSummary `json:"data"`
		TotalCount int                      `json:"total_count"`
	}](t, w)
	assert.Equal(t, 1, list.TotalCount)

	// Acknowledging a finished run is an invalid transition.
	w = s.do(t, "POST", "/v1/runs/"+started.ID+"/acknowledge", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrInvalidTransition, errorCode(t, w))

	w = s.do(t, "DELETE", "/v1/runs/"+started.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, "GET", "/v1/runs/"+started.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrExecutionNotFound, errorCode(t, w))
}

func TestRunStart_missingInputsThenSupply(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/cover-letter/runs", map[string]any{})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	started := decode[startResponse](t, w)
	assert.Equal(t, model.ExecutionCollectingInputs, started.Status)
	assert.Equal(t, []string{"company"}, started.MissingInputs)

	w = s.do(t, "POST", "/v1/runs/"+started.ID+"/inputs", map[string]any{
		"inputs": map[string]string{"company": "Globex"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	exec := s.wait(t, started.ID)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, "notes on Globex", exec.StepOutputs["notes"])
}

func TestRunStart_idempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"inputs": map[string]string{"company": "Acme"}}

	w := s.do(t, "POST", "/v1/workflows/cover-letter/runs", body, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[startResponse](t, w)

	w = s.do(t, "POST", "/v1/workflows/cover-letter/runs", body, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[startResponse](t, w)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
}

func TestRunStart_badRequests(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/cover-letter/runs", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.ErrBadRequest, errorCode(t, w))

	w = s.do(t, "POST", "/v1/workflows/missing/runs", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrWorkflowNotFound, errorCode(t, w))
}

func TestRunReviewAndAcknowledge(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/reviewed-letter/runs", map[string]any{
		"inputs": map[string]string{"company": "Acme"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[startResponse](t, w)

	exec := s.wait(t, started.ID)
	require.Equal(t, model.ExecutionPaused, exec.Status)
	assert.Equal(t, []string{"research"}, exec.AwaitingReview)

	w = s.do(t, "POST", "/v1/runs/"+started.ID+"/acknowledge", map[string]string{"step_id": "research"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	exec = s.wait(t, started.ID)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
}

func TestRunCancel(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/reviewed-letter/runs", map[string]any{
		"inputs": map[string]string{"company": "Acme"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode[startResponse](t, w)
	s.wait(t, started.ID)

	w = s.do(t, "POST", "/v1/runs/"+started.ID+"/cancel", map[string]string{"reason": "wrong company"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.ExecutionCancelled, decode[model.WorkflowExecution](t, w).Status)

	w = s.do(t, "POST", "/v1/runs/"+started.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBatchEndpoints_json(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/cover-letter/batches", map[string]any{
		"input_sets": []map[string]string{
			{"company": "Acme"},
			{"company": "Broken Inc"},
		},
		"concurrency": 1,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	submitted := decode[batchResponse](t, w)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, 1, submitted.Concurrency)
	assert.Equal(t, 2, submitted.Summary.TotalItems)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.batches.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	w = s.do(t, "GET", "/v1/batches/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[batchResponse](t, w)
	assert.Equal(t, batch.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Summary.Completed)
	assert.Equal(t, 1, got.Summary.Failed)
	assert.Equal(t, "letter from notes on Acme", got.Items[0].Outputs["letter"])

	w = s.do(t, "GET", "/v1/batches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Data []batchResponse `json:"data"`
	}](t, w)
	require.Len(t, list.Data, 1)
	assert.Empty(t, list.Data[0].Items)

	w = s.do(t, "GET", "/v1/batches/"+submitted.ID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/csv"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Input: Company")
	assert.Contains(t, lines[1], "letter from notes on Acme")
}

func TestBatchEndpoints_csvBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/workflows/cover-letter/batches?concurrency=2",
		strings.NewReader("Company\nAcme\nGlobex\n"))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	submitted := decode[batchResponse](t, w)
	require.Len(t, submitted.Items, 2)
	assert.Equal(t, "Globex", submitted.Items[1].Inputs["company"])
}

func TestBatchEndpoints_errors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/v1/workflows/cover-letter/batches", map[string]any{"input_sets": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/v1/workflows/missing/batches", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "GET", "/v1/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
