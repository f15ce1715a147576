// Package integration provides a reusable test harness for end-to-end
// testing of the skillflow server. It starts the fully wired HTTP API over
// in-memory stores and points prompt skills at a mock chat completions
// provider.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/skillflow/internal/app"
	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/internal/skill"
	"github.com/pitabwire/skillflow/model"
)

const testAPIKeyEnv = "SKILLFLOW_TEST_API_KEY"

// TestAPIKey is the provider key the harness hands to the app.
const TestAPIKey = "sk-test-key"

// TestHarness encapsulates a fully wired skillflow instance with a mock
// provider for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	App      *app.App
	Provider *MockProvider
	Metrics  *prometheus.Registry
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	skillDirs      []string
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	idempotency    bool
	handlerTimeout time.Duration
	stepTimeout    time.Duration
	handlers       []skill.Handler
}

// WithDefinitions sets the workflow definition directories to load. Relative
// paths are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithSkills sets the prompt skill catalog directories. Relative paths are
// resolved from the testdata directory.
func WithSkills(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.skillDirs = dirs
	}
}

// WithCircuitBreaker enables per-skill circuit breakers with cfg.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		cfg.Enabled = true
		c.breaker = &cfg
	}
}

// WithRetry sets the default retry policy for steps that declare none.
func WithRetry(cfg config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &cfg
	}
}

// WithIdempotency enables Idempotency-Key handling with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithStepTimeout sets the default per-step timeout.
func WithStepTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.stepTimeout = d
	}
}

// WithHandler registers an in-process skill handler.
func WithHandler(h skill.Handler) HarnessOption {
	return func(c *harnessConfig) {
		c.handlers = append(c.handlers, h)
	}
}

// NewTestHarness creates and starts a full skillflow test instance. The
// server is shut down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		stepTimeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	dir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"workflows"}
	}
	if len(hc.skillDirs) == 0 {
		hc.skillDirs = []string{"skills"}
	}

	h := &TestHarness{
		t:        t,
		Provider: newMockProvider(t),
		Metrics:  prometheus.NewRegistry(),
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Definitions.Directories = resolveDirs(dir, hc.definitionDirs)
	cfg.Engine.StepTimeout = hc.stepTimeout
	cfg.Engine.Retry.MaxAttempts = 1
	if hc.retry != nil {
		cfg.Engine.Retry = *hc.retry
	}
	cfg.Idempotency.Enabled = hc.idempotency
	cfg.Skills.Directories = resolveDirs(dir, hc.skillDirs)
	cfg.Skills.DefaultKeyMode = skill.KeyModePersonal
	cfg.Skills.Provider.BaseURL = h.Provider.URL()
	cfg.Skills.Provider.APIKeyEnv = testAPIKeyEnv
	cfg.Skills.Provider.Timeout = 10 * time.Second
	cfg.Skills.CircuitBreaker.Enabled = false
	if hc.breaker != nil {
		cfg.Skills.CircuitBreaker = *hc.breaker
	}
	cfg.Batch.Delay = time.Millisecond

	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t),
		app.WithRegistry(h.Metrics),
		app.WithGetenv(func(key string) string {
			if key == testAPIKeyEnv {
				return TestAPIKey
			}
			return ""
		}),
		app.WithHandlers(hc.handlers...),
	)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	h.App = a

	h.server = httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Logf("shutdown: %v", err)
		}
	})

	return h
}

func resolveDirs(base string, dirs []string) []string {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		if filepath.IsAbs(d) {
			out[i] = d
			continue
		}
		out[i] = filepath.Join(base, d)
	}
	return out
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, headers)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, nil)
}

// Do performs a request with arbitrary method and headers.
func (h *TestHarness) Do(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Run helpers ---

// RunResponse is the body returned when a run is started.
type RunResponse struct {
	model.WorkflowExecution
	MissingInputs []string `json:"missing_inputs"`
	Replayed      bool     `json:"replayed"`
}

// ErrorResponse is the error envelope returned by the API.
type ErrorResponse struct {
	Error model.ErrorEnvelope `json:"error"`
}

// StartRun starts workflowID with inputs and expects 201 Created.
func (h *TestHarness) StartRun(t *testing.T, workflowID string, inputs map[string]string) RunResponse {
	t.Helper()
	var run RunResponse
	resp := h.POST("/v1/workflows/"+workflowID+"/runs", map[string]any{"inputs": inputs})
	h.AssertJSON(t, resp, http.StatusCreated, &run)
	return run
}

// GetRun fetches a run snapshot.
func (h *TestHarness) GetRun(t *testing.T, runID string) model.WorkflowExecution {
	t.Helper()
	var exec model.WorkflowExecution
	h.AssertJSON(t, h.GET("/v1/runs/"+runID), http.StatusOK, &exec)
	return exec
}

// WaitForStatus polls the run until it reaches one of statuses.
func (h *TestHarness) WaitForStatus(t *testing.T, runID string, statuses ...model.ExecutionStatus) model.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		exec := h.GetRun(t, runID)
		for _, s := range statuses {
			if exec.Status == s {
				return exec
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s status = %q, want one of %v\n%s", runID, exec.Status, statuses, FormatJSON(exec))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// ReadinessFixture returns a readiness analysis as the scorer skill emits it.
func ReadinessFixture(score int, summary string) string {
	data, _ := json.Marshal(map[string]any{"score": score, "summary": summary})
	return string(data)
}

// JobInputs returns a complete set of job-application global inputs.
func JobInputs() map[string]string {
	return map[string]string{
		"jobTitle":       "Staff Engineer",
		"companyName":    "Acme",
		"jobDescription": "Build distributed systems.",
		"resume":         "Ten years of Go.",
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
