package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "ok" {
		t.Errorf("definitions = %q, want ok", resp.Checks["definitions"].Status)
	}
	if resp.Checks["skills"].Status != "ok" {
		t.Errorf("skills = %q, want ok", resp.Checks["skills"].Status)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
		SkillsAvailable:   func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
	if resp.Checks["definitions"].Error == "" {
		t.Error("definitions error should have a message")
	}
}

func TestHandleReady_skillsUnavailable(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return false },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["skills"].Status != "error" {
		t.Errorf("skills = %q, want error", resp.Checks["skills"].Status)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleReady_withOptionalChecks_allHealthy(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
		ExecutionStore:    &mockHealthChecker{},
		IdempotencyStore:  &mockHealthChecker{},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	// Should have 4 checks total.
	if len(resp.Checks) != 4 {
		t.Errorf("checks count = %d, want 4", len(resp.Checks))
	}
	for name, check := range resp.Checks {
		if check.Status != "ok" {
			t.Errorf("%s = %q, want ok", name, check.Status)
		}
	}
}

func TestHandleReady_executionStoreDown(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
		ExecutionStore:    &mockHealthChecker{err: errors.New("connection refused")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["execution_store"].Status != "error" {
		t.Errorf("execution_store = %q, want error", resp.Checks["execution_store"].Status)
	}
	if resp.Checks["execution_store"].Error != "connection refused" {
		t.Errorf("execution_store error = %q, want 'connection refused'", resp.Checks["execution_store"].Error)
	}
}

func TestHandleReady_idempotencyStoreDown(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
		IdempotencyStore:  &mockHealthChecker{err: errors.New("redis timeout")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["idempotency_store"].Status != "error" {
		t.Errorf("idempotency_store = %q, want error", resp.Checks["idempotency_store"].Status)
	}
}

func TestHandleReady_nilCheckerFunctions(t *testing.T) {
	// When checker functions are nil, the required checks fail.
	checks := ReadinessChecks{}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Checks["definitions"].Status != "error" {
		t.Errorf("definitions = %q, want error", resp.Checks["definitions"].Status)
	}
	if resp.Checks["skills"].Status != "error" {
		t.Errorf("skills = %q, want error", resp.Checks["skills"].Status)
	}
}

func TestHandleReady_checksHaveLatency(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	// Latency should be non-negative (likely 0 for fast checks).
	for name, check := range resp.Checks {
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	// When optional checkers are nil, only required checks should appear.
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		SkillsAvailable:   func() bool { return true },
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	if len(resp.Checks) != 2 {
		t.Errorf("checks count = %d, want 2 (only required checks)", len(resp.Checks))
	}
	if _, ok := resp.Checks["execution_store"]; ok {
		t.Error("execution_store should not be in checks when nil")
	}
	if _, ok := resp.Checks["idempotency_store"]; ok {
		t.Error("idempotency_store should not be in checks when nil")
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	checks := ReadinessChecks{
		DefinitionsLoaded: func() bool { return false },
		SkillsAvailable:   func() bool { return false },
		ExecutionStore:    &mockHealthChecker{err: errors.New("pg down")},
	}

	handler := HandleReady(checks)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp ReadinessResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}
