package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockProvider is a configurable OpenAI-compatible chat completions server.
// Responses are configured per skill and every request is recorded for later
// assertion.
//
// Skills are told apart by their system prompt: the testdata catalog gives
// each skill its own id as system prompt.
type MockProvider struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	skills     map[string]*skillConfig
	received   map[string][]*RecordedRequest
	concurrent int
	peak       int
}

// RecordedRequest captures a completion request received by the mock.
type RecordedRequest struct {
	Model         string
	System        string
	Prompt        string
	Authorization string
	ExecutionID   string
	Headers       http.Header
	ReceivedAt    time.Time
}

// skillConfig holds the configured responses for a single skill.
type skillConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	content   string
	errBody   any
	delay     time.Duration
	connError bool
}

// SkillMock is a builder for configuring responses for a specific skill.
type SkillMock struct {
	provider *MockProvider
	skillID  string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newMockProvider(t *testing.T) *MockProvider {
	t.Helper()

	mp := &MockProvider{
		t:        t,
		skills:   make(map[string]*skillConfig),
		received: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", mp.handleCompletion)
	mp.server = httptest.NewServer(mux)
	t.Cleanup(mp.server.Close)

	return mp
}

// URL returns the base URL of the mock provider.
func (mp *MockProvider) URL() string {
	return mp.server.URL
}

// OnSkill returns a builder for configuring responses for the named skill.
func (mp *MockProvider) OnSkill(skillID string) *SkillMock {
	return &SkillMock{provider: mp, skillID: skillID}
}

// RespondWith configures the skill to complete with content.
func (sm *SkillMock) RespondWith(content string) *SkillMock {
	sm.provider.addResponse(sm.skillID, &mockResponse{status: http.StatusOK, content: content})
	return sm
}

// RespondWithError configures the skill to fail with an HTTP error.
func (sm *SkillMock) RespondWithError(status int, message string) *SkillMock {
	sm.provider.addResponse(sm.skillID, &mockResponse{
		status:  status,
		errBody: map[string]any{"error": map[string]string{"message": message}},
	})
	return sm
}

// RespondWithDelay configures a delayed completion to simulate slow models.
// The delay ends early when the caller gives up.
func (sm *SkillMock) RespondWithDelay(delay time.Duration, content string) *SkillMock {
	sm.provider.addResponse(sm.skillID, &mockResponse{status: http.StatusOK, content: content, delay: delay})
	return sm
}

// RespondWithConnectionError configures the skill to close the connection.
func (sm *SkillMock) RespondWithConnectionError() *SkillMock {
	sm.provider.addResponse(sm.skillID, &mockResponse{connError: true})
	return sm
}

func (mp *MockProvider) addResponse(skillID string, resp *mockResponse) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	cfg, ok := mp.skills[skillID]
	if !ok {
		cfg = &skillConfig{}
		mp.skills[skillID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mp *MockProvider) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	data, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	rec := &RecordedRequest{
		Model:         body.Model,
		Authorization: r.Header.Get("Authorization"),
		ExecutionID:   r.Header.Get("X-Execution-Id"),
		Headers:       r.Header.Clone(),
		ReceivedAt:    time.Now(),
	}
	for _, m := range body.Messages {
		switch m.Role {
		case "system":
			rec.System = m.Content
		case "user":
			rec.Prompt = m.Content
		}
	}
	skillID := rec.System

	mp.mu.Lock()
	mp.received[skillID] = append(mp.received[skillID], rec)
	mp.concurrent++
	if mp.concurrent > mp.peak {
		mp.peak = mp.concurrent
	}
	mp.mu.Unlock()
	defer func() {
		mp.mu.Lock()
		mp.concurrent--
		mp.mu.Unlock()
	}()

	resp := mp.getNextResponse(skillID)
	if resp == nil {
		// Unconfigured skills echo their prompt.
		resp = &mockResponse{status: http.StatusOK, content: "echo: " + rec.Prompt}
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.status != http.StatusOK {
		json.NewEncoder(w).Encode(resp.errBody)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"model": body.Model,
		"choices": []map[string]any{{
			"message":       chatMessage{Role: "assistant", Content: resp.content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     len(rec.Prompt) / 4,
			"completion_tokens": len(resp.content) / 4,
		},
	})
}

func (mp *MockProvider) getNextResponse(skillID string) *mockResponse {
	mp.mu.RLock()
	cfg, ok := mp.skills[skillID]
	mp.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the skill was called the expected number of times.
func (mp *MockProvider) AssertCalled(t *testing.T, skillID string, expectedCount int) {
	t.Helper()
	mp.mu.RLock()
	actual := len(mp.received[skillID])
	mp.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock provider: skill %q called %d times, want %d", skillID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the skill was never called.
func (mp *MockProvider) AssertNotCalled(t *testing.T, skillID string) {
	t.Helper()
	mp.AssertCalled(t, skillID, 0)
}

// LastRequest returns the last request received for the given skill, or nil.
func (mp *MockProvider) LastRequest(skillID string) *RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	reqs := mp.received[skillID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given skill.
func (mp *MockProvider) AllRequests(skillID string) []*RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	reqs := mp.received[skillID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// PeakConcurrency returns the most completions that were in flight at once.
func (mp *MockProvider) PeakConcurrency() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.peak
}

// ResetSkill clears recorded requests and configured responses for one skill.
func (mp *MockProvider) ResetSkill(skillID string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.skills, skillID)
	delete(mp.received, skillID)
}

func (r *RecordedRequest) String() string {
	return fmt.Sprintf("%s [%s] %q", r.System, r.Model, r.Prompt)
}
