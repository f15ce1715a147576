package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/model"
)

// ==========================================================================
// Step Failure Handling
// ==========================================================================

func TestResilience_OptionalStepFailureDoesNotStopRun(t *testing.T) {
	h := NewTestHarness(t)
	h.Provider.OnSkill("job-readiness-score").RespondWith(ReadinessFixture(90, "Great fit"))
	h.Provider.OnSkill("company-research").RespondWithError(http.StatusInternalServerError, "upstream down")
	h.Provider.OnSkill("cover-letter-generator").RespondWith("Dear Acme")

	run := h.StartRun(t, "job-application", JobInputs())
	exec := h.WaitForStatus(t, run.ID, model.ExecutionPaused)

	if exec.StepStatuses["step-research"] != model.StepError {
		t.Errorf("research status = %q, want error", exec.StepStatuses["step-research"])
	}
	if !strings.Contains(exec.StepErrors["step-research"], model.ErrSkillUnavailable) {
		t.Errorf("research error = %q, want %s", exec.StepErrors["step-research"], model.ErrSkillUnavailable)
	}

	resp := h.POST("/v1/runs/"+run.ID+"/acknowledge", nil)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	exec = h.WaitForStatus(t, run.ID, model.ExecutionCompleted)
	if exec.StepOutputs["coverLetter"] != "Dear Acme" {
		t.Errorf("coverLetter = %q", exec.StepOutputs["coverLetter"])
	}
	// The failed optional output resolves to empty text downstream.
	req := h.Provider.LastRequest("cover-letter-generator")
	if req == nil || !strings.HasSuffix(req.Prompt, "Context: Acme research: ") {
		t.Errorf("cover letter prompt = %v", req)
	}
}

func TestResilience_RequiredStepFailureEndsRun(t *testing.T) {
	h := NewTestHarness(t)
	h.Provider.OnSkill("job-readiness-score").RespondWithError(http.StatusInternalServerError, "boom")
	h.Provider.OnSkill("company-research").RespondWithDelay(100*time.Millisecond, "Acme research")

	run := h.StartRun(t, "job-application", JobInputs())
	exec := h.WaitForStatus(t, run.ID, model.ExecutionError)

	if !strings.Contains(exec.Error, "step-readiness") {
		t.Errorf("error = %q, want it to name the failed step", exec.Error)
	}
	if exec.StepStatuses["step-readiness"] != model.StepError {
		t.Errorf("readiness status = %q, want error", exec.StepStatuses["step-readiness"])
	}
	// Siblings in the same stage finish before the run stops.
	if exec.StepStatuses["step-research"] != model.StepCompleted {
		t.Errorf("research status = %q, want completed", exec.StepStatuses["step-research"])
	}
	if exec.StepStatuses["step-customize"] != model.StepPending {
		t.Errorf("customize status = %q, want pending", exec.StepStatuses["step-customize"])
	}
	h.Provider.AssertNotCalled(t, "resume-customizer")
}

func TestResilience_StepRetryRecovers(t *testing.T) {
	h := NewTestHarness(t)
	h.Provider.OnSkill("job-readiness-score").RespondWith(ReadinessFixture(75, "Good fit"))
	h.Provider.OnSkill("cover-letter-generator").
		RespondWithError(http.StatusServiceUnavailable, "busy").
		RespondWith("Dear Acme")

	run := h.StartRun(t, "job-application", JobInputs())
	h.WaitForStatus(t, run.ID, model.ExecutionPaused)
	resp := h.POST("/v1/runs/"+run.ID+"/acknowledge", nil)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	exec := h.WaitForStatus(t, run.ID, model.ExecutionCompleted)
	if exec.StepOutputs["coverLetter"] != "Dear Acme" {
		t.Errorf("coverLetter = %q", exec.StepOutputs["coverLetter"])
	}
	h.Provider.AssertCalled(t, "cover-letter-generator", 2)
}

func TestResilience_DefaultRetryPolicyApplies(t *testing.T) {
	h := NewTestHarness(t, WithRetry(config.RetryConfig{
		MaxAttempts:       3,
		BackoffInitial:    5 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        20 * time.Millisecond,
	}))
	h.Provider.OnSkill("company-research").
		RespondWithConnectionError().
		RespondWithConnectionError().
		RespondWith("Acme research")

	run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
	exec := h.WaitForStatus(t, run.ID, model.ExecutionCompleted, model.ExecutionError)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("status = %q (%s), want completed", exec.Status, exec.Error)
	}
	h.Provider.AssertCalled(t, "company-research", 3)
}

func TestResilience_StepTimeout(t *testing.T) {
	h := NewTestHarness(t, WithStepTimeout(100*time.Millisecond))
	h.Provider.OnSkill("company-research").RespondWithDelay(2*time.Second, "slow")

	run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
	exec := h.WaitForStatus(t, run.ID, model.ExecutionError)

	if !strings.Contains(exec.StepErrors["research"], model.ErrSkillTimeout) {
		t.Errorf("research error = %q, want %s", exec.StepErrors["research"], model.ErrSkillTimeout)
	}
	h.Provider.AssertNotCalled(t, "summarizer")
}

// ==========================================================================
// Circuit Breaker
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	h.Provider.OnSkill("company-research").RespondWithError(http.StatusInternalServerError, "down")

	for range 2 {
		run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
		h.WaitForStatus(t, run.ID, model.ExecutionError)
	}
	h.Provider.AssertCalled(t, "company-research", 2)

	// The breaker is open: the next run fails without reaching the provider.
	run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
	exec := h.WaitForStatus(t, run.ID, model.ExecutionError)
	if !strings.Contains(exec.StepErrors["research"], model.ErrSkillUnavailable) {
		t.Errorf("research error = %q, want %s", exec.StepErrors["research"], model.ErrSkillUnavailable)
	}
	h.Provider.AssertCalled(t, "company-research", 2)

	body := string(h.ReadBody(h.GET("/metrics")))
	if !strings.Contains(body, `skillflow_skill_circuit_breaker_state{skill_id="company-research"} 1`) {
		t.Errorf("metrics missing open breaker gauge:\n%s", body)
	}
}

func TestResilience_CircuitBreakerRecoveryAfterTimeout(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          300 * time.Millisecond,
	}))
	h.Provider.OnSkill("company-research").RespondWithError(http.StatusInternalServerError, "down")

	for range 2 {
		run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
		h.WaitForStatus(t, run.ID, model.ExecutionError)
	}

	// Wait for the breaker to go half-open, then let the probe succeed.
	time.Sleep(400 * time.Millisecond)
	h.Provider.ResetSkill("company-research")
	h.Provider.OnSkill("company-research").RespondWith("Acme research")

	run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
	exec := h.WaitForStatus(t, run.ID, model.ExecutionCompleted, model.ExecutionError)
	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("status = %q (%s), want completed after recovery", exec.Status, exec.Error)
	}
	h.Provider.AssertCalled(t, "company-research", 1)
}

func TestResilience_BreakersAreIsolatedPerSkill(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	h.Provider.OnSkill("company-research").RespondWithError(http.StatusInternalServerError, "down")

	run := h.StartRun(t, "research-brief", map[string]string{"companyName": "Acme"})
	h.WaitForStatus(t, run.ID, model.ExecutionError)

	run = h.StartRun(t, "fan-out", map[string]string{"text": "doc"})
	exec := h.WaitForStatus(t, run.ID, model.ExecutionCompleted, model.ExecutionError)
	if exec.Status != model.ExecutionCompleted {
		t.Errorf("fan-out status = %q (%s), an open breaker must not affect other skills", exec.Status, exec.Error)
	}
}
