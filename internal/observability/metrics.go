package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	skillDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	runDurationBuckets   = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
	stageSizeBuckets     = []float64{1, 2, 3, 4, 6, 8, 12, 16}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Run metrics
	RunStartsTotal      *prometheus.CounterVec
	RunCompletionsTotal *prometheus.CounterVec
	RunActive           *prometheus.GaugeVec
	RunDuration         *prometheus.HistogramVec
	RunPausesTotal      *prometheus.CounterVec
	PlanDegradedTotal   *prometheus.CounterVec
	StageSize           *prometheus.HistogramVec

	// Step metrics
	StepExecutionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepRetriesTotal    *prometheus.CounterVec

	// Skill invocation metrics
	SkillInvocationsTotal    *prometheus.CounterVec
	SkillCircuitBreakerState *prometheus.GaugeVec

	// Batch metrics
	BatchItemsTotal *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
	SkillsLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_run_starts_total",
			Help: "Total number of workflow runs that began executing.",
		}, []string{"workflow_id"}),
		RunCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_run_completions_total",
			Help: "Total number of workflow runs that reached a terminal status.",
		}, []string{"workflow_id", "final_status"}),
		RunActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skillflow_run_active",
			Help: "Number of workflow runs currently executing or paused.",
		}, []string{"workflow_id"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs in seconds.",
			Buckets: runDurationBuckets,
		}, []string{"workflow_id"}),
		RunPausesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_run_pauses_total",
			Help: "Total number of review pauses.",
		}, []string{"workflow_id"}),
		PlanDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_plan_degraded_total",
			Help: "Total number of runs whose plan fell back to sequential stages.",
		}, []string{"workflow_id"}),
		StageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_stage_size",
			Help:    "Number of steps dispatched together in a stage.",
			Buckets: stageSizeBuckets,
		}, []string{"workflow_id"}),

		// Steps
		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_step_executions_total",
			Help: "Total number of step outcomes by status.",
		}, []string{"workflow_id", "step_id", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skillflow_step_duration_seconds",
			Help:    "Step duration in seconds, including retries.",
			Buckets: skillDurationBuckets,
		}, []string{"workflow_id", "step_id"}),
		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_step_retries_total",
			Help: "Total number of step retry attempts.",
		}, []string{"workflow_id", "step_id"}),

		// Skills
		SkillInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_skill_invocations_total",
			Help: "Total number of skill invocations.",
		}, []string{"skill_id", "status"}),
		SkillCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skillflow_skill_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"skill_id"}),

		// Batches
		BatchItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_batch_items_total",
			Help: "Total number of batch items by outcome.",
		}, []string{"workflow_id", "status"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skillflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skillflow_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
		SkillsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skillflow_skills_loaded",
			Help: "Number of skills with an invoker.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Runs
		m.RunStartsTotal,
		m.RunCompletionsTotal,
		m.RunActive,
		m.RunDuration,
		m.RunPausesTotal,
		m.PlanDegradedTotal,
		m.StageSize,
		// Steps
		m.StepExecutionsTotal,
		m.StepDuration,
		m.StepRetriesTotal,
		// Skills
		m.SkillInvocationsTotal,
		m.SkillCircuitBreakerState,
		// Batches
		m.BatchItemsTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.SkillsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart records a run entering the running status.
func (m *Metrics) RecordRunStart(workflowID string) {
	if m == nil {
		return
	}
	m.RunStartsTotal.WithLabelValues(workflowID).Inc()
	m.RunActive.WithLabelValues(workflowID).Inc()
}

// RecordRunCompletion records a run reaching a terminal status.
func (m *Metrics) RecordRunCompletion(workflowID, finalStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.RunActive.WithLabelValues(workflowID).Dec()
	m.RunDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordRunPause records a review pause.
func (m *Metrics) RecordRunPause(workflowID string) {
	if m == nil {
		return
	}
	m.RunPausesTotal.WithLabelValues(workflowID).Inc()
}

// RecordPlanDegraded records a plan that fell back to sequential stages.
func (m *Metrics) RecordPlanDegraded(workflowID string) {
	if m == nil {
		return
	}
	m.PlanDegradedTotal.WithLabelValues(workflowID).Inc()
}

// RecordStage records the number of steps dispatched in one stage.
func (m *Metrics) RecordStage(workflowID string, size int) {
	if m == nil {
		return
	}
	m.StageSize.WithLabelValues(workflowID).Observe(float64(size))
}

// RecordStep records a step outcome.
func (m *Metrics) RecordStep(workflowID, stepID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepExecutionsTotal.WithLabelValues(workflowID, stepID, status).Inc()
	if duration > 0 {
		m.StepDuration.WithLabelValues(workflowID, stepID).Observe(duration.Seconds())
	}
}

// RecordStepRetry records a retry attempt of a step.
func (m *Metrics) RecordStepRetry(workflowID, stepID string) {
	if m == nil {
		return
	}
	m.StepRetriesTotal.WithLabelValues(workflowID, stepID).Inc()
}

// RecordSkillInvocation records a skill invocation.
func (m *Metrics) RecordSkillInvocation(skillID, status string) {
	if m == nil {
		return
	}
	m.SkillInvocationsTotal.WithLabelValues(skillID, status).Inc()
}

// SetSkillCircuitBreakerState sets the circuit breaker state for a skill.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSkillCircuitBreakerState(skillID string, state float64) {
	if m == nil {
		return
	}
	m.SkillCircuitBreakerState.WithLabelValues(skillID).Set(state)
}

// RecordBatchItem records the outcome of one batch item.
func (m *Metrics) RecordBatchItem(workflowID, status string) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(workflowID, status).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded workflow definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// SetSkillsLoaded sets the number of skills with an invoker.
func (m *Metrics) SetSkillsLoaded(count float64) {
	if m == nil {
		return
	}
	m.SkillsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
