package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/skillflow/internal/batch"
	"github.com/pitabwire/skillflow/internal/config"
	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/internal/observability"
	"github.com/pitabwire/skillflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Engine    *workflow.Engine
	Workflows *definition.Registry
	Batches   *batch.Runner
	Readiness observability.ReadinessChecks

	// MetricsHandler serves the metrics endpoint. Defaults to the
	// Prometheus default registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metrics := deps.MetricsHandler
		if metrics == nil {
			metrics = observability.Handler()
		}
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/workflows", handleWorkflowList(deps.Workflows))
		r.Get("/workflows/{workflowId}", handleWorkflowGet(deps.Workflows))
		r.Get("/workflows/{workflowId}/plan", handleWorkflowPlan(deps.Engine))
		r.Post("/workflows/{workflowId}/preview", handleWorkflowPreview(deps.Workflows))
		r.Post("/workflows/{workflowId}/runs", handleRunStart(deps.Engine))
		r.Post("/workflows/{workflowId}/batches", handleBatchSubmit(deps.Batches, deps.Workflows))

		r.Get("/runs", handleRunList(deps.Engine))
		r.Get("/runs/{runId}", handleRunGet(deps.Engine))
		r.Delete("/runs/{runId}", handleRunDelete(deps.Engine))
		r.Get("/runs/{runId}/events", handleRunEvents(deps.Engine))
		r.Post("/runs/{runId}/inputs", handleRunInputs(deps.Engine))
		r.Post("/runs/{runId}/acknowledge", handleRunAcknowledge(deps.Engine))
		r.Post("/runs/{runId}/cancel", handleRunCancel(deps.Engine))

		r.Get("/batches", handleBatchList(deps.Batches))
		r.Get("/batches/{batchId}", handleBatchGet(deps.Batches))
		r.Get("/batches/{batchId}/export", handleBatchExport(deps.Batches, deps.Workflows))
		r.Post("/batches/{batchId}/cancel", handleBatchCancel(deps.Batches))
	})

	return r
}
