package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/internal/graph"
	"github.com/pitabwire/skillflow/internal/resolver"
	"github.com/pitabwire/skillflow/internal/workflow"
	"github.com/pitabwire/skillflow/model"
)

// workflowSummary is the list-view form of a workflow definition.
type workflowSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	EstimatedTime  string   `json:"estimated_time,omitempty"`
	Outputs        []string `json:"outputs,omitempty"`
	StepCount      int      `json:"step_count"`
	RequiredInputs []string `json:"required_inputs,omitempty"`
	HasParallelism bool     `json:"has_parallelism"`
}

func workflowNotFound(workflowID string) error {
	return &model.ErrorEnvelope{
		Code:    model.ErrWorkflowNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
	}
}

func handleWorkflowList(workflows *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		all := workflows.AllWorkflows()
		data := make([]workflowSummary, 0, len(all))
		for _, wf := range all {
			data = append(data, workflowSummary{
				ID:             wf.ID,
				Name:           wf.Name,
				Description:    wf.Description,
				EstimatedTime:  wf.EstimatedTime,
				Outputs:        wf.Outputs,
				StepCount:      len(wf.Steps),
				RequiredInputs: wf.RequiredInputs(),
				HasParallelism: graph.HasParallelism(wf.Steps),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        data,
			"total_count": len(data),
		})
	}
}

func handleWorkflowGet(workflows *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		wf, ok := workflows.GetWorkflow(workflowID)
		if !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowPlan(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, err := engine.Plan(chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

// handleWorkflowPreview resolves every step's inputs against the supplied
// global inputs, with earlier outputs left empty.
func handleWorkflowPreview(workflows *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		wf, ok := workflows.GetWorkflow(workflowID)
		if !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}

		var body struct {
			Inputs map[string]string `json:"inputs"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"workflow_id": wf.ID,
			"steps":       resolver.Preview(wf, body.Inputs),
		})
	}
}
