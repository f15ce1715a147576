package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/skillflow/internal/workflow"
	"github.com/pitabwire/skillflow/model"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxJSONBody          = 1 << 20
)

// startResponse is a run plus the required inputs it is still waiting for.
type startResponse struct {
	model.WorkflowExecution
	MissingInputs []string `json:"missing_inputs,omitempty"`
	Replayed      bool     `json:"replayed,omitempty"`
}

// handleRunStart starts a run. A run whose required inputs are not all
// supplied is still created, in collecting_inputs, and its missing inputs
// are listed in the response.
func handleRunStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		var body struct {
			Inputs  map[string]string `json:"inputs"`
			Options model.RunOptions  `json:"options"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		exec, replayed, err := engine.StartIdempotent(
			r.Context(), workflowID, r.Header.Get(headerIdempotencyKey), body.Inputs, body.Options,
		)
		resp := startResponse{WorkflowExecution: exec, Replayed: replayed}
		if err != nil {
			env, ok := model.AsEnvelope(err)
			if !ok || env.Code != model.ErrInputsMissing || exec.ID == "" {
				WriteError(w, err)
				return
			}
			for _, d := range env.Details {
				resp.MissingInputs = append(resp.MissingInputs, d.Field)
			}
		}

		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		WriteJSON(w, status, resp)
	}
}

func handleRunGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.Get(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleRunList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.ExecutionFilters{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Status:     model.ExecutionStatus(r.URL.Query().Get("status")),
			Page:       queryInt(r, "page", 1),
			PageSize:   queryInt(r, "page_size", 20),
		}

		summaries, totalCount, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleRunEvents(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.Events(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.ExecutionEvent{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleRunInputs(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Inputs map[string]string `json:"inputs"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		exec, err := engine.SupplyInputs(r.Context(), chi.URLParam(r, "runId"), body.Inputs)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleRunAcknowledge(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StepID string `json:"step_id"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		exec, err := engine.Acknowledge(r.Context(), chi.URLParam(r, "runId"), body.StepID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleRunCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		exec, err := engine.Cancel(r.Context(), chi.URLParam(r, "runId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleRunDelete(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := engine.Delete(r.Context(), chi.URLParam(r, "runId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- helpers ---

// decodeBody decodes a required JSON request body.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// decodeOptionalBody decodes a JSON request body that may be absent.
func decodeOptionalBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
