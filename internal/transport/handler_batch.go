package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/skillflow/internal/batch"
	"github.com/pitabwire/skillflow/internal/definition"
	"github.com/pitabwire/skillflow/model"
)

const maxBatchBody = 8 << 20

// batchResponse is a batch together with its aggregate counts.
type batchResponse struct {
	batch.Batch
	Summary batch.Summary `json:"summary"`
}

func newBatchResponse(b batch.Batch) batchResponse {
	return batchResponse{Batch: b, Summary: batch.Summarize(b)}
}

// handleBatchSubmit starts a batch in the background. The input sets come
// either as JSON or as a CSV body whose header names the global inputs by
// id or label.
func handleBatchSubmit(runner *batch.Runner, workflows *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")
		wf, ok := workflows.GetWorkflow(workflowID)
		if !ok {
			WriteError(w, workflowNotFound(workflowID))
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("failed to read request body"))
			return
		}

		var sets []map[string]string
		opts := batch.Options{Concurrency: queryInt(r, "concurrency", 0)}
		if ms := queryInt(r, "delay_ms", -1); ms >= 0 {
			opts.Delay = millis(ms)
		}

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "text/csv" {
			sets, err = batch.ParseCSV(bytes.NewReader(raw), batch.IdentityMapping(wf))
			if err != nil {
				WriteError(w, model.NewBadRequestError(err.Error()))
				return
			}
		} else {
			var body struct {
				InputSets   []map[string]string `json:"input_sets"`
				Concurrency int                 `json:"concurrency"`
				DelayMS     *int                `json:"delay_ms"`
				Options     model.RunOptions    `json:"options"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
			sets = body.InputSets
			if body.Concurrency > 0 {
				opts.Concurrency = body.Concurrency
			}
			if body.DelayMS != nil && *body.DelayMS >= 0 {
				opts.Delay = millis(*body.DelayMS)
			}
			opts.RunOptions = body.Options
		}

		b, err := runner.Submit(r.Context(), wf.ID, sets, opts)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, newBatchResponse(b))
	}
}

func handleBatchList(runner *batch.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ids := runner.IDs()
		data := make([]batchResponse, 0, len(ids))
		for _, id := range ids {
			b, err := runner.Get(id)
			if err != nil {
				continue
			}
			b.Items = nil
			data = append(data, newBatchResponse(b))
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        data,
			"total_count": len(data),
		})
	}
}

func handleBatchGet(runner *batch.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := runner.Get(chi.URLParam(r, "batchId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newBatchResponse(b))
	}
}

func handleBatchCancel(runner *batch.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		if err := runner.Cancel(batchID); err != nil {
			WriteError(w, err)
			return
		}
		b, err := runner.Get(batchID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, newBatchResponse(b))
	}
}

func handleBatchExport(runner *batch.Runner, workflows *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := runner.Get(chi.URLParam(r, "batchId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		wf, ok := workflows.GetWorkflow(b.WorkflowID)
		if !ok {
			WriteError(w, workflowNotFound(b.WorkflowID))
			return
		}

		var buf bytes.Buffer
		if err := batch.ExportCSV(&buf, b, wf); err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="batch-`+b.ID+`.csv"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}
}

func millis(ms int) *time.Duration {
	d := time.Duration(ms) * time.Millisecond
	return &d
}
