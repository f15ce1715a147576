// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the skillflow API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/skillflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusConflict,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrSkillUnavailable:  http.StatusBadGateway,
	model.ErrSkillTimeout:      http.StatusGatewayTimeout,
	model.ErrWorkflowNotFound:  http.StatusNotFound,
	model.ErrExecutionNotFound: http.StatusNotFound,
	model.ErrInputsMissing:     http.StatusUnprocessableEntity,
	model.ErrSkillNotFound:     http.StatusNotFound,
	model.ErrStepFailed:        http.StatusUnprocessableEntity,
	model.ErrDefinitionInvalid: http.StatusUnprocessableEntity,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err carries no *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
