package journeyapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/progression"
	"github.com/vitalpath/journey/internal/ruleengine"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_NOT_FOUND").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details carries field issues or, for unmet conditions, per-rule state.
	Details any `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	render.Status(r, status)
	render.JSON(w, r, body)
}

// writeError maps a service error onto the HTTP taxonomy. Internals never
// reach the response body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cnm *progression.ConditionsNotMetError

	switch {
	case errors.As(err, &cnm):
		rules := cnm.Rules
		if rules == nil {
			rules = []ruleengine.RuleStatus{}
		}
		writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrorResponse{
			Code:    "ERR_CONDITIONS_NOT_MET",
			Message: "Task conditions are not met yet",
			Details: rules,
		})
	case errors.Is(err, progression.ErrNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "Task or stage not found",
		})
	case errors.Is(err, progression.ErrForbidden):
		writeErrorResponse(w, r, http.StatusForbidden, ErrorResponse{
			Code:    "ERR_FORBIDDEN",
			Message: "You do not have access to this task",
		})
	case errors.Is(err, progression.ErrStageLocked):
		writeErrorResponse(w, r, http.StatusConflict, ErrorResponse{
			Code:    "ERR_STAGE_LOCKED",
			Message: "Complete the previous stage first",
		})
	case errors.Is(err, progression.ErrInvalidRequest):
		writeErrorResponse(w, r, http.StatusBadRequest, ErrorResponse{
			Code:    "ERR_BAD_REQUEST",
			Message: "The request could not be processed",
		})
	case errors.Is(err, progression.ErrUnavailable):
		logger.FromContext(r.Context()).Warn("retryable failure", slog.String("error", err.Error()))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrorResponse{
			Code:    "ERR_RETRYABLE",
			Message: "Temporarily unavailable, please retry",
		})
	default:
		logger.FromContext(r.Context()).Error("request failed", slog.String("error", err.Error()))
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrorResponse{
			Code:    "ERR_INTERNAL",
			Message: "Internal server error",
		})
	}
}
