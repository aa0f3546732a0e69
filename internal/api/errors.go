package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/sequencer"
	"github.com/nerrad567/labhub-core/internal/store"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeTimeout      = "timeout"
	ErrCodeUnavailable  = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeUnavailable writes a 503 error response for an unconfigured
// optional component.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeHubError maps a domain error to a status code. Driver failures
// carry no sentinel and surface as 500 with their message, which is what
// an operator at the bench needs to see.
func writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrThingNotFound),
		errors.Is(err, hub.ErrKnobNotFound),
		errors.Is(err, hub.ErrWatchdogNotFound),
		errors.Is(err, hub.ErrExperimentNotFound),
		errors.Is(err, hub.ErrSamplerNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrRunNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, sequencer.ErrRunning),
		errors.Is(err, sequencer.ErrNotArmed),
		errors.Is(err, hub.ErrNoStore),
		errors.Is(err, hub.ErrRolledBack),
		errors.Is(err, hub.ErrNoPriorValue):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, sequencer.ErrNoWaveforms),
		errors.Is(err, sequencer.ErrInvalidWaveform),
		errors.Is(err, sampler.ErrUnknownAlgorithm),
		errors.Is(err, sampler.ErrUnbounded),
		errors.Is(err, sampler.ErrEmptyState),
		errors.Is(err, sampler.ErrInvalidParams),
		errors.Is(err, hub.ErrInvalidKnob):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
