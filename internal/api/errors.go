package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/realtime"
	"github.com/nerrad567/irrigation-core/internal/schedule"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeCommandFailed  = "command_failed"
	ErrCodeTimeout        = "timeout"
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

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeCommandError maps a control or store error onto a response.
// Failed remote writes are 502: the request was valid but the device
// store refused it and the local change was rolled back. A write that
// ran out of time is 504.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrUnknownMode), errors.Is(err, control.ErrNotWritable),
		errors.Is(err, device.ErrInvalidValue):
		writeBadRequest(w, err.Error())
	case errors.Is(err, schedule.ErrInvalid):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, schedule.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, control.ErrStopped), errors.Is(err, realtime.ErrBreakerOpen):
		writeUnavailable(w, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		// Checked before the write failure it is wrapped in.
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, control.ErrCommandFailed), errors.Is(err, control.ErrModeClearFailed),
		errors.Is(err, realtime.ErrWriteFailed):
		writeError(w, http.StatusBadGateway, ErrCodeCommandFailed, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
