package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/registry"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeMethodNotAllow     = "method_not_allowed"
	ErrCodeTimeout            = "timeout"
	ErrCodeRejected           = "operation_rejected"
	ErrCodeAborted            = "operation_aborted"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
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

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// deviceErrorStatus maps registry and adapter errors to a status and code.
func deviceErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrDeviceNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, adapter.ErrInvalidValue):
		return http.StatusUnprocessableEntity, ErrCodeValidation
	case errors.Is(err, adapter.ErrNotSupported):
		return http.StatusMethodNotAllowed, ErrCodeMethodNotAllow
	case errors.Is(err, adapter.ErrOperationRejected):
		return http.StatusConflict, ErrCodeRejected
	case errors.Is(err, adapter.ErrOperationAborted):
		return http.StatusConflict, ErrCodeAborted
	case errors.Is(err, adapter.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, adapter.ErrBackendUnavailable), errors.Is(err, adapter.ErrStopped):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDeviceError writes the response for a failed device operation.
func writeDeviceError(w http.ResponseWriter, err error) {
	status, code := deviceErrorStatus(err)
	writeError(w, status, code, err.Error())
}
