package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"srd/internal/backend"
	"srd/internal/runtime"
	"srd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// badRequest marks client input errors.
type badRequest struct{ msg string }

func (e badRequest) Error() string   { return e.msg }
func (e badRequest) StatusCode() int { return http.StatusBadRequest }

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrNotInitialized),
		errors.Is(err, backend.ErrAllBackendsFailed),
		errors.Is(err, backend.ErrClosed),
		runtime.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, runtime.ErrOutOfMemory):
		return http.StatusInsufficientStorage
	case backend.IsInitFailure(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
