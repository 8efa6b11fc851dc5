package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/repository"
	"github.com/Nano112/polymerase-sub001/internal/runs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a failure to its HTTP status and the shared Error body.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeErrorKind(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, repository.ErrConflict):
		writeErrorKind(w, http.StatusConflict, "conflict", err.Error())
		return
	case errors.Is(err, runs.ErrNotCancellable):
		writeErrorKind(w, http.StatusConflict, "conflict", err.Error())
		return
	}

	var fe *flow.Error
	if !errors.As(err, &fe) {
		writeErrorKind(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, statusFor(fe.Kind), map[string]any{"error": fe})
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"type": kind, "message": message},
	})
}

func statusFor(kind flow.ErrorKind) int {
	switch kind {
	case flow.ErrValidation, flow.ErrCycle:
		return http.StatusBadRequest
	case flow.ErrAuth:
		return http.StatusUnauthorized
	case flow.ErrRateLimit:
		return http.StatusTooManyRequests
	case flow.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
