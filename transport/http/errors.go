package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clinicflow/sales-core/internal/coreerr"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps a core error to the transport status codes of §7.
func writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "InternalError"

	switch {
	case errors.Is(err, coreerr.ErrForbidden):
		status, kind = http.StatusForbidden, "Forbidden"
	case errors.Is(err, coreerr.ErrNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case errors.Is(err, coreerr.ErrInvalidTransition):
		status, kind = http.StatusBadRequest, "InvalidTransition"
	case errors.Is(err, coreerr.ErrInsufficientStock):
		status, kind = http.StatusBadRequest, "InsufficientStock"
	case errors.Is(err, coreerr.ErrExpiredBatchOnly):
		status, kind = http.StatusBadRequest, "ExpiredBatchOnly"
	case errors.Is(err, coreerr.ErrInvalidOperation):
		status, kind = http.StatusBadRequest, "InvalidOperation"
	case errors.Is(err, coreerr.ErrValidation):
		status, kind = http.StatusBadRequest, "ValidationError"
	case errors.Is(err, coreerr.ErrConcurrencyConflict):
		status, kind = http.StatusConflict, "ConcurrencyConflict"
	case errors.Is(err, coreerr.ErrIdempotencyViolation):
		status, kind = http.StatusConflict, "IdempotencyViolation"
	case errors.Is(err, coreerr.ErrAlreadyConverted):
		status, kind = http.StatusConflict, "AlreadyConverted"
	case errors.Is(err, coreerr.ErrConfigurationError):
		status, kind = http.StatusInternalServerError, "ConfigurationError"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Kind: kind, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
