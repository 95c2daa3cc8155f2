package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fanoutctl/internal/domain"
)

// writeError maps a domain error to its HTTP status code and writes the
// §7 error envelope. Unrecognised errors default to 500.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), errorResponse{Code: statusForError(err), Message: err.Error()})
}

func statusForError(err error) int {
	var (
		validationErr  *domain.ValidationError
		notFoundErr    *domain.NotFoundError
		accessDenied   *domain.AccessDeniedError
		conflictErr    *domain.ConflictError
		configErr      *domain.ConfigError
		timeoutErr     *domain.TimeoutError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &accessDenied):
		return http.StatusForbidden
	case errors.As(err, &conflictErr):
		return http.StatusConflict
	case errors.As(err, &configErr):
		return http.StatusBadRequest
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: message})
}

func writeForbidden(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, errorResponse{Code: http.StatusForbidden, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorResponse{Code: http.StatusUnauthorized, Message: message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, errorResponse{Code: http.StatusNotFound, Message: message})
}
