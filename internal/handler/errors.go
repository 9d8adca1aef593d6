package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/demasj/upload-app/internal/domain"
)

// apiError is the JSON error envelope returned to clients.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps a service error onto the HTTP error envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	code, status := classify(err)

	msg := err.Error()
	var derr *domain.DomainError
	if errors.As(err, &derr) && derr.Message != "" {
		msg = derr.Unwrap().Error() + ": " + derr.Message
	}

	writeJSON(w, status, apiError{Code: code, Message: msg})
}

// classify maps domain sentinel errors onto (error code, HTTP status) pairs.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidFileSize):
		return "InvalidRequest", http.StatusBadRequest
	case errors.Is(err, domain.ErrFileTooLarge):
		return "InvalidRequest", http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrSessionCompleted),
		errors.Is(err, domain.ErrSessionCancelled),
		errors.Is(err, domain.ErrSessionNotActive):
		return "InvalidState", http.StatusConflict
	case errors.Is(err, domain.ErrChunkIndexOutOfRange),
		errors.Is(err, domain.ErrChunkSizeMismatch):
		return "InvalidChunk", http.StatusBadRequest
	case errors.Is(err, domain.ErrIncompleteUpload):
		return "IncompleteUpload", http.StatusConflict
	case errors.Is(err, domain.ErrStageFailed):
		return "StageError", http.StatusBadGateway
	case errors.Is(err, domain.ErrCommitFailed):
		return "CommitFailed", http.StatusBadGateway
	default:
		return "InternalError", http.StatusInternalServerError
	}
}
