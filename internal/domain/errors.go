// Package domain contains the core business entities for the upload service.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// Session Errors
	// ===========================================

	// ErrSessionNotFound indicates the requested upload session does not exist.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionNotActive indicates the session is in a terminal state and
	// cannot be mutated.
	ErrSessionNotActive = errors.New("upload session is not active")

	// ErrSessionCompleted indicates the session is already completed.
	ErrSessionCompleted = errors.New("upload session is already completed")

	// ErrSessionCancelled indicates the session has been cancelled.
	ErrSessionCancelled = errors.New("upload session has been cancelled")

	// ===========================================
	// Creation Errors
	// ===========================================

	// ErrInvalidFileSize indicates the declared file size is not positive.
	ErrInvalidFileSize = errors.New("file size must be a positive integer")

	// ErrFileTooLarge indicates the declared file size exceeds the configured maximum.
	ErrFileTooLarge = errors.New("file size exceeds the maximum allowed")

	// ===========================================
	// Chunk Errors
	// ===========================================

	// ErrChunkIndexOutOfRange indicates the chunk index is negative or past
	// the last chunk of the session.
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")

	// ErrChunkSizeMismatch indicates the chunk payload length violates the
	// session's chunk size contract.
	ErrChunkSizeMismatch = errors.New("chunk length does not match expected size")

	// ===========================================
	// Completion Errors
	// ===========================================

	// ErrIncompleteUpload indicates completion was attempted before every
	// chunk was admitted. The caller should resume and finish admitting.
	ErrIncompleteUpload = errors.New("upload is incomplete")

	// ErrStageFailed indicates the object stager failed to buffer a chunk.
	// Transient; the caller may retry the same chunk.
	ErrStageFailed = errors.New("failed to stage chunk")

	// ErrCommitFailed indicates the object stager failed to materialize the
	// final object. Transient; the session stays Active and completion is
	// retryable.
	ErrCommitFailed = errors.New("failed to commit staged chunks")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// SessionID identifies the affected upload session, when known.
	SessionID string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session %s)", e.Err.Error(), e.Message, e.SessionID)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, sessionID string) *DomainError {
	return &DomainError{
		Err:       err,
		Message:   message,
		SessionID: sessionID,
	}
}
