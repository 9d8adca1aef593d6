// Package service provides business logic services for the upload service.
package service

import "errors"

// Common service errors.
var (
	// ErrInternalError indicates an unexpected infrastructure failure.
	// The caller may retry the same call; all mutating operations are safe
	// to re-issue with the same session id and chunk index.
	ErrInternalError = errors.New("internal server error")
)
