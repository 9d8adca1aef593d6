package repository

import "errors"

// Repository errors
var (
	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a record with the same ID already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict indicates a conditional update lost a race with a
	// concurrent writer. The caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")
)
