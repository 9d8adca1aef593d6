// Package stager defines the interface to the object storage backend that
// buffers uploaded chunks and assembles them into final objects.
// The session manager treats staging as a blocking, cancelable network call
// and never holds a session lock across it.
package stager

import "context"

// Stager durably buffers named parts of a file and later materializes the
// final object from an ordered list of part references.
// Implementations can include S3-compatible object storage or the local
// filesystem.
type Stager interface {
	// StagePart durably buffers one chunk and returns its part reference.
	// The part identity is derived deterministically from (sessionID, index),
	// so re-delivery of the same chunk overwrites the same staged part and
	// at-least-once delivery is safe.
	StagePart(ctx context.Context, sessionID string, index int, data []byte) (partRef string, err error)

	// Commit atomically materializes the final object from the given part
	// references, which must be ordered by chunk index. Returns an opaque
	// handle for the stored object. Commit is retryable; a failed attempt
	// leaves the staged parts in place.
	Commit(ctx context.Context, sessionID string, partRefs []string) (objectHandle string, err error)

	// ReleasePart removes one staged-but-uncommitted part. Best effort:
	// callers log failures rather than propagate them.
	ReleasePart(ctx context.Context, sessionID string, partRef string) error
}
