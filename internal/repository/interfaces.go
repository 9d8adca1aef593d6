// Package repository defines data access interfaces for the upload service.
// These interfaces abstract session persistence, allowing for different
// implementations (SQLite, Redis, PostgreSQL, in-memory for testing) while
// keeping the service layer clean.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/demasj/upload-app/internal/domain"
)

// SessionRepository defines the interface for upload session persistence.
//
// Update performs a conditional write: the stored record must still carry the
// version the in-memory session was loaded with (session.Version minus the
// bump applied by Touch). Shared backends rely on this for safe concurrent
// read-modify-write; callers that lose the race get ErrVersionConflict and
// are expected to re-read and retry.
type SessionRepository interface {
	// Create persists a new session. Fails if the ID already exists.
	Create(ctx context.Context, session *domain.UploadSession) error

	// Get retrieves a session by ID.
	// Returns domain.ErrSessionNotFound if it does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error)

	// Update persists a mutated session, conditional on the record version.
	// Returns ErrVersionConflict if another writer got there first, and
	// domain.ErrSessionNotFound if the record is gone.
	Update(ctx context.Context, session *domain.UploadSession) error

	// Delete removes a session record. Deleting a missing record is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListActiveIdleSince returns Active sessions whose UpdatedAt is older
	// than the cutoff, up to limit. Used by the expiry sweep.
	ListActiveIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error)

	// DeleteTerminalOlderThan removes Completed and Cancelled records whose
	// UpdatedAt is older than the cutoff. Returns the number deleted.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DatabaseHealth is an interface for backend health checks.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Close() error
}
