package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/repository"
)

// sessionRepository implements repository.SessionRepository for PostgreSQL.
type sessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new PostgreSQL session repository.
func NewSessionRepository(db *DB) repository.SessionRepository {
	return &sessionRepository{db: db}
}

// Create persists a new upload session.
func (r *sessionRepository) Create(ctx context.Context, session *domain.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (id, filename, file_size, chunk_size, total_chunks, parts, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	partsJSON, err := json.Marshal(session.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, query,
		session.ID,
		session.Filename,
		session.FileSize,
		session.ChunkSize,
		session.TotalChunks,
		partsJSON,
		string(session.State),
		session.Version,
		session.CreatedAt,
		session.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves an upload session by ID.
func (r *sessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	query := `
		SELECT id, filename, file_size, chunk_size, total_chunks, parts, state, version, created_at, updated_at
		FROM upload_sessions
		WHERE id = $1
	`

	session, err := scanSession(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// Update persists a mutated session, conditional on the stored version still
// matching the version the session was loaded with.
func (r *sessionRepository) Update(ctx context.Context, session *domain.UploadSession) error {
	query := `
		UPDATE upload_sessions
		SET parts = $1, state = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`

	partsJSON, err := json.Marshal(session.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}

	// Touch bumped session.Version; the stored record must still hold the
	// previous value for this write to win.
	tag, err := r.db.Pool.Exec(ctx, query,
		partsJSON,
		string(session.State),
		session.Version,
		session.UpdatedAt,
		session.ID,
		session.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists int
		err := r.db.Pool.QueryRow(ctx, `SELECT 1 FROM upload_sessions WHERE id = $1`, session.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check session existence: %w", err)
		}
		return repository.ErrVersionConflict
	}

	return nil
}

// Delete removes a session record. Deleting a missing record is not an error.
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListActiveIdleSince returns Active sessions whose last activity predates the
// cutoff, oldest first.
func (r *sessionRepository) ListActiveIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, filename, file_size, chunk_size, total_chunks, parts, state, version, created_at, updated_at
		FROM upload_sessions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, string(domain.SessionStateActive), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// DeleteTerminalOlderThan removes Completed and Cancelled records whose last
// update predates the cutoff.
func (r *sessionRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM upload_sessions
		WHERE state IN ($1, $2) AND updated_at < $3
	`,
		string(domain.SessionStateCompleted),
		string(domain.SessionStateCancelled),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal sessions: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.UploadSession, error) {
	session := &domain.UploadSession{}
	var partsJSON []byte
	var state string

	err := row.Scan(
		&session.ID,
		&session.Filename,
		&session.FileSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&partsJSON,
		&state,
		&session.Version,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.State = domain.SessionState(state)
	session.Parts = make(map[int]string)
	if len(partsJSON) > 0 {
		if err := json.Unmarshal(partsJSON, &session.Parts); err != nil {
			return nil, fmt.Errorf("invalid parts record: %w", err)
		}
	}

	return session, nil
}

// Ensure sessionRepository implements repository.SessionRepository.
var _ repository.SessionRepository = (*sessionRepository)(nil)
