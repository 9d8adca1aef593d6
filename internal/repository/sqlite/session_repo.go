package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/repository"
)

// timeLayout is a fixed-width RFC 3339 form. Timestamps are stored as text
// and compared lexicographically in SQL, so every value must have the same
// width and the same (UTC) offset. RFC3339Nano trims trailing fractional
// zeros, which breaks that ordering at whole-second boundaries.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// sessionRepository implements repository.SessionRepository for SQLite.
type sessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new SQLite session repository.
func NewSessionRepository(db *DB) repository.SessionRepository {
	return &sessionRepository{db: db}
}

// Create persists a new upload session.
func (r *sessionRepository) Create(ctx context.Context, session *domain.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (id, filename, file_size, chunk_size, total_chunks, parts, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	partsJSON, err := encodeParts(session.Parts)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		session.ID.String(),
		session.Filename,
		session.FileSize,
		session.ChunkSize,
		session.TotalChunks,
		partsJSON,
		string(session.State),
		session.Version,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)

	if err != nil {
		if isUniqueViolation(err) {
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
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, query, id.String())
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
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
		SET parts = ?, state = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	partsJSON, err := encodeParts(session.Parts)
	if err != nil {
		return err
	}

	// Touch bumped session.Version; the stored record must still hold the
	// previous value for this write to win.
	result, err := r.db.ExecContext(ctx, query,
		partsJSON,
		string(session.State),
		session.Version,
		formatTime(session.UpdatedAt),
		session.ID.String(),
		session.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM upload_sessions WHERE id = ?`, session.ID.String()).Scan(&exists)
		if isNoRows(err) {
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
	_, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id.String())
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
		WHERE state = ? AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query,
		string(domain.SessionStateActive),
		formatTime(cutoff),
		limit,
	)
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
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM upload_sessions
		WHERE state IN (?, ?) AND updated_at < ?
	`,
		string(domain.SessionStateCompleted),
		string(domain.SessionStateCancelled),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal sessions: %w", err)
	}

	return result.RowsAffected()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.UploadSession, error) {
	session := &domain.UploadSession{}
	var idStr, partsJSON, state, createdAt, updatedAt string

	err := row.Scan(
		&idStr,
		&session.Filename,
		&session.FileSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&partsJSON,
		&state,
		&session.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", idStr, err)
	}
	session.State = domain.SessionState(state)
	session.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	session.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}

	session.Parts = make(map[int]string)
	if partsJSON != "" && partsJSON != "{}" {
		if err := json.Unmarshal([]byte(partsJSON), &session.Parts); err != nil {
			return nil, fmt.Errorf("invalid parts record: %w", err)
		}
	}

	return session, nil
}

func encodeParts(parts map[int]string) (string, error) {
	if parts == nil {
		return "{}", nil
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode parts: %w", err)
	}
	return string(data), nil
}

// Ensure sessionRepository implements repository.SessionRepository.
var _ repository.SessionRepository = (*sessionRepository)(nil)
