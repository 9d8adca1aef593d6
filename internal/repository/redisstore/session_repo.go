// Package redisstore provides the shared key-value session metadata store.
// Each session is one JSON record; conditional updates use WATCH/MULTI so
// concurrent writers on different instances cannot clobber each other.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/repository"
)

const keyPrefix = "upload:session:"

// sessionRepository implements repository.SessionRepository on Redis.
type sessionRepository struct {
	client *redis.Client
}

// NewSessionRepository creates a new Redis session repository.
func NewSessionRepository(client *redis.Client) repository.SessionRepository {
	return &sessionRepository{client: client}
}

func sessionKey(id uuid.UUID) string {
	return keyPrefix + id.String()
}

// Create persists a new upload session.
func (r *sessionRepository) Create(ctx context.Context, session *domain.UploadSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ok, err := r.client.SetNX(ctx, sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return repository.ErrAlreadyExists
	}

	return nil
}

// Get retrieves an upload session by ID.
func (r *sessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return decodeSession(data)
}

// Update persists a mutated session, conditional on the stored version still
// matching the version the session was loaded with.
func (r *sessionRepository) Update(ctx context.Context, session *domain.UploadSession) error {
	key := sessionKey(session.ID)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	// WATCH the record, verify the version, then write inside MULTI. If any
	// other writer touches the key between WATCH and EXEC the transaction
	// fails and the caller retries with a fresh read.
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrSessionNotFound
			}
			return fmt.Errorf("failed to read session: %w", err)
		}

		stored, err := decodeSession(current)
		if err != nil {
			return err
		}
		// Touch bumped session.Version; the stored record must still hold
		// the previous value for this write to win.
		if stored.Version != session.Version-1 {
			return repository.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return repository.ErrVersionConflict
	}
	return err
}

// Delete removes a session record. Deleting a missing record is not an error.
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListActiveIdleSince returns Active sessions whose last activity predates the
// cutoff, up to limit. Scans the session keyspace; the sweep runs rarely
// enough that a full scan is acceptable.
func (r *sessionRepository) ListActiveIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	if limit <= 0 {
		limit = 1000
	}

	var sessions []*domain.UploadSession
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // deleted between SCAN and GET
			}
			return nil, fmt.Errorf("failed to read session: %w", err)
		}

		session, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if session.IsActive() && session.IdleSince(cutoff) {
			sessions = append(sessions, session)
			if len(sessions) >= limit {
				break
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	return sessions, nil
}

// DeleteTerminalOlderThan removes Completed and Cancelled records whose last
// update predates the cutoff.
func (r *sessionRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return deleted, fmt.Errorf("failed to read session: %w", err)
		}

		session, err := decodeSession(data)
		if err != nil {
			return deleted, err
		}
		if session.IsTerminal() && session.IdleSince(cutoff) {
			if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
				return deleted, fmt.Errorf("failed to delete session: %w", err)
			}
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan sessions: %w", err)
	}

	return deleted, nil
}

func decodeSession(data []byte) (*domain.UploadSession, error) {
	session := &domain.UploadSession{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("invalid session record: %w", err)
	}
	if session.Parts == nil {
		session.Parts = make(map[int]string)
	}
	return session, nil
}

// Ensure sessionRepository implements repository.SessionRepository.
var _ repository.SessionRepository = (*sessionRepository)(nil)
