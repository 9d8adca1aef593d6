// Package service provides business logic services for the upload service.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/lock"
	"github.com/demasj/upload-app/internal/metrics"
	"github.com/demasj/upload-app/internal/repository"
	"github.com/demasj/upload-app/internal/stager"
)

// updateRetries is how many times a conditional metadata write is re-applied
// after a version conflict. Conflicts are only possible on shared backends
// when another process raced past an expired lock lease.
const updateRetries = 3

// UploadService owns the upload session state machine: creation, chunk
// admission, progress queries, resume reconciliation, completion and
// cancellation.
//
// Per-session mutation is serialized through the locker: AdmitChunk, Complete
// and Cancel all hold lock.Keys.Session(id) while touching the metadata
// record. Chunk transfer to the stager happens before the lock is taken, so a
// slow staging call for one chunk never stalls admission of another chunk of
// the same session.
type UploadService struct {
	sessions repository.SessionRepository
	stager   stager.Stager
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   UploadConfig
}

// UploadConfig contains upload session settings.
type UploadConfig struct {
	// ChunkSize is the byte length assigned to every new session.
	ChunkSize int64

	// MaxFileSize is the largest declared file size accepted at creation.
	MaxFileSize int64

	// LockTTL is the lease duration for per-session mutation locks taken by
	// chunk admission and cancellation.
	LockTTL time.Duration

	// CommitLockTTL is the lease duration for completion, which holds the
	// session lock across the storage commit.
	CommitLockTTL time.Duration

	// LockRetries and LockRetryDelay control how long a mutator waits for a
	// contended session lock before giving up.
	LockRetries    int
	LockRetryDelay time.Duration
}

// DefaultUploadConfig returns sensible defaults matching the service's
// standard deployment: 50 MiB chunks, 1 TiB ceiling.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		ChunkSize:      50 * 1024 * 1024,
		MaxFileSize:    1024 * 1024 * 1024 * 1024,
		LockTTL:        30 * time.Second,
		CommitLockTTL:  5 * time.Minute,
		LockRetries:    10,
		LockRetryDelay: 50 * time.Millisecond,
	}
}

// NewUploadService creates a new UploadService.
func NewUploadService(
	sessions repository.SessionRepository,
	st stager.Stager,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config UploadConfig,
) *UploadService {
	return &UploadService{
		sessions: sessions,
		stager:   st,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "upload").Logger(),
		config:   config,
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// CreateInput contains the data needed to initialize an upload session.
type CreateInput struct {
	Filename string
	FileSize int64
}

// CreateOutput contains the result of initializing an upload session.
type CreateOutput struct {
	UploadID    string
	ChunkSize   int64
	TotalChunks int
}

// AdmitChunkInput contains one incoming chunk.
type AdmitChunkInput struct {
	UploadID string
	Index    int
	Data     []byte
}

// AdmitChunkOutput contains the result of admitting a chunk.
type AdmitChunkOutput struct {
	PartRef       string
	AdmittedCount int
	TotalChunks   int
	Progress      float64
}

// StatusOutput describes the current state of a session.
type StatusOutput struct {
	UploadID      string
	Filename      string
	FileSize      int64
	ChunkSize     int64
	AdmittedCount int
	TotalChunks   int
	State         domain.SessionState
	Progress      float64
}

// ResumeOutput extends StatusOutput with the admitted and missing chunk
// indices, so a resuming client can resubmit exactly the complement.
type ResumeOutput struct {
	StatusOutput
	AdmittedIndices []int
	MissingIndices  []int
}

// CompleteOutput contains the result of finalizing an upload.
type CompleteOutput struct {
	UploadID       string
	Filename       string
	FileSize       int64
	PartsCommitted int
	ObjectHandle   string
}

// =============================================================================
// Service Methods
// =============================================================================

// Create initializes a new upload session in the Active state and persists
// it. The chunk size comes from configuration and is fixed for the session's
// lifetime.
func (s *UploadService) Create(ctx context.Context, input CreateInput) (*CreateOutput, error) {
	if input.FileSize <= 0 {
		return nil, domain.ErrInvalidFileSize
	}
	if input.FileSize > s.config.MaxFileSize {
		return nil, domain.NewDomainError(domain.ErrFileTooLarge,
			fmt.Sprintf("declared %d bytes, maximum is %d", input.FileSize, s.config.MaxFileSize), "")
	}

	session := domain.NewUploadSession(input.Filename, input.FileSize, s.config.ChunkSize)

	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Error().Err(err).Str("filename", input.Filename).Msg("failed to create upload session")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}

	s.logger.Info().
		Str("session_id", session.ID.String()).
		Str("filename", input.Filename).
		Int64("file_size", input.FileSize).
		Int("total_chunks", session.TotalChunks).
		Msg("upload session initialized")

	return &CreateOutput{
		UploadID:    session.ID.String(),
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
	}, nil
}

// AdmitChunk validates one incoming chunk, forwards it to the stager and
// records the returned part reference. Re-sending an already-admitted chunk
// is a no-op that returns the previously recorded reference.
func (s *UploadService) AdmitChunk(ctx context.Context, input AdmitChunkInput) (*AdmitChunkOutput, error) {
	sessionID, err := uuid.Parse(input.UploadID)
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}

	if err := validateChunk(session, input.Index, int64(len(input.Data))); err != nil {
		return nil, err
	}

	// Idempotency fast path: the chunk is already durably recorded, so the
	// bytes do not need to be staged again.
	if ref, ok := session.Parts[input.Index]; ok {
		return admitOutput(session, ref), nil
	}

	// Stage before locking. The part identity is deterministic, so a retry
	// racing this call lands on the same staged part.
	ref, err := s.stager.StagePart(ctx, sessionID.String(), input.Index, input.Data)
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", input.UploadID).
			Int("chunk_index", input.Index).
			Msg("failed to stage chunk")
		return nil, fmt.Errorf("%w: %v", domain.ErrStageFailed, err)
	}

	unlock, err := s.acquireSessionLock(ctx, sessionID, s.config.LockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err = s.applyUpdate(ctx, sessionID, func(cur *domain.UploadSession) error {
		// The session may have gone terminal while the chunk was in flight.
		if err := checkActive(cur); err != nil {
			return err
		}
		cur.Parts[input.Index] = ref
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ChunksAdmitted.Inc()
		s.metrics.BytesStaged.Add(float64(len(input.Data)))
	}

	s.logger.Info().
		Str("session_id", input.UploadID).
		Int("chunk_index", input.Index).
		Int("admitted", session.AdmittedCount()).
		Int("total_chunks", session.TotalChunks).
		Msg("chunk admitted")

	return admitOutput(session, ref), nil
}

// GetStatus reports the current state and progress of a session.
func (s *UploadService) GetStatus(ctx context.Context, uploadID string) (*StatusOutput, error) {
	session, err := s.getSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	out := statusOutput(session)
	return &out, nil
}

// Resume reports session state plus the full ordered list of admitted chunk
// indices and their complement, so a caller can resubmit only the missing
// chunks.
func (s *UploadService) Resume(ctx context.Context, uploadID string) (*ResumeOutput, error) {
	session, err := s.getSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	return &ResumeOutput{
		StatusOutput:    statusOutput(session),
		AdmittedIndices: session.AdmittedIndices(),
		MissingIndices:  session.MissingIndices(),
	}, nil
}

// Complete verifies full chunk coverage, commits the staged parts in chunk
// order and transitions the session to Completed. If the storage commit
// fails, the session stays Active and the call is retryable.
//
// Complete holds the same per-session lock as AdmitChunk, so a late-arriving
// chunk and a completion can never interleave.
func (s *UploadService) Complete(ctx context.Context, uploadID string) (*CompleteOutput, error) {
	sessionID, err := uuid.Parse(uploadID)
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	if err := checkActive(session); err != nil {
		return nil, err
	}
	if !session.IsComplete() {
		return nil, incompleteErr(session)
	}

	unlock, err := s.acquireSessionLock(ctx, sessionID, s.config.CommitLockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: both the state and the part set may have
	// changed while the lock was contended.
	session, err = s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	if err := checkActive(session); err != nil {
		return nil, err
	}
	if !session.IsComplete() {
		return nil, incompleteErr(session)
	}

	handle, err := s.stager.Commit(ctx, sessionID.String(), session.OrderedPartRefs())
	if err != nil {
		s.logger.Error().Err(err).
			Str("session_id", uploadID).
			Msg("storage commit failed, session stays active")
		return nil, fmt.Errorf("%w: %v", domain.ErrCommitFailed, err)
	}

	session, err = s.applyUpdate(ctx, sessionID, func(cur *domain.UploadSession) error {
		cur.State = domain.SessionStateCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SessionsCompleted.Inc()
	}

	s.logger.Info().
		Str("session_id", uploadID).
		Str("filename", session.Filename).
		Int("parts", session.TotalChunks).
		Str("object", handle).
		Msg("upload completed")

	return &CompleteOutput{
		UploadID:       uploadID,
		Filename:       session.Filename,
		FileSize:       session.FileSize,
		PartsCommitted: session.TotalChunks,
		ObjectHandle:   handle,
	}, nil
}

// Cancel transitions a session to Cancelled regardless of how many chunks
// were admitted, then requests best-effort release of the staged parts.
// Cancelling an already-cancelled session is a no-op; a completed session
// cannot be cancelled.
func (s *UploadService) Cancel(ctx context.Context, uploadID string) error {
	sessionID, err := uuid.Parse(uploadID)
	if err != nil {
		return domain.ErrSessionNotFound
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return s.wrapRepoErr(err)
	}
	if session.State == domain.SessionStateCancelled {
		return nil
	}
	if session.State == domain.SessionStateCompleted {
		return domain.ErrSessionCompleted
	}

	unlock, err := s.acquireSessionLock(ctx, sessionID, s.config.LockTTL)
	if err != nil {
		return err
	}

	session, err = s.applyUpdate(ctx, sessionID, func(cur *domain.UploadSession) error {
		switch cur.State {
		case domain.SessionStateCancelled:
			return nil
		case domain.SessionStateCompleted:
			return domain.ErrSessionCompleted
		}
		cur.State = domain.SessionStateCancelled
		return nil
	})
	unlock()
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SessionsCancelled.Inc()
	}

	// Best-effort cleanup of staged-but-uncommitted parts. The session
	// record is authoritative for client-visible state; release failures
	// are logged, never propagated.
	for _, ref := range session.OrderedPartRefs() {
		if err := s.stager.ReleasePart(ctx, sessionID.String(), ref); err != nil {
			s.logger.Warn().Err(err).
				Str("session_id", uploadID).
				Str("part_ref", ref).
				Msg("failed to release staged part")
		}
	}

	s.logger.Info().
		Str("session_id", uploadID).
		Int("admitted", session.AdmittedCount()).
		Msg("upload cancelled")

	return nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// getSession parses the ID and loads the session for read-only operations.
// Reads do not take the session lock; the repository hands back a consistent
// snapshot of the record.
func (s *UploadService) getSession(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	sessionID, err := uuid.Parse(uploadID)
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, s.wrapRepoErr(err)
	}
	return session, nil
}

// acquireSessionLock takes the per-session mutation lock, waiting briefly for
// a contended lease. The returned function releases the lock.
func (s *UploadService) acquireSessionLock(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (func(), error) {
	key := lock.Keys.Session(sessionID.String())

	acquired, err := s.locker.AcquireWithRetry(ctx, key, ttl, s.config.LockRetries, s.config.LockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, lock.ErrNotAcquired)
	}

	return func() {
		if _, err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to release session lock")
		}
	}, nil
}

// applyUpdate re-reads the session, applies the mutation and writes it back
// conditionally. Must be called with the session lock held; version conflicts
// can still occur on shared backends if another process raced past an expired
// lease, in which case the mutation is re-applied on the fresh record.
func (s *UploadService) applyUpdate(ctx context.Context, sessionID uuid.UUID, apply func(*domain.UploadSession) error) (*domain.UploadSession, error) {
	for attempt := 0; ; attempt++ {
		session, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, s.wrapRepoErr(err)
		}

		if err := apply(session); err != nil {
			return nil, err
		}

		session.Touch()
		err = s.sessions.Update(ctx, session)
		if err == nil {
			return session, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) && attempt < updateRetries {
			continue
		}
		return nil, s.wrapRepoErr(err)
	}
}

// wrapRepoErr maps repository errors onto the service taxonomy.
func (s *UploadService) wrapRepoErr(err error) error {
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, repository.ErrNotFound) {
		return domain.ErrSessionNotFound
	}
	return fmt.Errorf("%w: %v", ErrInternalError, err)
}

// checkActive maps a terminal state onto the matching sentinel error.
func checkActive(session *domain.UploadSession) error {
	switch session.State {
	case domain.SessionStateActive:
		return nil
	case domain.SessionStateCompleted:
		return domain.ErrSessionCompleted
	case domain.SessionStateCancelled:
		return domain.ErrSessionCancelled
	default:
		return domain.ErrSessionNotActive
	}
}

// validateChunk applies the admission policy preconditions to one chunk:
// active session, index within [0, TotalChunks), and exact length. Every
// chunk must be exactly ChunkSize long except the final one, which must carry
// the remainder of the file.
func validateChunk(session *domain.UploadSession, index int, length int64) error {
	if err := checkActive(session); err != nil {
		return err
	}
	if index < 0 || index >= session.TotalChunks {
		return domain.NewDomainError(domain.ErrChunkIndexOutOfRange,
			fmt.Sprintf("index %d, session has %d chunks", index, session.TotalChunks),
			session.ID.String())
	}
	if expected := session.ExpectedChunkLength(index); length != expected {
		return domain.NewDomainError(domain.ErrChunkSizeMismatch,
			fmt.Sprintf("chunk %d is %d bytes, expected %d", index, length, expected),
			session.ID.String())
	}
	return nil
}

// incompleteErr builds the error for a premature completion attempt.
func incompleteErr(session *domain.UploadSession) error {
	return domain.NewDomainError(domain.ErrIncompleteUpload,
		fmt.Sprintf("%d of %d chunks admitted", session.AdmittedCount(), session.TotalChunks),
		session.ID.String())
}

// admitOutput builds the AdmitChunk result from the current session record.
func admitOutput(session *domain.UploadSession, ref string) *AdmitChunkOutput {
	return &AdmitChunkOutput{
		PartRef:       ref,
		AdmittedCount: session.AdmittedCount(),
		TotalChunks:   session.TotalChunks,
		Progress:      session.Progress(),
	}
}

// statusOutput builds a StatusOutput from a session record.
func statusOutput(session *domain.UploadSession) StatusOutput {
	return StatusOutput{
		UploadID:      session.ID.String(),
		Filename:      session.Filename,
		FileSize:      session.FileSize,
		ChunkSize:     session.ChunkSize,
		AdmittedCount: session.AdmittedCount(),
		TotalChunks:   session.TotalChunks,
		State:         session.State,
		Progress:      session.Progress(),
	}
}
