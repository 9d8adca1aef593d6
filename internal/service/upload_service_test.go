// Package service provides business logic services for the upload service.
package service

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/lock"
	"github.com/demasj/upload-app/internal/repository"
)

// =============================================================================
// Mock Types for UploadService
// =============================================================================

type mockStager struct {
	mock.Mock
}

func (m *mockStager) StagePart(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	args := m.Called(ctx, sessionID, index, data)
	return args.String(0), args.Error(1)
}

func (m *mockStager) Commit(ctx context.Context, sessionID string, partRefs []string) (string, error) {
	args := m.Called(ctx, sessionID, partRefs)
	return args.String(0), args.Error(1)
}

func (m *mockStager) ReleasePart(ctx context.Context, sessionID string, partRef string) error {
	args := m.Called(ctx, sessionID, partRef)
	return args.Error(0)
}

// memSessionRepo is an in-memory SessionRepository with the same conditional
// update semantics as the real backends. Mocks cannot model the version CAS
// that AdmitChunk and Complete depend on, so the tests use a stateful fake.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.UploadSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*domain.UploadSession)}
}

func cloneSession(s *domain.UploadSession) *domain.UploadSession {
	c := *s
	c.Parts = make(map[int]string, len(s.Parts))
	for k, v := range s.Parts {
		c.Parts[k] = v
	}
	return &c
}

func (r *memSessionRepo) Create(ctx context.Context, session *domain.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return repository.ErrAlreadyExists
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *memSessionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r *memSessionRepo) Update(ctx context.Context, session *domain.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[session.ID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if stored.Version != session.Version-1 {
		return repository.ErrVersionConflict
	}
	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *memSessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *memSessionRepo) ListActiveIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.UploadSession
	for _, s := range r.sessions {
		if s.IsActive() && s.IdleSince(cutoff) {
			out = append(out, cloneSession(s))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memSessionRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, s := range r.sessions {
		if s.IsTerminal() && s.IdleSince(cutoff) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ repository.SessionRepository = (*memSessionRepo)(nil)

// =============================================================================
// Helper Functions
// =============================================================================

func testUploadConfig() UploadConfig {
	cfg := DefaultUploadConfig()
	cfg.ChunkSize = 50
	cfg.MaxFileSize = 10000
	cfg.LockRetryDelay = time.Millisecond
	return cfg
}

func newTestUploadService(t *testing.T) (*UploadService, *memSessionRepo, *mockStager) {
	t.Helper()

	repo := newMemSessionRepo()
	st := new(mockStager)
	svc := NewUploadService(repo, st, lock.NewMemoryLocker(), nil, zerolog.Nop(), testUploadConfig())

	return svc, repo, st
}

func createSession(t *testing.T, svc *UploadService, filename string, fileSize int64) *CreateOutput {
	t.Helper()

	out, err := svc.Create(context.Background(), CreateInput{Filename: filename, FileSize: fileSize})
	require.NoError(t, err)
	return out
}

func chunkData(n int) []byte {
	return bytes.Repeat([]byte{0xab}, n)
}

// =============================================================================
// Create Tests
// =============================================================================

func TestUploadService_Create_Success(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	out := createSession(t, svc, "a.bin", 130)

	require.NotEmpty(t, out.UploadID)
	require.Equal(t, int64(50), out.ChunkSize)
	require.Equal(t, 3, out.TotalChunks)
}

func TestUploadService_Create_ExactMultiple(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	out := createSession(t, svc, "a.bin", 100)
	require.Equal(t, 2, out.TotalChunks)
}

func TestUploadService_Create_InvalidFileSize(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	_, err := svc.Create(context.Background(), CreateInput{Filename: "a.bin", FileSize: 0})
	require.ErrorIs(t, err, domain.ErrInvalidFileSize)

	_, err = svc.Create(context.Background(), CreateInput{Filename: "a.bin", FileSize: -5})
	require.ErrorIs(t, err, domain.ErrInvalidFileSize)
}

func TestUploadService_Create_FileTooLarge(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	_, err := svc.Create(context.Background(), CreateInput{Filename: "a.bin", FileSize: 10001})
	require.ErrorIs(t, err, domain.ErrFileTooLarge)
}

// =============================================================================
// AdmitChunk Tests
// =============================================================================

func TestUploadService_AdmitChunk_Success(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()

	res, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{
		UploadID: out.UploadID,
		Index:    0,
		Data:     chunkData(50),
	})

	require.NoError(t, err)
	require.Equal(t, "ref-0", res.PartRef)
	require.Equal(t, 1, res.AdmittedCount)
	require.Equal(t, 3, res.TotalChunks)
	require.InDelta(t, 1.0/3.0, res.Progress, 1e-9)
	st.AssertExpectations(t)
}

func TestUploadService_AdmitChunk_Idempotent(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	// The bytes are staged exactly once; the re-send returns the recorded
	// reference without touching the stager again.
	st.On("StagePart", mock.Anything, out.UploadID, 1, chunkData(50)).Return("ref-1", nil).Once()

	first, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 1, Data: chunkData(50)})
	require.NoError(t, err)

	second, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 1, Data: chunkData(50)})
	require.NoError(t, err)

	require.Equal(t, first.PartRef, second.PartRef)
	require.Equal(t, first.AdmittedCount, second.AdmittedCount)
	st.AssertExpectations(t)
}

func TestUploadService_AdmitChunk_IndexOutOfRange(t *testing.T) {
	svc, _, _ := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 3, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrChunkIndexOutOfRange)

	_, err = svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: -1, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrChunkIndexOutOfRange)
}

func TestUploadService_AdmitChunk_SizeMismatch(t *testing.T) {
	svc, _, _ := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(30)})
	require.ErrorIs(t, err, domain.ErrChunkSizeMismatch)
}

func TestUploadService_AdmitChunk_FinalChunkRemainder(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	// The final chunk must carry exactly the remainder, not a full chunk.
	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 2, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrChunkSizeMismatch)

	st.On("StagePart", mock.Anything, out.UploadID, 2, chunkData(30)).Return("ref-2", nil).Once()

	res, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 2, Data: chunkData(30)})
	require.NoError(t, err)
	require.Equal(t, "ref-2", res.PartRef)
}

func TestUploadService_AdmitChunk_UnknownSession(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: uuid.NewString(), Index: 0, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: "not-a-uuid", Index: 0, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestUploadService_AdmitChunk_CancelledSession(t *testing.T) {
	svc, _, _ := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	require.NoError(t, svc.Cancel(context.Background(), out.UploadID))

	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrSessionCancelled)
}

func TestUploadService_AdmitChunk_StageFailure(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("", context.DeadlineExceeded).Once()

	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.ErrorIs(t, err, domain.ErrStageFailed)

	// Nothing was recorded; the caller retries the same chunk.
	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, 0, status.AdmittedCount)
}

func TestUploadService_AdmitChunk_ConcurrentDistinctIndices(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	st.On("StagePart", mock.Anything, out.UploadID, 1, chunkData(50)).Return("ref-1", nil).Once()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AdmitChunk(context.Background(), AdmitChunkInput{
				UploadID: out.UploadID,
				Index:    i,
				Data:     chunkData(50),
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Both admissions are reflected: no lost update.
	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, 2, status.AdmittedCount)
}

func TestUploadService_AdmitChunk_VersionConflictRetried(t *testing.T) {
	// Without lock serialization, racing admits hit the repository's
	// conditional write; losers re-read and re-apply.
	repo := newMemSessionRepo()
	st := new(mockStager)
	svc := NewUploadService(repo, st, lock.NewNoOpLocker(), nil, zerolog.Nop(), testUploadConfig())

	out, err := svc.Create(context.Background(), CreateInput{Filename: "a.bin", FileSize: 130})
	require.NoError(t, err)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	st.On("StagePart", mock.Anything, out.UploadID, 1, chunkData(50)).Return("ref-1", nil).Once()
	st.On("StagePart", mock.Anything, out.UploadID, 2, chunkData(30)).Return("ref-2", nil).Once()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	sizes := []int{50, 50, 30}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AdmitChunk(context.Background(), AdmitChunkInput{
				UploadID: out.UploadID,
				Index:    i,
				Data:     chunkData(sizes[i]),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "chunk %d", i)
	}

	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, 3, status.AdmittedCount)
}

// =============================================================================
// GetStatus / Resume Tests
// =============================================================================

func TestUploadService_GetStatus_Progress(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, "a.bin", status.Filename)
	require.Equal(t, int64(130), status.FileSize)
	require.Equal(t, domain.SessionStateActive, status.State)
	require.Equal(t, 1, status.AdmittedCount)
	require.InDelta(t, 1.0/3.0, status.Progress, 1e-9)
}

func TestUploadService_GetStatus_NotFound(t *testing.T) {
	svc, _, _ := newTestUploadService(t)

	_, err := svc.GetStatus(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestUploadService_Resume_MissingIndices(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 230)
	require.Equal(t, 5, out.TotalChunks)

	for _, i := range []int{0, 2, 4} {
		data := chunkData(50)
		if i == 4 {
			data = chunkData(30)
		}
		st.On("StagePart", mock.Anything, out.UploadID, i, data).Return("ref", nil).Once()
		_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: i, Data: data})
		require.NoError(t, err)
	}

	res, err := svc.Resume(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 4}, res.AdmittedIndices)
	require.Equal(t, []int{1, 3}, res.MissingIndices)
}

// =============================================================================
// Complete Tests
// =============================================================================

func admitAll(t *testing.T, svc *UploadService, st *mockStager, out *CreateOutput, sizes []int) []string {
	t.Helper()

	refs := make([]string, len(sizes))
	for i, n := range sizes {
		refs[i] = "ref-" + string(rune('0'+i))
		st.On("StagePart", mock.Anything, out.UploadID, i, chunkData(n)).Return(refs[i], nil).Once()
		_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: i, Data: chunkData(n)})
		require.NoError(t, err)
	}
	return refs
}

func TestUploadService_Complete_Success(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	refs := admitAll(t, svc, st, out, []int{50, 50, 30})

	// Parts are committed in chunk-index order regardless of admission order.
	st.On("Commit", mock.Anything, out.UploadID, refs).Return("objects/"+out.UploadID, nil).Once()

	res, err := svc.Complete(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, 3, res.PartsCommitted)
	require.Equal(t, "objects/"+out.UploadID, res.ObjectHandle)

	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateCompleted, status.State)
	st.AssertExpectations(t)
}

func TestUploadService_Complete_OutOfOrderAdmission(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	// Admit in reverse; commit order must still follow chunk index.
	st.On("StagePart", mock.Anything, out.UploadID, 2, chunkData(30)).Return("ref-2", nil).Once()
	st.On("StagePart", mock.Anything, out.UploadID, 1, chunkData(50)).Return("ref-1", nil).Once()
	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()

	for _, c := range []struct {
		index int
		size  int
	}{{2, 30}, {1, 50}, {0, 50}} {
		_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: c.index, Data: chunkData(c.size)})
		require.NoError(t, err)
	}

	st.On("Commit", mock.Anything, out.UploadID, []string{"ref-0", "ref-1", "ref-2"}).Return("handle", nil).Once()

	_, err := svc.Complete(context.Background(), out.UploadID)
	require.NoError(t, err)
	st.AssertExpectations(t)
}

func TestUploadService_Complete_Incomplete(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), out.UploadID)
	require.ErrorIs(t, err, domain.ErrIncompleteUpload)

	// No state change: the caller resumes and finishes admitting.
	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, status.State)
}

func TestUploadService_Complete_CommitFailureRetryable(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	refs := admitAll(t, svc, st, out, []int{50, 50, 30})

	st.On("Commit", mock.Anything, out.UploadID, refs).Return("", context.DeadlineExceeded).Once()

	_, err := svc.Complete(context.Background(), out.UploadID)
	require.ErrorIs(t, err, domain.ErrCommitFailed)

	// The session stays Active so the same call can be re-issued.
	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateActive, status.State)

	st.On("Commit", mock.Anything, out.UploadID, refs).Return("handle", nil).Once()

	res, err := svc.Complete(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, "handle", res.ObjectHandle)
}

func TestUploadService_Complete_AlreadyCompleted(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	refs := admitAll(t, svc, st, out, []int{50, 50, 30})
	st.On("Commit", mock.Anything, out.UploadID, refs).Return("handle", nil).Once()

	_, err := svc.Complete(context.Background(), out.UploadID)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), out.UploadID)
	require.ErrorIs(t, err, domain.ErrSessionCompleted)
}

// =============================================================================
// Cancel Tests
// =============================================================================

func TestUploadService_Cancel_Success(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.NoError(t, err)

	st.On("ReleasePart", mock.Anything, out.UploadID, "ref-0").Return(nil).Once()

	require.NoError(t, svc.Cancel(context.Background(), out.UploadID))

	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateCancelled, status.State)
	st.AssertExpectations(t)
}

func TestUploadService_Cancel_Idempotent(t *testing.T) {
	svc, _, _ := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	require.NoError(t, svc.Cancel(context.Background(), out.UploadID))
	require.NoError(t, svc.Cancel(context.Background(), out.UploadID))
}

func TestUploadService_Cancel_CompletedSession(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	refs := admitAll(t, svc, st, out, []int{50, 50, 30})
	st.On("Commit", mock.Anything, out.UploadID, refs).Return("handle", nil).Once()

	_, err := svc.Complete(context.Background(), out.UploadID)
	require.NoError(t, err)

	err = svc.Cancel(context.Background(), out.UploadID)
	require.ErrorIs(t, err, domain.ErrSessionCompleted)
}

func TestUploadService_Cancel_ReleaseFailureNotPropagated(t *testing.T) {
	svc, _, st := newTestUploadService(t)
	out := createSession(t, svc, "a.bin", 130)

	st.On("StagePart", mock.Anything, out.UploadID, 0, chunkData(50)).Return("ref-0", nil).Once()
	_, err := svc.AdmitChunk(context.Background(), AdmitChunkInput{UploadID: out.UploadID, Index: 0, Data: chunkData(50)})
	require.NoError(t, err)

	st.On("ReleasePart", mock.Anything, out.UploadID, "ref-0").Return(context.DeadlineExceeded).Once()

	// Best-effort release: the cancellation itself still succeeds.
	require.NoError(t, svc.Cancel(context.Background(), out.UploadID))

	status, err := svc.GetStatus(context.Background(), out.UploadID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStateCancelled, status.State)
}
