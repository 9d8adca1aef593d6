package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/demasj/upload-app/internal/domain"
	"github.com/demasj/upload-app/internal/repository"
)

func newTestRepo(t *testing.T) repository.SessionRepository {
	repo, _ := newTestRepoWithDB(t)
	return repo
}

func newTestRepoWithDB(t *testing.T) (repository.SessionRepository, *DB) {
	t.Helper()

	ctx := context.Background()
	db, err := NewDB(ctx, DefaultConfig(":memory:"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))

	return NewSessionRepository(db), db
}

func TestSessionRepository_CreateGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	session.Parts[0] = "ref-0"
	require.NoError(t, repo.Create(ctx, session))

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)
	require.Equal(t, "a.bin", got.Filename)
	require.Equal(t, int64(130), got.FileSize)
	require.Equal(t, int64(50), got.ChunkSize)
	require.Equal(t, 3, got.TotalChunks)
	require.Equal(t, domain.SessionStateActive, got.State)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, map[int]string{0: "ref-0"}, got.Parts)
}

func TestSessionRepository_Create_Duplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, session))
	require.ErrorIs(t, repo.Create(ctx, session), repository.ErrAlreadyExists)
}

func TestSessionRepository_Get_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionRepository_Update(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, session))

	session.Parts[1] = "ref-1"
	session.Touch()
	require.NoError(t, repo.Update(ctx, session))

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, "ref-1", got.Parts[1])
}

func TestSessionRepository_Update_VersionConflict(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, session))

	// Two readers load version 1; the first write wins.
	first, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	second, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)

	first.Parts[0] = "ref-0"
	first.Touch()
	require.NoError(t, repo.Update(ctx, first))

	second.Parts[1] = "ref-1"
	second.Touch()
	require.ErrorIs(t, repo.Update(ctx, second), repository.ErrVersionConflict)

	// The losing write left no trace.
	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, map[int]string{0: "ref-0"}, got.Parts)
}

func TestSessionRepository_Update_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	session := domain.NewUploadSession("a.bin", 130, 50)
	session.Touch()
	require.ErrorIs(t, repo.Update(context.Background(), session), domain.ErrSessionNotFound)
}

func TestSessionRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, session))

	require.NoError(t, repo.Delete(ctx, session.ID))

	_, err := repo.Get(ctx, session.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	// Deleting a missing record is not an error.
	require.NoError(t, repo.Delete(ctx, session.ID))
}

func TestSessionRepository_ListActiveIdleSince(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	idle := domain.NewUploadSession("idle.bin", 130, 50)
	idle.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, repo.Create(ctx, idle))

	fresh := domain.NewUploadSession("fresh.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, fresh))

	cancelled := domain.NewUploadSession("cancelled.bin", 130, 50)
	cancelled.State = domain.SessionStateCancelled
	cancelled.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, repo.Create(ctx, cancelled))

	stale, err := repo.ListActiveIdleSince(ctx, time.Now().UTC().Add(-time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, idle.ID, stale[0].ID)
}

func TestSessionRepository_ListActiveIdleSince_SubsecondBoundary(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Timestamps are compared as text, so a whole-second value must still
	// sort before a fractional value later in the same second.
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	older := domain.NewUploadSession("older.bin", 130, 50)
	older.UpdatedAt = base
	require.NoError(t, repo.Create(ctx, older))

	newer := domain.NewUploadSession("newer.bin", 130, 50)
	newer.UpdatedAt = base.Add(500 * time.Millisecond)
	require.NoError(t, repo.Create(ctx, newer))

	stale, err := repo.ListActiveIdleSince(ctx, base.Add(250*time.Millisecond), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, older.ID, stale[0].ID)

	stale, err = repo.ListActiveIdleSince(ctx, base.Add(time.Second), 100)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	require.Equal(t, older.ID, stale[0].ID)
	require.Equal(t, newer.ID, stale[1].ID)
}

func TestSessionRepository_Get_CorruptTimestamp(t *testing.T) {
	repo, db := newTestRepoWithDB(t)
	ctx := context.Background()

	session := domain.NewUploadSession("a.bin", 130, 50)
	require.NoError(t, repo.Create(ctx, session))

	_, err := db.ExecContext(ctx,
		`UPDATE upload_sessions SET updated_at = ? WHERE id = ?`,
		"not-a-timestamp", session.ID.String(),
	)
	require.NoError(t, err)

	// A mangled row must surface as an error, not as a zero timestamp that
	// would make the session look infinitely idle.
	_, err = repo.Get(ctx, session.ID)
	require.Error(t, err)
	require.ErrorContains(t, err, "updated_at")
}

func TestSessionRepository_DeleteTerminalOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	oldCancelled := domain.NewUploadSession("old.bin", 130, 50)
	oldCancelled.State = domain.SessionStateCancelled
	oldCancelled.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.Create(ctx, oldCancelled))

	recentCompleted := domain.NewUploadSession("recent.bin", 130, 50)
	recentCompleted.State = domain.SessionStateCompleted
	require.NoError(t, repo.Create(ctx, recentCompleted))

	active := domain.NewUploadSession("active.bin", 130, 50)
	active.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.Create(ctx, active))

	deleted, err := repo.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = repo.Get(ctx, oldCancelled.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.Get(ctx, recentCompleted.ID)
	require.NoError(t, err)
	_, err = repo.Get(ctx, active.ID)
	require.NoError(t, err)
}
