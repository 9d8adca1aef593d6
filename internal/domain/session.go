// Package domain contains the core business entities for the upload service.
package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of an upload session.
type SessionState string

const (
	// SessionStateActive indicates the session is accepting chunks.
	SessionStateActive SessionState = "Active"

	// SessionStateCompleted indicates all chunks were committed to storage.
	SessionStateCompleted SessionState = "Completed"

	// SessionStateCancelled indicates the session was cancelled before completion.
	SessionStateCancelled SessionState = "Cancelled"
)

// UploadSession tracks one chunked upload of a large file from initialization
// to completion or cancellation. Sessions survive client disconnects and
// process restarts; the metadata store holds the authoritative record.
type UploadSession struct {
	// ID is the unique identifier for this session and the metadata store key.
	ID uuid.UUID `json:"upload_id"`

	// Filename is the caller-supplied original name. Informational only;
	// it is never used as a storage key.
	Filename string `json:"filename"`

	// FileSize is the total declared byte length of the file.
	FileSize int64 `json:"file_size"`

	// ChunkSize is the byte length agreed for this session. Fixed for the
	// session's lifetime; every chunk except the last must be exactly this long.
	ChunkSize int64 `json:"chunk_size"`

	// TotalChunks is ceil(FileSize / ChunkSize), computed once at creation.
	TotalChunks int `json:"total_chunks"`

	// Parts maps an admitted chunk index to the part reference the stager
	// returned for it. Keys are a subset of [0, TotalChunks).
	Parts map[int]string `json:"parts"`

	// State is the current session state.
	State SessionState `json:"state"`

	// Version is incremented on every persisted mutation. Shared backends use
	// it for conditional updates.
	Version int64 `json:"version"`

	// CreatedAt is when the session was initialized.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is refreshed on every chunk admission, completion, or
	// cancellation. The expiry sweep keys off this timestamp.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUploadSession creates a new session in the Active state.
func NewUploadSession(filename string, fileSize, chunkSize int64) *UploadSession {
	now := time.Now().UTC()
	return &UploadSession{
		ID:          uuid.New(),
		Filename:    filename,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: TotalChunksFor(fileSize, chunkSize),
		Parts:       make(map[int]string),
		State:       SessionStateActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TotalChunksFor returns ceil(fileSize / chunkSize).
func TotalChunksFor(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// IsActive returns true if the session is still accepting chunks.
func (s *UploadSession) IsActive() bool {
	return s.State == SessionStateActive
}

// IsTerminal returns true if the session reached Completed or Cancelled.
func (s *UploadSession) IsTerminal() bool {
	return s.State == SessionStateCompleted || s.State == SessionStateCancelled
}

// AdmittedCount returns the number of chunks recorded so far.
func (s *UploadSession) AdmittedCount() int {
	return len(s.Parts)
}

// IsComplete returns true if every chunk index in [0, TotalChunks) has been
// admitted.
func (s *UploadSession) IsComplete() bool {
	return len(s.Parts) == s.TotalChunks
}

// Progress returns the admitted fraction in [0, 1].
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.Parts)) / float64(s.TotalChunks)
}

// ExpectedChunkLength returns the required byte length for the chunk at the
// given index. Every chunk is exactly ChunkSize long except the final one,
// which carries the remainder of the file.
func (s *UploadSession) ExpectedChunkLength(index int) int64 {
	if index == s.TotalChunks-1 {
		return s.FileSize - int64(index)*s.ChunkSize
	}
	return s.ChunkSize
}

// AdmittedIndices returns the admitted chunk indices in ascending order.
func (s *UploadSession) AdmittedIndices() []int {
	indices := make([]int, 0, len(s.Parts))
	for i := range s.Parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}

// MissingIndices returns the chunk indices not yet admitted, in ascending
// order. A resuming client uploads exactly these.
func (s *UploadSession) MissingIndices() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.Parts))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// OrderedPartRefs returns the recorded part references ordered by chunk
// index, not by admission order. This is the commit order.
func (s *UploadSession) OrderedPartRefs() []string {
	refs := make([]string, 0, len(s.Parts))
	for _, i := range s.AdmittedIndices() {
		refs = append(refs, s.Parts[i])
	}
	return refs
}

// Touch refreshes UpdatedAt and bumps the record version.
func (s *UploadSession) Touch() {
	s.UpdatedAt = time.Now().UTC()
	s.Version++
}

// IdleSince reports whether the session saw no activity after the cutoff.
func (s *UploadSession) IdleSince(cutoff time.Time) bool {
	return s.UpdatedAt.Before(cutoff)
}
