// Package fs provides a local filesystem stager for development and testing.
// Parts are buffered under a temp directory keyed by session ID; commit
// concatenates them in chunk order into a sharded data directory.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/stager"
)

// Stager implements stager.Stager on the local filesystem.
// Not suitable for multi-node deployments; final objects and staged parts
// live only on this node's disk.
type Stager struct {
	dataDir string
	tempDir string
	logger  zerolog.Logger
}

// New creates a filesystem stager. Both directories are created if missing.
func New(dataDir, tempDir string, logger zerolog.Logger) (*Stager, error) {
	for _, dir := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create stager directory %s: %w", dir, err)
		}
	}

	return &Stager{
		dataDir: dataDir,
		tempDir: tempDir,
		logger:  logger.With().Str("stager", "fs").Logger(),
	}, nil
}

// StagePart writes the chunk to a session-scoped staging file. The write goes
// through a temp file and rename, so a re-delivered chunk replaces the staged
// part atomically.
func (s *Stager) StagePart(ctx context.Context, sessionID string, index int, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	partRef := stager.PartID(sessionID, index)
	dir := filepath.Join(s.tempDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	dest := filepath.Join(dir, partRef)
	tmp, err := os.CreateTemp(dir, partRef+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write staged part: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize staged part: %w", err)
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", index).
		Int("size", len(data)).
		Msg("part staged")

	return partRef, nil
}

// Commit concatenates the staged parts in the given order into the final
// object path, then removes the session's staging directory.
func (s *Stager) Commit(ctx context.Context, sessionID string, partRefs []string) (string, error) {
	objectPath := s.ObjectPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(objectPath), filepath.Base(objectPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create object file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	for _, ref := range partRefs {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		part, err := os.Open(filepath.Join(s.tempDir, sessionID, ref))
		if err != nil {
			return "", fmt.Errorf("failed to open staged part %s: %w", ref, err)
		}
		_, err = io.Copy(tmp, part)
		part.Close()
		if err != nil {
			return "", fmt.Errorf("failed to append staged part %s: %w", ref, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close object file: %w", err)
	}
	if err := os.Rename(tmp.Name(), objectPath); err != nil {
		return "", fmt.Errorf("failed to finalize object: %w", err)
	}

	// The staged parts are no longer needed once the object exists.
	if err := os.RemoveAll(filepath.Join(s.tempDir, sessionID)); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove staging directory")
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Int("parts", len(partRefs)).
		Str("path", objectPath).
		Msg("object committed")

	return objectPath, nil
}

// ReleasePart removes one staged part. A part that is already gone is not an
// error.
func (s *Stager) ReleasePart(ctx context.Context, sessionID string, partRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.tempDir, sessionID, partRef))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release staged part %s: %w", partRef, err)
	}

	// Drop the session directory once it is empty; ignore failures since
	// another release may still be running.
	os.Remove(filepath.Join(s.tempDir, sessionID))
	return nil
}

// ObjectPath returns the final object path for a session, using 2-level
// directory sharding on the session ID to distribute files across
// directories.
func (s *Stager) ObjectPath(sessionID string) string {
	if len(sessionID) < 4 {
		return filepath.Join(s.dataDir, sessionID)
	}
	return filepath.Join(s.dataDir, sessionID[0:2], sessionID[2:4], sessionID)
}

// Ensure Stager implements stager.Stager.
var _ stager.Stager = (*Stager)(nil)
