// Package service provides business logic services for the upload service.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/demasj/upload-app/internal/lock"
	"github.com/demasj/upload-app/internal/metrics"
	"github.com/demasj/upload-app/internal/repository"
)

// Sweeper reclaims abandoned upload sessions. On a fixed interval it scans
// for Active sessions idle past the configured threshold and cancels them,
// bounding both metadata store growth and unreleased staged storage. It also
// prunes terminal session records past the retention window.
type Sweeper struct {
	sessions repository.SessionRepository
	upload   *UploadService
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   SweepConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// SweepConfig contains expiry sweep configuration.
type SweepConfig struct {
	// Enabled determines if the sweep runs automatically.
	Enabled bool

	// Interval is how often to run the sweep.
	Interval time.Duration

	// IdleThreshold is how long a session may sit without activity before it
	// is cancelled.
	IdleThreshold time.Duration

	// Retention is how long Completed and Cancelled records are kept before
	// being deleted from the metadata store.
	Retention time.Duration

	// BatchSize is the maximum number of sessions to expire per run.
	BatchSize int
}

// DefaultSweepConfig returns sensible defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Enabled:       true,
		Interval:      30 * time.Minute,
		IdleThreshold: 1 * time.Hour,
		Retention:     24 * time.Hour,
		BatchSize:     1000,
	}
}

// NewSweeper creates a new session sweeper.
func NewSweeper(
	sessions repository.SessionRepository,
	upload *UploadService,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweepConfig,
) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		upload:   upload,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("service", "sweep").Logger(),
		config:   config,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the sweep scheduler. A no-op when the sweep is disabled.
func (sw *Sweeper) Start() {
	if !sw.config.Enabled {
		sw.logger.Info().Msg("session sweeper disabled")
		return
	}

	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = true
	sw.mu.Unlock()

	sw.logger.Info().
		Dur("interval", sw.config.Interval).
		Dur("idle_threshold", sw.config.IdleThreshold).
		Dur("retention", sw.config.Retention).
		Msg("starting session sweeper")

	go sw.runLoop()
}

// Stop stops the sweep scheduler and waits for an in-flight run to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.stopChan)
	<-sw.doneChan

	sw.logger.Info().Msg("session sweeper stopped")
}

// runLoop is the main sweep loop.
func (sw *Sweeper) runLoop() {
	defer close(sw.doneChan)

	ticker := time.NewTicker(sw.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.RunOnce(context.Background())
		case <-sw.stopChan:
			return
		}
	}
}

// SweepResult contains the result of a sweep run.
type SweepResult struct {
	// Expired is the number of idle sessions cancelled.
	Expired int

	// Pruned is the number of terminal records deleted.
	Pruned int64

	// Errors is the number of sessions that failed to cancel.
	Errors int

	// Duration is how long the run took.
	Duration time.Duration
}

// RunOnce executes a single sweep pass. Each session is handled
// independently: a failure to cancel one never blocks the rest, and failures
// are recorded rather than retried within the same pass.
func (sw *Sweeper) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	result := SweepResult{}

	// Only one process sweeps at a time.
	lockKey := lock.Keys.Sweep()
	lockTTL := sw.config.Interval / 2
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}

	acquired, err := sw.locker.Acquire(ctx, lockKey, lockTTL)
	if err != nil {
		sw.logger.Error().Err(err).Msg("failed to acquire sweep lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if !acquired {
		sw.logger.Debug().Msg("sweep lock held by another process, skipping run")
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if _, err := sw.locker.Release(ctx, lockKey); err != nil {
			sw.logger.Error().Err(err).Msg("failed to release sweep lock")
		}
	}()

	cutoff := time.Now().UTC().Add(-sw.config.IdleThreshold)
	stale, err := sw.sessions.ListActiveIdleSince(ctx, cutoff, sw.config.BatchSize)
	if err != nil {
		sw.logger.Error().Err(err).Msg("failed to list idle sessions")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}

	for _, session := range stale {
		if err := sw.upload.Cancel(ctx, session.ID.String()); err != nil {
			sw.logger.Error().Err(err).
				Str("session_id", session.ID.String()).
				Msg("failed to cancel idle session")
			result.Errors++
			continue
		}

		sw.logger.Info().
			Str("session_id", session.ID.String()).
			Str("filename", session.Filename).
			Time("last_activity", session.UpdatedAt).
			Msg("expired idle session")
		result.Expired++
	}

	// Terminal records past retention are no longer needed for resume or
	// status queries.
	if sw.config.Retention > 0 {
		pruned, err := sw.sessions.DeleteTerminalOlderThan(ctx, time.Now().UTC().Add(-sw.config.Retention))
		if err != nil {
			sw.logger.Error().Err(err).Msg("failed to prune terminal sessions")
			result.Errors++
		} else {
			result.Pruned = pruned
		}
	}

	result.Duration = time.Since(start)

	if sw.metrics != nil {
		sw.metrics.RecordSweepRun(result.Duration.Seconds(), result.Expired)
		sw.metrics.SweepLastRunTime.SetToCurrentTime()
	}

	if result.Expired > 0 || result.Pruned > 0 || result.Errors > 0 {
		sw.logger.Info().
			Int("expired", result.Expired).
			Int64("pruned", result.Pruned).
			Int("errors", result.Errors).
			Dur("duration", result.Duration).
			Msg("sweep run completed")
	}

	return result
}
