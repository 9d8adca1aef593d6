// Package main is the entry point for the upload server, a resumable
// chunked-upload service for large files.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/demasj/upload-app/internal/config"
	"github.com/demasj/upload-app/internal/handler"
	"github.com/demasj/upload-app/internal/lock"
	"github.com/demasj/upload-app/internal/metrics"
	"github.com/demasj/upload-app/internal/repository"
	"github.com/demasj/upload-app/internal/repository/postgres"
	"github.com/demasj/upload-app/internal/repository/redisstore"
	"github.com/demasj/upload-app/internal/repository/sqlite"
	"github.com/demasj/upload-app/internal/service"
	"github.com/demasj/upload-app/internal/stager"
	fsstager "github.com/demasj/upload-app/internal/stager/fs"
	s3stager "github.com/demasj/upload-app/internal/stager/s3"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting upload server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Redis client is shared by the redis metadata store and the
	// distributed lock.
	var redisClient *redis.Client
	if cfg.Redis.Enabled || cfg.Database.Driver == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info().Str("addr", cfg.Redis.Addr()).Msg("connected to redis")
	}

	sessions, storeHealth, closeStore, err := buildSessionStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker := buildLocker(redisClient, logger)

	st, err := buildStager(ctx, cfg.Stager, logger)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	uploadService := service.NewUploadService(sessions, st, locker, m, logger, service.UploadConfig{
		ChunkSize:      cfg.Upload.ChunkSize,
		MaxFileSize:    cfg.Upload.MaxFileSize,
		LockTTL:        cfg.Upload.LockTTL,
		CommitLockTTL:  cfg.Upload.CommitLockTTL,
		LockRetries:    cfg.Upload.LockRetries,
		LockRetryDelay: cfg.Upload.LockRetryDelay,
	})

	sweeper := service.NewSweeper(sessions, uploadService, locker, m, logger, service.SweepConfig{
		Enabled:       cfg.Sweep.Enabled,
		Interval:      cfg.Sweep.Interval,
		IdleThreshold: cfg.Sweep.IdleThreshold,
		Retention:     cfg.Sweep.Retention,
		BatchSize:     cfg.Sweep.BatchSize,
	})
	sweeper.Start()
	defer sweeper.Stop()

	uploadHandler := handler.NewUploadHandler(uploadService, handler.UploadConfigInfo{
		ChunkSize:   cfg.Upload.ChunkSize,
		MaxFileSize: cfg.Upload.MaxFileSize,
	}, logger)
	router := handler.NewRouter(uploadHandler, storeHealth, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if m != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info().Str("addr", metricsServer.Addr).Msg("metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown failed")
		}
	}

	logger.Info().Msg("server stopped")
	return nil
}

// buildSessionStore selects the metadata store backend from configuration.
// The returned DatabaseHealth feeds the health endpoint.
func buildSessionStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger zerolog.Logger) (repository.SessionRepository, repository.DatabaseHealth, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlite.NewDB(ctx, sqlite.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: time.Hour,
			JournalMode:     cfg.Database.JournalMode,
			BusyTimeout:     cfg.Database.BusyTimeout,
			SynchronousMode: cfg.Database.SynchronousMode,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return sqlite.NewSessionRepository(db), db, func() { db.Close() }, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return postgres.NewSessionRepository(db), db, func() { db.Close() }, nil

	case "redis":
		if redisClient == nil {
			return nil, nil, nil, fmt.Errorf("redis driver selected but redis is not configured")
		}
		// The client lifetime is managed by the caller.
		return redisstore.NewSessionRepository(redisClient), redisstore.NewHealth(redisClient), func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// buildLocker selects the session lock implementation. With Redis available
// the lock is shared across instances; otherwise it is process-local, which
// is correct for single-node embedded deployments.
func buildLocker(redisClient *redis.Client, logger zerolog.Logger) lock.Locker {
	if redisClient != nil {
		logger.Info().Msg("using distributed redis lock")
		return lock.NewRedisLocker(redisClient)
	}
	logger.Info().Msg("using in-process lock")
	return lock.NewMemoryLocker()
}

// buildStager selects the object stager backend from configuration.
func buildStager(ctx context.Context, cfg config.StagerConfig, logger zerolog.Logger) (stager.Stager, error) {
	switch cfg.Backend {
	case "fs":
		return fsstager.New(cfg.DataDir, cfg.TempDir, logger)
	case "s3":
		return s3stager.New(ctx, s3stager.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown stager backend %q", cfg.Backend)
	}
}

// setupLogger configures the global logger from configuration.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	return logger.Level(level)
}
