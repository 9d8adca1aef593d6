// Package config provides configuration management for the upload server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stager   StagerConfig   `mapstructure:"stager"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the server address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds metadata store settings.
// Supports SQLite (embedded, single node), Redis and PostgreSQL (shared).
type DatabaseConfig struct {
	// Driver specifies the metadata store backend: "sqlite", "redis" or
	// "postgres". SQLite is the embedded single-node default; redis and
	// postgres are shared stores for multi-instance deployments.
	Driver string `mapstructure:"driver"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded store (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings. Redis serves either as the
// shared metadata store (database.driver = "redis") or as the distributed
// session lock for multi-instance deployments.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StagerConfig holds object stager settings.
type StagerConfig struct {
	// Backend selects the stager implementation: "fs" or "s3".
	Backend string `mapstructure:"backend"`

	// Filesystem settings (used when Backend is "fs")
	DataDir string `mapstructure:"data_dir"`
	TempDir string `mapstructure:"temp_dir"`

	S3 S3StagerConfig `mapstructure:"s3"`
}

// S3StagerConfig holds S3-compatible stager settings.
type S3StagerConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// UploadConfig holds upload session settings.
type UploadConfig struct {
	// ChunkSize is the byte length assigned to every new session.
	ChunkSize int64 `mapstructure:"chunk_size"`

	// MaxFileSize is the largest declared file size accepted at creation.
	MaxFileSize int64 `mapstructure:"max_file_size"`

	// LockTTL is the lease duration for per-session mutation locks.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// CommitLockTTL is the lease duration held across the storage commit.
	CommitLockTTL time.Duration `mapstructure:"commit_lock_ttl"`

	// LockRetries and LockRetryDelay control waiting on a contended session lock.
	LockRetries    int           `mapstructure:"lock_retries"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Port is the port for the metrics HTTP server.
	Port int `mapstructure:"port"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// SweepConfig holds expiry sweep settings.
type SweepConfig struct {
	// Enabled determines if the background sweep runs.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run the sweep.
	Interval time.Duration `mapstructure:"interval"`

	// IdleThreshold is how long a session may idle before being cancelled.
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`

	// Retention is how long terminal session records are kept.
	Retention time.Duration `mapstructure:"retention"`

	// BatchSize is the maximum number of sessions to expire per run.
	BatchSize int `mapstructure:"batch_size"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with UPLOAD_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("UPLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/upload-app")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8001)
	v.SetDefault("server.read_timeout", 5*time.Minute)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/upload.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.synchronous_mode", "NORMAL")
	// PostgreSQL defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "upload")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "upload")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Stager defaults
	v.SetDefault("stager.backend", "fs")
	v.SetDefault("stager.data_dir", "./data/objects")
	v.SetDefault("stager.temp_dir", "./data/staging")
	v.SetDefault("stager.s3.region", "us-east-1")
	v.SetDefault("stager.s3.use_path_style", true)

	// Upload defaults
	v.SetDefault("upload.chunk_size", 50*1024*1024)              // 50MB
	v.SetDefault("upload.max_file_size", 1024*1024*1024*1024)    // 1TB
	v.SetDefault("upload.lock_ttl", 30*time.Second)
	v.SetDefault("upload.commit_lock_ttl", 5*time.Minute)
	v.SetDefault("upload.lock_retries", 10)
	v.SetDefault("upload.lock_retry_delay", 50*time.Millisecond)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	// Sweep defaults
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", 30*time.Minute)
	v.SetDefault("sweep.idle_threshold", 1*time.Hour)
	v.SetDefault("sweep.retention", 24*time.Hour)
	v.SetDefault("sweep.batch_size", 1000)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	validDrivers := map[string]bool{"sqlite": true, "redis": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite', 'redis' or 'postgres'")
	}

	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite driver")
	}
	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	}

	switch c.Stager.Backend {
	case "fs":
		if c.Stager.DataDir == "" || c.Stager.TempDir == "" {
			return fmt.Errorf("stager.data_dir and stager.temp_dir are required for fs backend")
		}
	case "s3":
		if c.Stager.S3.Bucket == "" {
			return fmt.Errorf("stager.s3.bucket is required for s3 backend")
		}
	default:
		return fmt.Errorf("stager.backend must be 'fs' or 's3'")
	}

	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.Upload.MaxFileSize < c.Upload.ChunkSize {
		return fmt.Errorf("upload.max_file_size must be at least upload.chunk_size")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
