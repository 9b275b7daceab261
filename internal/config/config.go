// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package config loads and validates tapesafe configuration using layered
// sources: struct defaults, an optional YAML file, then environment
// variables (highest priority).
package config

import (
	"time"
)

// Config is the root configuration for the tapesafe engine and daemon.
type Config struct {
	Staging   StagingConfig   `koanf:"staging"`
	Capture   CaptureConfig   `koanf:"capture"`
	Assembler AssemblerConfig `koanf:"assembler"`
	Upload    UploadConfig    `koanf:"upload"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Events    EventsConfig    `koanf:"events"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig controls the daemon's metrics and health endpoint.
type ServerConfig struct {
	// MetricsAddr is the listen address for /metrics and /healthz.
	// Empty disables the endpoint.
	MetricsAddr string `koanf:"metrics_addr"`

	// ShutdownTimeout bounds graceful shutdown of the daemon's services.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StagingConfig controls the local durable staging store.
type StagingConfig struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string `koanf:"path"`

	// SyncWrites forces fsync after every write. A chunk seal is not
	// acknowledged until the write is durable, so this defaults to true.
	SyncWrites bool `koanf:"sync_writes"`

	// MemTableSize is the size of each BadgerDB memtable in bytes.
	MemTableSize int64 `koanf:"memtable_size"`

	// ValueLogFileSize is the size of each BadgerDB value log file in bytes.
	ValueLogFileSize int64 `koanf:"vlog_size"`

	// NumCompactors is the number of BadgerDB compaction workers (min 2).
	NumCompactors int `koanf:"num_compactors"`

	// GCRatio is the BadgerDB value log garbage collection ratio.
	GCRatio float64 `koanf:"gc_ratio"`

	// CloseTimeout bounds graceful store shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`

	// JanitorInterval is the time between purge/GC runs.
	JanitorInterval time.Duration `koanf:"janitor_interval"`

	// AbandonedRetention is how long staged chunks of abandoned sessions
	// are kept for reclamation before the janitor removes them.
	AbandonedRetention time.Duration `koanf:"abandoned_retention"`
}

// CaptureConfig controls the audio capture adapter.
type CaptureConfig struct {
	// SliceDuration is the length of each capture slice.
	SliceDuration time.Duration `koanf:"slice_duration"`

	// AmplitudeInterval is the period of amplitude monitoring samples.
	AmplitudeInterval time.Duration `koanf:"amplitude_interval"`

	// SampleRate is the PCM sample rate in Hz, passed through to the host
	// capture primitive.
	SampleRate int `koanf:"sample_rate"`

	// Channels is the channel count requested from the capture primitive.
	Channels int `koanf:"channels"`
}

// AssemblerConfig controls chunk boundaries.
type AssemblerConfig struct {
	// ChunkDuration is the time-based chunk boundary.
	ChunkDuration time.Duration `koanf:"chunk_duration"`

	// MaxChunkBytes forces a seal when accumulated slices reach this size,
	// regardless of elapsed time. Zero disables the size boundary.
	MaxChunkBytes int64 `koanf:"max_chunk_bytes"`
}

// UploadConfig controls the upload manager and transport.
type UploadConfig struct {
	// Endpoint is the base URL of the blob-store endpoint.
	Endpoint string `koanf:"endpoint"`

	// AuthToken is an opaque bearer token forwarded to the endpoint.
	AuthToken string `koanf:"auth_token"`

	// SessionConcurrency is the number of concurrent uploads per session.
	SessionConcurrency int `koanf:"session_concurrency"`

	// PoolSize bounds concurrent uploads across all sessions.
	PoolSize int `koanf:"pool_size"`

	// AttemptTimeout bounds a single upload attempt, distinct from the
	// overall retry budget. Exceeding it is a retryable failure.
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`

	// MaxRetries is the retry budget per chunk before it is marked
	// permanently failed and surfaced.
	MaxRetries int `koanf:"max_retries"`

	// BackoffBase is the initial retry delay.
	BackoffBase time.Duration `koanf:"backoff_base"`

	// BackoffFactor multiplies the delay after each failure.
	BackoffFactor float64 `koanf:"backoff_factor"`

	// BackoffCap is the maximum retry delay.
	BackoffCap time.Duration `koanf:"backoff_cap"`

	// BackoffJitter is the randomization factor applied to each delay.
	BackoffJitter float64 `koanf:"backoff_jitter"`

	// BreakerThreshold is the consecutive transport failure count that
	// opens the circuit breaker.
	BreakerThreshold uint32 `koanf:"breaker_threshold"`

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`

	// CompletionURL, when set, receives a POST once a session finalizes.
	// This is the hook for the downstream transcription collaborator.
	CompletionURL string `koanf:"completion_url"`
}

// LifecycleConfig controls the lifecycle guard.
type LifecycleConfig struct {
	// CheckpointInterval is how often non-terminal sessions are
	// checkpointed independent of host signals.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
}

// EventsConfig controls the in-process event bus.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel buffer.
	BufferSize int64 `koanf:"buffer_size"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Staging: StagingConfig{
			Path:               "/data/tapesafe/staging",
			SyncWrites:         true,
			MemTableSize:       16 * 1024 * 1024,
			ValueLogFileSize:   64 * 1024 * 1024,
			NumCompactors:      2,
			GCRatio:            0.5,
			CloseTimeout:       30 * time.Second,
			JanitorInterval:    10 * time.Minute,
			AbandonedRetention: 72 * time.Hour,
		},
		Capture: CaptureConfig{
			SliceDuration:     5 * time.Second,
			AmplitudeInterval: 200 * time.Millisecond,
			SampleRate:        16000,
			Channels:          1,
		},
		Assembler: AssemblerConfig{
			ChunkDuration: 5 * time.Minute,
			MaxChunkBytes: 0,
		},
		Upload: UploadConfig{
			Endpoint:           "",
			AuthToken:          "",
			SessionConcurrency: 1,
			PoolSize:           4,
			AttemptTimeout:     30 * time.Second,
			MaxRetries:         8,
			BackoffBase:        2 * time.Second,
			BackoffFactor:      2.0,
			BackoffCap:         5 * time.Minute,
			BackoffJitter:      0.2,
			BreakerThreshold:   5,
			BreakerCooldown:    30 * time.Second,
			CompletionURL:      "",
		},
		Lifecycle: LifecycleConfig{
			CheckpointInterval: 30 * time.Second,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Server: ServerConfig{
			MetricsAddr:     ":9464",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Staging.Path == "" {
		return &ConfigError{Field: "staging.path", Message: "staging path is required"}
	}
	if c.Staging.NumCompactors < 2 {
		return &ConfigError{Field: "staging.num_compactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.Staging.MemTableSize < 1024*1024 {
		return &ConfigError{Field: "staging.memtable_size", Message: "must be at least 1MB"}
	}
	if c.Staging.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "staging.vlog_size", Message: "must be at least 1MB"}
	}
	if c.Staging.JanitorInterval < time.Minute {
		return &ConfigError{Field: "staging.janitor_interval", Message: "must be at least 1 minute"}
	}
	if c.Capture.SliceDuration < 100*time.Millisecond {
		return &ConfigError{Field: "capture.slice_duration", Message: "must be at least 100ms"}
	}
	if c.Capture.SampleRate <= 0 {
		return &ConfigError{Field: "capture.sample_rate", Message: "must be positive"}
	}
	if c.Capture.Channels <= 0 {
		return &ConfigError{Field: "capture.channels", Message: "must be positive"}
	}
	if c.Assembler.ChunkDuration < c.Capture.SliceDuration {
		return &ConfigError{Field: "assembler.chunk_duration", Message: "must be at least one slice duration"}
	}
	if c.Upload.SessionConcurrency < 1 {
		return &ConfigError{Field: "upload.session_concurrency", Message: "must be at least 1"}
	}
	if c.Upload.PoolSize < 1 {
		return &ConfigError{Field: "upload.pool_size", Message: "must be at least 1"}
	}
	if c.Upload.MaxRetries < 1 {
		return &ConfigError{Field: "upload.max_retries", Message: "must be at least 1"}
	}
	if c.Upload.AttemptTimeout < time.Second {
		return &ConfigError{Field: "upload.attempt_timeout", Message: "must be at least 1 second"}
	}
	if c.Upload.BackoffBase <= 0 {
		return &ConfigError{Field: "upload.backoff_base", Message: "must be positive"}
	}
	if c.Upload.BackoffFactor < 1 {
		return &ConfigError{Field: "upload.backoff_factor", Message: "must be at least 1"}
	}
	if c.Upload.BackoffCap < c.Upload.BackoffBase {
		return &ConfigError{Field: "upload.backoff_cap", Message: "must be at least the backoff base"}
	}
	if c.Upload.BackoffJitter < 0 || c.Upload.BackoffJitter >= 1 {
		return &ConfigError{Field: "upload.backoff_jitter", Message: "must be in [0, 1)"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}
