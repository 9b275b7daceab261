// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty staging path", func(c *Config) { c.Staging.Path = "" }, "staging.path"},
		{"single compactor", func(c *Config) { c.Staging.NumCompactors = 1 }, "staging.num_compactors"},
		{"tiny memtable", func(c *Config) { c.Staging.MemTableSize = 1024 }, "staging.memtable_size"},
		{"short slice", func(c *Config) { c.Capture.SliceDuration = time.Millisecond }, "capture.slice_duration"},
		{"chunk shorter than slice", func(c *Config) { c.Assembler.ChunkDuration = time.Second }, "assembler.chunk_duration"},
		{"zero concurrency", func(c *Config) { c.Upload.SessionConcurrency = 0 }, "upload.session_concurrency"},
		{"zero retries", func(c *Config) { c.Upload.MaxRetries = 0 }, "upload.max_retries"},
		{"cap below base", func(c *Config) { c.Upload.BackoffCap = time.Second }, "upload.backoff_cap"},
		{"jitter out of range", func(c *Config) { c.Upload.BackoffJitter = 1.0 }, "upload.backoff_jitter"},
		{"factor below one", func(c *Config) { c.Upload.BackoffFactor = 0.5 }, "upload.backoff_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, cfgErr.Field)
			}
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tapesafe.yaml")
	yaml := `
staging:
  path: ` + filepath.Join(dir, "staging") + `
upload:
  endpoint: https://blobs.example.com
  max_retries: 3
capture:
  slice_duration: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Upload.Endpoint != "https://blobs.example.com" {
		t.Errorf("expected endpoint from file, got %q", cfg.Upload.Endpoint)
	}
	if cfg.Upload.MaxRetries != 3 {
		t.Errorf("expected max_retries=3, got %d", cfg.Upload.MaxRetries)
	}
	if cfg.Capture.SliceDuration != 2*time.Second {
		t.Errorf("expected slice_duration=2s, got %v", cfg.Capture.SliceDuration)
	}
	// Untouched values keep their defaults.
	if cfg.Assembler.ChunkDuration != 5*time.Minute {
		t.Errorf("expected default chunk_duration, got %v", cfg.Assembler.ChunkDuration)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tapesafe.yaml")
	yaml := `
upload:
  endpoint: https://from-file.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("TAPESAFE_UPLOAD_ENDPOINT", "https://from-env.example.com")
	t.Setenv("TAPESAFE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Upload.Endpoint != "https://from-env.example.com" {
		t.Errorf("env should override file, got %q", cfg.Upload.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}
}

func TestEnvTransformSkipsUnknownKeys(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("non-prefixed vars must be skipped, got %q", got)
	}
	if got := envTransformFunc("TAPESAFE_SOMETHING_ELSE"); got != "" {
		t.Errorf("unknown prefixed vars must be skipped, got %q", got)
	}
	if got := envTransformFunc("TAPESAFE_STAGING_PATH"); got != "staging.path" {
		t.Errorf("expected staging.path, got %q", got)
	}
}
