// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"tapesafe.yaml",
	"tapesafe.yml",
	"/etc/tapesafe/config.yaml",
	"/etc/tapesafe/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "TAPESAFE_CONFIG"

// Load loads configuration using koanf v2 with layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TAPESAFE_UPLOAD_ENDPOINT -> upload.endpoint
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches the env override then the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Only TAPESAFE_-prefixed variables are considered; everything else is
// skipped so random environment variables never pollute the config.
//
//	TAPESAFE_STAGING_PATH        -> staging.path
//	TAPESAFE_UPLOAD_ENDPOINT     -> upload.endpoint
//	TAPESAFE_UPLOAD_MAX_RETRIES  -> upload.max_retries
//	TAPESAFE_LOG_LEVEL           -> logging.level
func envTransformFunc(key string) string {
	const prefix = "TAPESAFE_"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, prefix))

	// Direct mappings for names that do not split cleanly on the first
	// underscore (section names are single words, field names may contain
	// underscores).
	mappings := map[string]string{
		"staging_path":                "staging.path",
		"staging_sync_writes":         "staging.sync_writes",
		"staging_memtable_size":       "staging.memtable_size",
		"staging_vlog_size":           "staging.vlog_size",
		"staging_num_compactors":      "staging.num_compactors",
		"staging_gc_ratio":            "staging.gc_ratio",
		"staging_close_timeout":       "staging.close_timeout",
		"staging_janitor_interval":    "staging.janitor_interval",
		"staging_abandoned_retention": "staging.abandoned_retention",

		"capture_slice_duration":     "capture.slice_duration",
		"capture_amplitude_interval": "capture.amplitude_interval",
		"capture_sample_rate":        "capture.sample_rate",
		"capture_channels":           "capture.channels",

		"chunk_duration":  "assembler.chunk_duration",
		"max_chunk_bytes": "assembler.max_chunk_bytes",

		"upload_endpoint":            "upload.endpoint",
		"upload_auth_token":          "upload.auth_token",
		"upload_session_concurrency": "upload.session_concurrency",
		"upload_pool_size":           "upload.pool_size",
		"upload_attempt_timeout":     "upload.attempt_timeout",
		"upload_max_retries":         "upload.max_retries",
		"upload_backoff_base":        "upload.backoff_base",
		"upload_backoff_factor":      "upload.backoff_factor",
		"upload_backoff_cap":         "upload.backoff_cap",
		"upload_backoff_jitter":      "upload.backoff_jitter",
		"upload_breaker_threshold":   "upload.breaker_threshold",
		"upload_breaker_cooldown":    "upload.breaker_cooldown",
		"upload_completion_url":      "upload.completion_url",

		"checkpoint_interval": "lifecycle.checkpoint_interval",
		"events_buffer_size":  "events.buffer_size",

		"metrics_addr":     "server.metrics_addr",
		"shutdown_timeout": "server.shutdown_timeout",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
