// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package events provides the engine's in-process event stream. Host
// applications subscribe to observe recording progress, upload outcomes,
// capture amplitude, and recovery decisions without polling.
package events

import (
	"time"

	"github.com/tapesafe/tapesafe/internal/staging"
)

// Topics published by the engine.
const (
	// TopicProgress carries periodic session progress snapshots.
	TopicProgress = "recording.progress"

	// TopicAmplitude carries capture amplitude samples for level meters.
	TopicAmplitude = "recording.amplitude"

	// TopicChunkUploaded is published once per confirmed chunk upload.
	TopicChunkUploaded = "upload.chunk_uploaded"

	// TopicUploadError is published on upload attempt failures and on
	// permanent (retry budget exhausted) failures.
	TopicUploadError = "upload.error"

	// TopicCompletion is published exactly once when a session reaches
	// completed, failed, or abandoned.
	TopicCompletion = "session.completion"

	// TopicRecoveryAvailable is published at startup for each interrupted
	// session found in the staging store.
	TopicRecoveryAvailable = "recovery.available"
)

// ProgressEvent is a point-in-time snapshot of a session.
type ProgressEvent struct {
	SessionID       string               `json:"session_id"`
	State           staging.SessionState `json:"state"`
	Elapsed         time.Duration        `json:"elapsed"`
	ChunksTotal     int                  `json:"chunks_total"`
	ChunksUploaded  int                  `json:"chunks_uploaded"`
	PendingFailures []int                `json:"pending_failures,omitempty"`
	At              time.Time            `json:"at"`
}

// AmplitudeEvent is a capture level sample for UI meters.
type AmplitudeEvent struct {
	SessionID string    `json:"session_id"`
	Level     float64   `json:"level"`
	At        time.Time `json:"at"`
}

// ChunkUploadedEvent is published after a chunk's upload is confirmed
// and the confirmation is durable.
type ChunkUploadedEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Size      int64     `json:"size"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// UploadErrorEvent reports a failed upload attempt. Permanent is set when
// the retry budget is exhausted and the chunk will not be retried without
// recovery intervention.
type UploadErrorEvent struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent"`
	At        time.Time `json:"at"`
}

// CompletionEvent is published once when a session reaches a terminal
// state.
type CompletionEvent struct {
	SessionID      string               `json:"session_id"`
	State          staging.SessionState `json:"state"`
	Elapsed        time.Duration        `json:"elapsed"`
	ChunksTotal    int                  `json:"chunks_total"`
	ChunksUploaded int                  `json:"chunks_uploaded"`
	LastError      string               `json:"last_error,omitempty"`
	At             time.Time            `json:"at"`
}

// RecoveryAvailableEvent describes an interrupted session discovered at
// startup, with enough detail for the host to decide resume, finalize,
// or abandon.
type RecoveryAvailableEvent struct {
	SessionID      string               `json:"session_id"`
	State          staging.SessionState `json:"state"`
	ChunksTotal    int                  `json:"chunks_total"`
	ChunksUploaded int                  `json:"chunks_uploaded"`
	ChunksRequeued int                  `json:"chunks_requeued"`
	CheckpointAt   time.Time            `json:"checkpoint_at"`
	At             time.Time            `json:"at"`
}
