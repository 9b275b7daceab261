// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package staging

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	SessionRecording  SessionState = "recording"
	SessionPaused     SessionState = "paused"
	SessionStopping   SessionState = "stopping"
	SessionFinalizing SessionState = "finalizing"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionAbandoned  SessionState = "abandoned"
)

// Terminal reports whether the state is a terminal outcome.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionAbandoned:
		return true
	default:
		return false
	}
}

// ChunkStatus is the upload status of a staged chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkUploaded  ChunkStatus = "uploaded"
	ChunkFailed    ChunkStatus = "failed"
)

// Terminal reports whether the chunk reached its one-way terminal status.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkUploaded
}

// SessionRecord is the durable representation of one recording session.
type SessionRecord struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// State is the current session state. The recording state machine is
	// the sole writer of this field.
	State SessionState `json:"state"`

	// StartedAt is when recording began.
	StartedAt time.Time `json:"started_at"`

	// Elapsed is the accumulated recording duration, excluding pauses.
	Elapsed time.Duration `json:"elapsed"`

	// ChunksTotal is the number of chunks sealed so far. Once the session
	// is finalizing this is the expected chunk count.
	ChunksTotal int `json:"chunks_total"`

	// ChunksUploaded is the number of chunks confirmed uploaded.
	// Invariant: ChunksUploaded <= ChunksTotal.
	ChunksUploaded int `json:"chunks_uploaded"`

	// ExternalRefs carries opaque caller identifiers (tenant, user, quota
	// handles). Never interpreted by the engine.
	ExternalRefs map[string]string `json:"external_refs,omitempty"`

	// CheckpointAt is the last durable checkpoint time.
	CheckpointAt time.Time `json:"checkpoint_at"`

	// LastError is the message that drove the session to failed, if any.
	LastError string `json:"last_error,omitempty"`

	// CompletedAt is set when the session reaches a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Acknowledged is set once the caller has acknowledged the terminal
	// outcome. Staged data is purged only after acknowledgement.
	Acknowledged bool `json:"acknowledged"`
}

// ChunkRecord is the durable representation of one sealed chunk.
type ChunkRecord struct {
	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// Seq is the gapless per-session sequence number, starting at 0.
	Seq int `json:"seq"`

	// Payload is the raw audio data of the sealed chunk.
	Payload []byte `json:"payload"`

	// Size is len(Payload), kept explicit for status listings that omit
	// the payload itself.
	Size int64 `json:"size"`

	// Status is the upload status. ChunkUploaded is one-way terminal.
	Status ChunkStatus `json:"status"`

	// Retries is the number of failed upload attempts so far.
	Retries int `json:"retries"`

	// SealedAt is when the chunk was durably staged.
	SealedAt time.Time `json:"sealed_at"`

	// LastAttemptAt is the time of the last upload attempt.
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`

	// LastError is the error message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`

	// UploadedAt is when the upload was confirmed.
	UploadedAt *time.Time `json:"uploaded_at,omitempty"`
}

// Key prefixes. Chunk keys embed a fixed-width sequence number so Badger's
// lexicographic iteration yields ascending upload order.
const (
	prefixSession = "session:"
	prefixChunk   = "chunk:"
)

func sessionKey(id string) []byte {
	return []byte(prefixSession + id)
}

func chunkKey(sessionID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixChunk, sessionID, seq))
}

func chunkPrefix(sessionID string) []byte {
	return []byte(prefixChunk + sessionID + ":")
}
