// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package recorder owns the recording session state machine and the
// public control API. A single event loop is the sole writer of session
// state; every transition is durable before it is authoritative.
package recorder

import (
	"errors"
	"fmt"

	"github.com/tapesafe/tapesafe/internal/staging"
)

// StateIdle is the pre-session state. It is never persisted: a session
// record exists only once recording has started.
const StateIdle staging.SessionState = "idle"

// Event is a state machine input.
type Event string

const (
	EventStart       Event = "start"
	EventPause       Event = "pause"
	EventResume      Event = "resume"
	EventStop        Event = "stop"
	EventLastSealed  Event = "last_sealed"
	EventAllUploaded Event = "all_uploaded"
	EventUploadDead  Event = "upload_dead"
	EventAbandon     Event = "abandon"
	EventFatal       Event = "fatal"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid transition")

// transitions is the full state machine: (state, event) -> next state.
// Anything absent is invalid.
var transitions = map[staging.SessionState]map[Event]staging.SessionState{
	StateIdle: {
		EventStart: staging.SessionRecording,
	},
	staging.SessionRecording: {
		EventPause:      staging.SessionPaused,
		EventStop:       staging.SessionStopping,
		EventAbandon:    staging.SessionAbandoned,
		EventFatal:      staging.SessionFailed,
		EventUploadDead: staging.SessionFailed,
	},
	staging.SessionPaused: {
		EventResume:     staging.SessionRecording,
		EventStop:       staging.SessionStopping,
		EventAbandon:    staging.SessionAbandoned,
		EventFatal:      staging.SessionFailed,
		EventUploadDead: staging.SessionFailed,
	},
	staging.SessionStopping: {
		EventLastSealed: staging.SessionFinalizing,
		EventAbandon:    staging.SessionAbandoned,
		EventFatal:      staging.SessionFailed,
		EventUploadDead: staging.SessionFailed,
	},
	staging.SessionFinalizing: {
		EventAllUploaded: staging.SessionCompleted,
		EventUploadDead:  staging.SessionFailed,
		EventAbandon:     staging.SessionAbandoned,
		EventFatal:       staging.SessionFailed,
	},
}

// Transition applies an event to a state. Invalid combinations return an
// error wrapping ErrInvalidTransition; terminal states accept nothing.
func Transition(state staging.SessionState, event Event) (staging.SessionState, error) {
	if next, ok := transitions[state][event]; ok {
		return next, nil
	}
	return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, state)
}
