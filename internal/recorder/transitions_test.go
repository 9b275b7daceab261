// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package recorder

import (
	"errors"
	"testing"

	"github.com/tapesafe/tapesafe/internal/staging"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state staging.SessionState
		event Event
		want  staging.SessionState
		valid bool
	}{
		{"start from idle", StateIdle, EventStart, staging.SessionRecording, true},
		{"pause while recording", staging.SessionRecording, EventPause, staging.SessionPaused, true},
		{"resume from paused", staging.SessionPaused, EventResume, staging.SessionRecording, true},
		{"stop while recording", staging.SessionRecording, EventStop, staging.SessionStopping, true},
		{"stop while paused", staging.SessionPaused, EventStop, staging.SessionStopping, true},
		{"last seal while stopping", staging.SessionStopping, EventLastSealed, staging.SessionFinalizing, true},
		{"all uploaded while finalizing", staging.SessionFinalizing, EventAllUploaded, staging.SessionCompleted, true},
		{"upload dead while finalizing", staging.SessionFinalizing, EventUploadDead, staging.SessionFailed, true},
		{"upload dead while recording", staging.SessionRecording, EventUploadDead, staging.SessionFailed, true},
		{"abandon while recording", staging.SessionRecording, EventAbandon, staging.SessionAbandoned, true},
		{"abandon while finalizing", staging.SessionFinalizing, EventAbandon, staging.SessionAbandoned, true},
		{"fatal while paused", staging.SessionPaused, EventFatal, staging.SessionFailed, true},

		{"pause from idle", StateIdle, EventPause, "", false},
		{"pause while paused", staging.SessionPaused, EventPause, "", false},
		{"resume while recording", staging.SessionRecording, EventResume, "", false},
		{"start while recording", staging.SessionRecording, EventStart, "", false},
		{"stop while finalizing", staging.SessionFinalizing, EventStop, "", false},
		{"anything on completed", staging.SessionCompleted, EventStop, "", false},
		{"anything on failed", staging.SessionFailed, EventResume, "", false},
		{"anything on abandoned", staging.SessionAbandoned, EventStart, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.state, tt.event)
			if tt.valid {
				if err != nil {
					t.Fatalf("expected valid transition, got %v", err)
				}
				if got != tt.want {
					t.Errorf("expected %s, got %s", tt.want, got)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	terminals := []staging.SessionState{
		staging.SessionCompleted,
		staging.SessionFailed,
		staging.SessionAbandoned,
	}
	allEvents := []Event{
		EventStart, EventPause, EventResume, EventStop,
		EventLastSealed, EventAllUploaded, EventUploadDead,
		EventAbandon, EventFatal,
	}
	for _, state := range terminals {
		for _, event := range allEvents {
			if _, err := Transition(state, event); err == nil {
				t.Errorf("terminal state %s accepted event %s", state, event)
			}
		}
	}
}
