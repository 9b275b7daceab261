// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package recovery scans the staging store at startup for sessions a
// previous run left non-terminal, requeues their staged-but-unsent
// chunks, and drives each session back into the engine. Sessions the
// crash caught mid-finalization are finalized automatically; sessions
// still recording or paused are surfaced for the host to resume,
// finalize, or abandon.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/events"
	"github.com/tapesafe/tapesafe/internal/logging"
	"github.com/tapesafe/tapesafe/internal/staging"
	"github.com/tapesafe/tapesafe/internal/uploader"
)

var (
	// ErrAlreadyRan is returned when Run is called more than once.
	ErrAlreadyRan = errors.New("recovery already ran")

	// ErrNoDecisionPending is returned by the decision methods for a
	// session that is not awaiting a resume/finalize/abandon choice.
	ErrNoDecisionPending = errors.New("no recovery decision pending for session")
)

// Adopter is the slice of the recorder engine recovery drives.
type Adopter interface {
	// Adopt re-registers a recovered session with the engine. With
	// resume set, capture restarts and sealing continues from the next
	// sequence number; otherwise the session finalizes with the chunks
	// it already has.
	Adopt(ctx context.Context, rec *staging.SessionRecord, resume bool) error
}

// Action is the outcome recovery chose (or deferred) for a session.
type Action string

const (
	// ActionFinalized means the session was mid-stop or mid-finalize
	// and was handed back to the engine to finish uploading.
	ActionFinalized Action = "finalized"

	// ActionAwaitingDecision means the session was recording or paused
	// when the process died. The host decides via Resume, Finalize, or
	// Abandon.
	ActionAwaitingDecision Action = "awaiting_decision"

	// ActionFailed means staged chunks are missing and the session can
	// never assemble a complete upload. The loss is recorded on the
	// session, never papered over.
	ActionFailed Action = "failed"
)

// SessionReport describes what recovery found and did for one session.
type SessionReport struct {
	SessionID      string
	State          staging.SessionState
	ChunksTotal    int
	ChunksUploaded int

	// ChunksRequeued is how many staged chunks were handed back to the
	// upload manager.
	ChunksRequeued int

	// MissingSeqs lists sealed sequence numbers with no staged record.
	// Non-empty means durable data was lost since the last checkpoint.
	MissingSeqs []int

	CheckpointAt time.Time
	Action       Action
}

// Report is the result of a full startup scan.
type Report struct {
	Sessions []*SessionReport
	Requeued int
	Duration time.Duration
}

// Controller performs the startup recovery scan and holds any sessions
// awaiting a host decision.
type Controller struct {
	store   *staging.Store
	uploads *uploader.Manager
	bus     *events.Bus
	engine  Adopter

	mu      sync.Mutex
	ran     bool
	report  *Report
	pending map[string]*SessionReport
}

// NewController creates a recovery controller.
func NewController(store *staging.Store, uploads *uploader.Manager, bus *events.Bus, engine Adopter) *Controller {
	return &Controller{
		store:   store,
		uploads: uploads,
		bus:     bus,
		engine:  engine,
		pending: make(map[string]*SessionReport),
	}
}

// Run scans for interrupted sessions, requeues their pending chunks
// exactly once, and publishes a recovery event per session. It must be
// called once at startup, after the upload manager is running and
// before new sessions start.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return c.report, ErrAlreadyRan
	}
	c.ran = true
	c.mu.Unlock()

	start := time.Now()
	report := &Report{}

	sessions, err := c.store.NonTerminalSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan staging store: %w", err)
	}

	if len(sessions) == 0 {
		logging.Info().Msg("recovery: no interrupted sessions found")
		report.Duration = time.Since(start)
		c.mu.Lock()
		c.report = report
		c.mu.Unlock()
		return report, nil
	}

	logging.Info().Int("sessions", len(sessions)).Msg("recovery found interrupted sessions")

	for _, rec := range sessions {
		select {
		case <-ctx.Done():
			report.Duration = time.Since(start)
			return report, ctx.Err()
		default:
		}

		sr, err := c.recoverSession(ctx, rec)
		if err != nil {
			logging.Error().Err(err).Str("session_id", rec.ID).Msg("recovery: session scan failed")
			continue
		}
		report.Sessions = append(report.Sessions, sr)
		report.Requeued += sr.ChunksRequeued
	}

	report.Duration = time.Since(start)
	recordRecoveredSessions(len(report.Sessions))
	recordRequeuedChunks(report.Requeued)

	logging.Info().
		Int("sessions", len(report.Sessions)).
		Int("chunks_requeued", report.Requeued).
		Dur("duration", report.Duration).
		Msg("recovery complete")

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
	return report, nil
}

// recoverSession inspects one interrupted session, requeues its pending
// chunks, and either finalizes it or parks it for a host decision.
func (c *Controller) recoverSession(ctx context.Context, rec *staging.SessionRecord) (*SessionReport, error) {
	sr := &SessionReport{
		SessionID:      rec.ID,
		State:          rec.State,
		ChunksTotal:    rec.ChunksTotal,
		ChunksUploaded: rec.ChunksUploaded,
		CheckpointAt:   rec.CheckpointAt,
	}

	missing, err := c.missingSeqs(ctx, rec)
	if err != nil {
		return nil, err
	}
	sr.MissingSeqs = missing

	if len(missing) > 0 {
		// The session counted chunks that no longer exist in staging.
		// It can never assemble completely, so it fails with the loss
		// on record instead of silently shipping a shorter recording.
		sr.Action = ActionFailed
		if err := c.failLostSession(ctx, rec, missing); err != nil {
			return nil, err
		}
		c.publishAvailable(rec, 0)
		return sr, nil
	}

	requeued, err := c.uploads.EnqueuePending(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("requeue pending chunks: %w", err)
	}
	sr.ChunksRequeued = requeued

	logging.Info().
		Str("session_id", rec.ID).
		Str("state", string(rec.State)).
		Int("chunks_total", rec.ChunksTotal).
		Int("chunks_uploaded", rec.ChunksUploaded).
		Int("chunks_requeued", requeued).
		Time("checkpoint_at", rec.CheckpointAt).
		Msg("recovery: interrupted session")

	c.publishAvailable(rec, requeued)

	switch rec.State {
	case staging.SessionStopping, staging.SessionFinalizing:
		// The caller already asked for the recording; finish it.
		if err := c.engine.Adopt(ctx, rec, false); err != nil {
			return nil, fmt.Errorf("finalize recovered session: %w", err)
		}
		sr.Action = ActionFinalized
	case staging.SessionRecording, staging.SessionPaused:
		sr.Action = ActionAwaitingDecision
		c.mu.Lock()
		c.pending[rec.ID] = sr
		c.mu.Unlock()
	default:
		return nil, fmt.Errorf("unexpected non-terminal state %s", rec.State)
	}

	return sr, nil
}

// missingSeqs compares the session's sealed-chunk count against what is
// actually staged and returns any holes.
func (c *Controller) missingSeqs(ctx context.Context, rec *staging.SessionRecord) ([]int, error) {
	chunks, err := c.store.ChunksForSession(ctx, rec.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list staged chunks: %w", err)
	}

	staged := make(map[int]bool, len(chunks))
	for _, chunk := range chunks {
		staged[chunk.Seq] = true
	}

	var missing []int
	for seq := 0; seq < rec.ChunksTotal; seq++ {
		if !staged[seq] {
			missing = append(missing, seq)
		}
	}
	return missing, nil
}

// failLostSession marks a session with missing staged chunks as failed,
// keeping whatever survives for inspection.
func (c *Controller) failLostSession(ctx context.Context, rec *staging.SessionRecord, missing []int) error {
	c.uploads.CancelSession(rec.ID)

	msg := fmt.Sprintf("recovery: %d of %d staged chunks missing", len(missing), rec.ChunksTotal)
	now := time.Now().UTC()
	updated, err := c.store.UpdateSession(ctx, rec.ID, func(s *staging.SessionRecord) error {
		s.State = staging.SessionFailed
		s.LastError = msg
		s.CheckpointAt = now
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist lost session: %w", err)
	}

	logging.Error().
		Str("session_id", rec.ID).
		Ints("missing_seqs", missing).
		Msg("recovery: staged chunks missing, session failed")

	c.publish(events.TopicCompletion, events.CompletionEvent{
		SessionID:      updated.ID,
		State:          updated.State,
		Elapsed:        updated.Elapsed,
		ChunksTotal:    updated.ChunksTotal,
		ChunksUploaded: updated.ChunksUploaded,
		LastError:      updated.LastError,
		At:             now,
	})
	return nil
}

func (c *Controller) publish(topic string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, payload)
}

func (c *Controller) publishAvailable(rec *staging.SessionRecord, requeued int) {
	c.publish(events.TopicRecoveryAvailable, events.RecoveryAvailableEvent{
		SessionID:      rec.ID,
		State:          rec.State,
		ChunksTotal:    rec.ChunksTotal,
		ChunksUploaded: rec.ChunksUploaded,
		ChunksRequeued: requeued,
		CheckpointAt:   rec.CheckpointAt,
		At:             time.Now().UTC(),
	})
}

// Pending returns the sessions still awaiting a host decision.
func (c *Controller) Pending() []*SessionReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SessionReport, 0, len(c.pending))
	for _, sr := range c.pending {
		out = append(out, sr)
	}
	return out
}

// Resume continues capturing into a recovered session. New chunks seal
// after the highest recovered sequence number.
func (c *Controller) Resume(ctx context.Context, sessionID string) error {
	rec, sr, err := c.claim(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.engine.Adopt(ctx, rec, true); err != nil {
		c.unclaim(sr)
		return err
	}
	logging.Info().Str("session_id", sessionID).Msg("recovery decision: resume")
	return nil
}

// Finalize stops a recovered session where it is and uploads what was
// staged.
func (c *Controller) Finalize(ctx context.Context, sessionID string) error {
	rec, sr, err := c.claim(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.engine.Adopt(ctx, rec, false); err != nil {
		c.unclaim(sr)
		return err
	}
	logging.Info().Str("session_id", sessionID).Msg("recovery decision: finalize")
	return nil
}

// Abandon marks a recovered session abandoned. Pending uploads are
// cancelled; staged chunks stay until the janitor's retention window
// passes or the outcome is acknowledged.
func (c *Controller) Abandon(ctx context.Context, sessionID string) error {
	rec, sr, err := c.claim(ctx, sessionID)
	if err != nil {
		return err
	}

	c.uploads.CancelSession(sessionID)

	now := time.Now().UTC()
	updated, err := c.store.UpdateSession(ctx, rec.ID, func(s *staging.SessionRecord) error {
		s.State = staging.SessionAbandoned
		s.CheckpointAt = now
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		c.unclaim(sr)
		return fmt.Errorf("persist abandoned session: %w", err)
	}

	c.publish(events.TopicCompletion, events.CompletionEvent{
		SessionID:      updated.ID,
		State:          updated.State,
		Elapsed:        updated.Elapsed,
		ChunksTotal:    updated.ChunksTotal,
		ChunksUploaded: updated.ChunksUploaded,
		At:             now,
	})
	logging.Info().Str("session_id", sessionID).Msg("recovery decision: abandon")
	return nil
}

// claim removes a session from the pending-decision set and returns its
// current record. On failure the caller puts the report back with
// unclaim so the decision can be retried.
func (c *Controller) claim(ctx context.Context, sessionID string) (*staging.SessionRecord, *SessionReport, error) {
	c.mu.Lock()
	sr, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoDecisionPending, sessionID)
	}

	rec, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		c.unclaim(sr)
		return nil, nil, err
	}
	return rec, sr, nil
}

func (c *Controller) unclaim(sr *SessionReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[sr.SessionID] = sr
}
