// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapesafe/tapesafe/internal/assembler"
	"github.com/tapesafe/tapesafe/internal/capture"
	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/events"
	"github.com/tapesafe/tapesafe/internal/logging"
	"github.com/tapesafe/tapesafe/internal/staging"
	"github.com/tapesafe/tapesafe/internal/uploader"
)

// Errors
var (
	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("recorder engine is closed")

	// ErrUnknownSession is returned for session ids the engine does not
	// manage and the store does not contain.
	ErrUnknownSession = errors.New("unknown session")
)

// SourceFactory opens a capture source for a new or resumed session.
type SourceFactory func() (capture.Source, error)

// Status is the public per-session status surface.
type Status struct {
	SessionID       string
	State           staging.SessionState
	Elapsed         time.Duration
	ChunksTotal     int
	ChunksUploaded  int
	PendingFailures []int
}

// Engine is the recording state machine. All session state is mutated by
// a single event loop; public methods post commands and wait for the
// loop's reply. Durable writes happen inside the loop, before the
// in-memory state they correspond to becomes authoritative.
type Engine struct {
	cfg       *config.Config
	store     *staging.Store
	bus       *events.Bus
	newSource SourceFactory

	uploads  *uploader.Manager
	notifier uploader.CompletionNotifier

	cmds   chan *command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	// loop-owned
	sessions map[string]*session
}

// session is the loop's in-memory view of one active session.
type session struct {
	id      string
	state   staging.SessionState
	adapter *capture.Adapter
	asm     *assembler.Assembler

	startedAt time.Time
	resumedAt time.Time // last transition into recording
	elapsed   time.Duration

	waiters []chan *staging.SessionRecord
}

// liveElapsed is the accumulated recording duration, excluding pauses.
func (s *session) liveElapsed() time.Duration {
	if s.state == staging.SessionRecording {
		return s.elapsed + time.Since(s.resumedAt)
	}
	return s.elapsed
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdAbandon
	cmdStatus
	cmdFlush
	cmdCheckpoint
	cmdUploaded
	cmdUploadDead
	cmdFatal
	cmdAdopt
)

type command struct {
	kind      cmdKind
	sessionID string
	refs      map[string]string
	snapshot  *staging.SessionRecord // cmdUploaded, cmdAdopt
	seq       int
	errMsg    string
	resume    bool // cmdAdopt: reattach capture
	reply     chan cmdResult
}

type cmdResult struct {
	sessionID string
	status    *Status
	rec       *staging.SessionRecord
	waiter    chan *staging.SessionRecord
	err       error
}

// NewEngine creates the recording engine. Call SetUploadManager before
// Start; the upload manager is built with this engine's UploadHooks.
func NewEngine(cfg *config.Config, store *staging.Store, bus *events.Bus, newSource SourceFactory) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		newSource: newSource,
		cmds:      make(chan *command, 256),
		sessions:  make(map[string]*session),
	}
}

// SetUploadManager wires the upload manager. Must be called before Start.
func (e *Engine) SetUploadManager(m *uploader.Manager) { e.uploads = m }

// SetCompletionNotifier wires the optional completion callback sender.
func (e *Engine) SetCompletionNotifier(n uploader.CompletionNotifier) { e.notifier = n }

// UploadHooks returns the callbacks the upload manager needs. They post
// commands into the engine loop and are safe from any goroutine.
func (e *Engine) UploadHooks() uploader.Hooks {
	return uploader.Hooks{
		OnChunkUploaded: func(sess *staging.SessionRecord, seq int) {
			e.post(&command{kind: cmdUploaded, sessionID: sess.ID, snapshot: sess, seq: seq})
		},
		OnPermanentFailure: func(sessionID string, seq int, lastErr string) {
			e.post(&command{kind: cmdUploadDead, sessionID: sessionID, seq: seq, errMsg: lastErr})
		},
	}
}

// Start launches the event loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.uploads == nil {
		return fmt.Errorf("recorder engine requires an upload manager")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.wg.Add(1)
	go e.run()

	logging.Info().Msg("recorder engine started")
	return nil
}

// Close shuts down the loop. Active sessions are flushed and
// checkpointed, not finalized; recovery picks them up on the next start.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	logging.Info().Msg("recorder engine stopped")
}

// IsRunning returns whether the event loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// post delivers a command without a reply. Used by async notifications.
func (e *Engine) post(cmd *command) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	select {
	case e.cmds <- cmd:
	case <-e.ctx.Done():
	}
}

// send delivers a command and waits for the loop's reply.
func (e *Engine) send(ctx context.Context, cmd *command) (cmdResult, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return cmdResult{}, ErrEngineClosed
	}

	cmd.reply = make(chan cmdResult, 1)
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-e.ctx.Done():
		return cmdResult{}, ErrEngineClosed
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	case <-e.ctx.Done():
		return cmdResult{}, ErrEngineClosed
	}
}

// StartSession begins a new recording and returns its session id. The
// refs map carries opaque caller identifiers stored with the session.
func (e *Engine) StartSession(ctx context.Context, refs map[string]string) (string, error) {
	res, err := e.send(ctx, &command{kind: cmdStart, refs: refs})
	if err != nil {
		return "", err
	}
	return res.sessionID, nil
}

// Pause suspends capture delivery. Staged data is untouched.
func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	_, err := e.send(ctx, &command{kind: cmdPause, sessionID: sessionID})
	return err
}

// Resume continues a paused session.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	_, err := e.send(ctx, &command{kind: cmdResume, sessionID: sessionID})
	return err
}

// StopSession stops capture, seals the final partial chunk, and waits for
// the session to reach a terminal state. Stopping an already-terminal
// session returns the same result without side effects.
func (e *Engine) StopSession(ctx context.Context, sessionID string) (*staging.SessionRecord, error) {
	res, err := e.send(ctx, &command{kind: cmdStop, sessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if res.rec != nil {
		return res.rec, nil
	}

	select {
	case rec := <-res.waiter:
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrEngineClosed
	}
}

// Abandon cancels a non-terminal session. Pending uploads stop; staged
// chunks are kept for later reclamation.
func (e *Engine) Abandon(ctx context.Context, sessionID string) error {
	_, err := e.send(ctx, &command{kind: cmdAbandon, sessionID: sessionID})
	return err
}

// GetStatus returns the session's current status.
func (e *Engine) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	res, err := e.send(ctx, &command{kind: cmdStatus, sessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return res.status, nil
}

// FlushAll force-seals buffered audio for every active session and
// checkpoints. Used by the lifecycle guard on suspend risk.
func (e *Engine) FlushAll(ctx context.Context) error {
	_, err := e.send(ctx, &command{kind: cmdFlush})
	return err
}

// Adopt takes over a recovered non-terminal session. With resume true
// the engine reattaches capture and continues recording; otherwise the
// session is driven to finalizing with the chunks that exist.
func (e *Engine) Adopt(ctx context.Context, rec *staging.SessionRecord, resume bool) error {
	_, err := e.send(ctx, &command{kind: cmdAdopt, sessionID: rec.ID, snapshot: rec, resume: resume})
	return err
}

// run is the single-writer event loop.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return
		case cmd := <-e.cmds:
			e.dispatch(cmd)
		}
	}
}

func (e *Engine) dispatch(cmd *command) {
	var res cmdResult
	switch cmd.kind {
	case cmdStart:
		res = e.handleStart(cmd)
	case cmdPause:
		res = e.handlePauseResume(cmd, EventPause)
	case cmdResume:
		res = e.handlePauseResume(cmd, EventResume)
	case cmdStop:
		res = e.handleStop(cmd)
	case cmdAbandon:
		res = e.handleAbandon(cmd)
	case cmdStatus:
		res = e.handleStatus(cmd)
	case cmdFlush:
		res = e.handleFlush()
	case cmdCheckpoint:
		res = e.handleCheckpoint()
	case cmdUploaded:
		e.handleUploaded(cmd)
	case cmdUploadDead:
		e.handleFailure(cmd.sessionID, EventUploadDead, fmt.Sprintf("chunk %d: %s", cmd.seq, cmd.errMsg))
	case cmdFatal:
		e.handleFailure(cmd.sessionID, EventFatal, cmd.errMsg)
	case cmdAdopt:
		res = e.handleAdopt(cmd)
	}
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

// drain flushes and checkpoints every active session on shutdown.
func (e *Engine) drain() {
	ctx := context.Background()
	for _, s := range e.sessions {
		if s.state.Terminal() {
			continue
		}
		if s.adapter != nil {
			if err := s.adapter.Stop(ctx); err != nil {
				logging.Error().Err(err).Str("session_id", s.id).Msg("shutdown: capture stop failed")
			}
		}
		if s.asm != nil {
			if err := s.asm.Flush(ctx); err != nil {
				logging.Error().Err(err).Str("session_id", s.id).Msg("shutdown: flush failed")
			}
		}
		e.checkpoint(ctx, s)
	}
}

func (e *Engine) handleStart(cmd *command) cmdResult {
	now := time.Now().UTC()
	id := uuid.NewString()

	rec := &staging.SessionRecord{
		ID:           id,
		State:        staging.SessionRecording,
		StartedAt:    now,
		ExternalRefs: cmd.refs,
		CheckpointAt: now,
	}
	if err := e.store.CreateSession(e.ctx, rec); err != nil {
		return cmdResult{err: fmt.Errorf("create session: %w", err)}
	}

	s := &session{
		id:        id,
		state:     staging.SessionRecording,
		startedAt: now,
		resumedAt: now,
	}
	if err := e.attachCapture(s, 0); err != nil {
		// The durable record exists; mark it failed rather than orphan it.
		e.sessions[id] = s
		e.failSession(s, err.Error())
		return cmdResult{err: err}
	}

	e.sessions[id] = s
	e.publishProgress(s, nil)
	logging.Info().Str("session_id", id).Msg("recording started")
	return cmdResult{sessionID: id}
}

// attachCapture builds the assembler and capture adapter for a session
// and starts the source.
func (e *Engine) attachCapture(s *session, startSeq int) error {
	id := s.id
	s.asm = assembler.New(e.cfg.Assembler, e.store, id, startSeq, func(seq int, size int64) {
		if err := e.uploads.Enqueue(id, seq); err != nil {
			logging.Error().Err(err).Str("session_id", id).Int("seq", seq).Msg("failed to enqueue upload")
		}
	})

	source, err := e.newSource()
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}

	s.adapter = capture.NewAdapter(e.cfg.Capture, source, s.asm,
		capture.WithAmplitudeFunc(func(level float64) {
			e.publish(events.TopicAmplitude, &events.AmplitudeEvent{
				SessionID: id,
				Level:     level,
				At:        time.Now().UTC(),
			})
		}),
		capture.WithErrorFunc(func(err error) {
			e.post(&command{kind: cmdFatal, sessionID: id, errMsg: err.Error()})
		}),
	)
	if err := s.adapter.Start(e.ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

func (e *Engine) handlePauseResume(cmd *command, event Event) cmdResult {
	s, ok := e.sessions[cmd.sessionID]
	if !ok {
		return cmdResult{err: fmt.Errorf("%w: %s", ErrUnknownSession, cmd.sessionID)}
	}

	next, err := Transition(s.state, event)
	if err != nil {
		return cmdResult{err: err}
	}

	now := time.Now()
	elapsed := s.elapsed
	if event == EventPause {
		elapsed += now.Sub(s.resumedAt)
	}

	if err := e.persistState(s.id, next, elapsed, ""); err != nil {
		return cmdResult{err: err}
	}

	s.state = next
	s.elapsed = elapsed
	if event == EventResume {
		s.resumedAt = now
	}
	if s.adapter != nil {
		if event == EventPause {
			s.adapter.Pause()
		} else {
			s.adapter.Resume()
		}
	}

	e.publishProgress(s, nil)
	logging.Info().Str("session_id", s.id).Str("state", string(next)).Msg("session state changed")
	return cmdResult{}
}

func (e *Engine) handleStop(cmd *command) cmdResult {
	s, ok := e.sessions[cmd.sessionID]
	if !ok {
		// Idempotent stop on a terminal session the loop no longer tracks.
		rec, err := e.store.GetSession(e.ctx, cmd.sessionID)
		if err != nil {
			return cmdResult{err: fmt.Errorf("%w: %s", ErrUnknownSession, cmd.sessionID)}
		}
		if rec.State.Terminal() {
			return cmdResult{rec: rec}
		}
		return cmdResult{err: fmt.Errorf("session %s is not managed by this engine", cmd.sessionID)}
	}

	if s.state.Terminal() {
		rec, err := e.store.GetSession(e.ctx, s.id)
		if err != nil {
			return cmdResult{err: err}
		}
		return cmdResult{rec: rec}
	}

	// Already on the way down: just wait with everyone else.
	if s.state == staging.SessionStopping || s.state == staging.SessionFinalizing {
		return cmdResult{waiter: e.addWaiter(s)}
	}

	next, err := Transition(s.state, EventStop)
	if err != nil {
		return cmdResult{err: err}
	}

	elapsed := s.elapsed
	if s.state == staging.SessionRecording {
		elapsed += time.Since(s.resumedAt)
	}
	if err := e.persistState(s.id, next, elapsed, ""); err != nil {
		return cmdResult{err: err}
	}
	s.state = next
	s.elapsed = elapsed

	// Halt capture and force the final partial chunk through.
	if s.adapter != nil {
		if err := s.adapter.Stop(e.ctx); err != nil {
			e.failSession(s, fmt.Sprintf("final capture flush: %v", err))
			return e.terminalResult(s)
		}
	}
	if s.asm != nil {
		if err := s.asm.Flush(e.ctx); err != nil {
			e.failSession(s, fmt.Sprintf("final chunk seal: %v", err))
			return e.terminalResult(s)
		}
	}

	// Last chunk sealed: the expected set {0..N-1} is now fixed.
	next, err = Transition(s.state, EventLastSealed)
	if err != nil {
		return cmdResult{err: err}
	}
	if err := e.persistState(s.id, next, s.elapsed, ""); err != nil {
		return cmdResult{err: err}
	}
	s.state = next
	e.publishProgress(s, nil)
	logging.Info().Str("session_id", s.id).Msg("session finalizing")

	waiter := e.addWaiter(s)
	e.maybeComplete(s)
	return cmdResult{waiter: waiter}
}

func (e *Engine) handleAbandon(cmd *command) cmdResult {
	s, ok := e.sessions[cmd.sessionID]
	if !ok {
		return cmdResult{err: fmt.Errorf("%w: %s", ErrUnknownSession, cmd.sessionID)}
	}

	next, err := Transition(s.state, EventAbandon)
	if err != nil {
		return cmdResult{err: err}
	}

	elapsed := s.liveElapsed()
	if err := e.persistTerminal(s.id, next, elapsed, ""); err != nil {
		return cmdResult{err: err}
	}
	s.state = next
	s.elapsed = elapsed

	e.uploads.CancelSession(s.id)
	if s.adapter != nil {
		if err := s.adapter.Stop(e.ctx); err != nil {
			logging.Warn().Err(err).Str("session_id", s.id).Msg("abandon: capture stop failed")
		}
	}

	e.finishTerminal(s, "")
	logging.Info().Str("session_id", s.id).Msg("session abandoned")
	return cmdResult{}
}

func (e *Engine) handleStatus(cmd *command) cmdResult {
	rec, err := e.store.GetSession(e.ctx, cmd.sessionID)
	if err != nil {
		return cmdResult{err: fmt.Errorf("%w: %s", ErrUnknownSession, cmd.sessionID)}
	}

	status := &Status{
		SessionID:      cmd.sessionID,
		State:          rec.State,
		Elapsed:        rec.Elapsed,
		ChunksTotal:    rec.ChunksTotal,
		ChunksUploaded: rec.ChunksUploaded,
	}
	if s, ok := e.sessions[cmd.sessionID]; ok {
		status.State = s.state
		status.Elapsed = s.liveElapsed()
	}
	failures, err := e.uploads.PermanentFailures(e.ctx, cmd.sessionID)
	if err == nil {
		status.PendingFailures = failures
	}
	return cmdResult{status: status}
}

func (e *Engine) handleFlush() cmdResult {
	for _, s := range e.sessions {
		if s.state.Terminal() || s.asm == nil {
			continue
		}
		if err := s.asm.Flush(e.ctx); err != nil {
			e.failSession(s, fmt.Sprintf("forced flush: %v", err))
			continue
		}
		e.checkpoint(e.ctx, s)
	}
	return cmdResult{}
}

func (e *Engine) handleUploaded(cmd *command) {
	s, ok := e.sessions[cmd.sessionID]
	if !ok {
		return
	}
	e.publishProgress(s, cmd.snapshot)
	if s.state == staging.SessionFinalizing &&
		cmd.snapshot.ChunksUploaded == cmd.snapshot.ChunksTotal {
		e.complete(s, cmd.snapshot)
	}
}

// maybeComplete closes out a finalizing session whose chunks were all
// uploaded before finalization began.
func (e *Engine) maybeComplete(s *session) {
	rec, err := e.store.GetSession(e.ctx, s.id)
	if err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("finalize check failed")
		return
	}
	if rec.ChunksUploaded == rec.ChunksTotal {
		e.complete(s, rec)
	}
}

func (e *Engine) complete(s *session, rec *staging.SessionRecord) {
	next, err := Transition(s.state, EventAllUploaded)
	if err != nil {
		return
	}
	if err := e.persistTerminal(s.id, next, s.elapsed, ""); err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("failed to persist completion")
		return
	}
	s.state = next

	if e.notifier != nil {
		chunks := rec.ChunksTotal
		id := s.id
		go func() {
			if err := e.notifier.NotifyCompletion(context.Background(), id, chunks); err != nil {
				logging.Warn().Err(err).Str("session_id", id).Msg("completion callback failed")
			}
		}()
	}

	e.finishTerminal(s, "")
	logging.Info().
		Str("session_id", s.id).
		Int("chunks", rec.ChunksTotal).
		Dur("elapsed", s.elapsed).
		Msg("session completed")
}

// handleFailure drives a session to failed from any non-terminal state.
func (e *Engine) handleFailure(sessionID string, event Event, msg string) {
	s, ok := e.sessions[sessionID]
	if !ok || s.state.Terminal() {
		return
	}
	next, err := Transition(s.state, event)
	if err != nil {
		return
	}

	elapsed := s.liveElapsed()
	if err := e.persistTerminal(s.id, next, elapsed, msg); err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("failed to persist failure")
		return
	}
	s.state = next
	s.elapsed = elapsed

	if s.adapter != nil {
		if err := s.adapter.Stop(e.ctx); err != nil {
			logging.Warn().Err(err).Str("session_id", s.id).Msg("failure: capture stop failed")
		}
	}

	e.finishTerminal(s, msg)
	logging.Error().Str("session_id", s.id).Str("reason", msg).Msg("session failed")
}

// failSession is handleFailure for a session already in hand.
func (e *Engine) failSession(s *session, msg string) {
	e.handleFailure(s.id, EventFatal, msg)
}

func (e *Engine) handleAdopt(cmd *command) cmdResult {
	rec := cmd.snapshot
	if _, exists := e.sessions[rec.ID]; exists {
		return cmdResult{err: fmt.Errorf("session %s already adopted", rec.ID)}
	}
	if rec.State.Terminal() {
		return cmdResult{err: fmt.Errorf("session %s is terminal", rec.ID)}
	}

	s := &session{
		id:        rec.ID,
		state:     rec.State,
		startedAt: rec.StartedAt,
		resumedAt: time.Now(),
		elapsed:   rec.Elapsed,
	}

	if cmd.resume {
		if rec.State != staging.SessionRecording && rec.State != staging.SessionPaused {
			return cmdResult{err: fmt.Errorf("cannot resume session in state %s", rec.State)}
		}
		if err := e.attachCapture(s, rec.ChunksTotal); err != nil {
			return cmdResult{err: err}
		}
		if err := e.persistState(s.id, staging.SessionRecording, s.elapsed, ""); err != nil {
			return cmdResult{err: err}
		}
		s.state = staging.SessionRecording
		e.sessions[s.id] = s
		e.publishProgress(s, rec)
		logging.Info().Str("session_id", s.id).Msg("recovered session resumed")
		return cmdResult{}
	}

	// Finalize with what exists: walk the machine to finalizing.
	for s.state != staging.SessionFinalizing {
		var event Event
		switch s.state {
		case staging.SessionRecording, staging.SessionPaused:
			event = EventStop
		case staging.SessionStopping:
			event = EventLastSealed
		default:
			return cmdResult{err: fmt.Errorf("cannot finalize session in state %s", s.state)}
		}
		next, err := Transition(s.state, event)
		if err != nil {
			return cmdResult{err: err}
		}
		if err := e.persistState(s.id, next, s.elapsed, ""); err != nil {
			return cmdResult{err: err}
		}
		s.state = next
	}

	e.sessions[s.id] = s
	e.publishProgress(s, rec)
	logging.Info().Str("session_id", s.id).Msg("recovered session finalizing")
	e.maybeComplete(s)
	return cmdResult{}
}

// terminalResult reads back a session that just went terminal so the
// caller gets the final record instead of a waiter that already fired.
func (e *Engine) terminalResult(s *session) cmdResult {
	rec, err := e.store.GetSession(e.ctx, s.id)
	if err != nil {
		return cmdResult{err: err}
	}
	return cmdResult{rec: rec}
}

// persistState durably writes a non-terminal state change.
func (e *Engine) persistState(id string, state staging.SessionState, elapsed time.Duration, lastErr string) error {
	_, err := e.store.UpdateSession(e.ctx, id, func(rec *staging.SessionRecord) error {
		rec.State = state
		rec.Elapsed = elapsed
		rec.CheckpointAt = time.Now().UTC()
		if lastErr != "" {
			rec.LastError = lastErr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist state %s: %w", state, err)
	}
	return nil
}

// persistTerminal durably writes a terminal state with its completion
// timestamp.
func (e *Engine) persistTerminal(id string, state staging.SessionState, elapsed time.Duration, lastErr string) error {
	now := time.Now().UTC()
	_, err := e.store.UpdateSession(e.ctx, id, func(rec *staging.SessionRecord) error {
		rec.State = state
		rec.Elapsed = elapsed
		rec.CheckpointAt = now
		rec.CompletedAt = &now
		if lastErr != "" {
			rec.LastError = lastErr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist terminal state %s: %w", state, err)
	}
	return nil
}

// checkpoint refreshes the durable checkpoint for an active session.
func (e *Engine) checkpoint(ctx context.Context, s *session) {
	_, err := e.store.UpdateSession(ctx, s.id, func(rec *staging.SessionRecord) error {
		rec.Elapsed = s.liveElapsed()
		rec.CheckpointAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("checkpoint failed")
	}
}

// Checkpoint durably refreshes every active session's checkpoint time
// without forcing a chunk boundary. Called by the lifecycle guard's
// periodic timer.
func (e *Engine) Checkpoint(ctx context.Context) error {
	_, err := e.send(ctx, &command{kind: cmdCheckpoint})
	return err
}

func (e *Engine) handleCheckpoint() cmdResult {
	for _, s := range e.sessions {
		if s.state.Terminal() {
			continue
		}
		e.checkpoint(e.ctx, s)
	}
	return cmdResult{}
}

func (e *Engine) addWaiter(s *session) chan *staging.SessionRecord {
	ch := make(chan *staging.SessionRecord, 1)
	s.waiters = append(s.waiters, ch)
	return ch
}

// finishTerminal publishes the completion event and releases waiters.
func (e *Engine) finishTerminal(s *session, lastErr string) {
	rec, err := e.store.GetSession(e.ctx, s.id)
	if err != nil {
		logging.Error().Err(err).Str("session_id", s.id).Msg("failed to read terminal record")
		rec = &staging.SessionRecord{ID: s.id, State: s.state}
	}

	e.publish(events.TopicCompletion, &events.CompletionEvent{
		SessionID:      s.id,
		State:          s.state,
		Elapsed:        s.elapsed,
		ChunksTotal:    rec.ChunksTotal,
		ChunksUploaded: rec.ChunksUploaded,
		LastError:      lastErr,
		At:             time.Now().UTC(),
	})

	for _, ch := range s.waiters {
		ch <- rec
	}
	s.waiters = nil
}

func (e *Engine) publishProgress(s *session, rec *staging.SessionRecord) {
	if rec == nil {
		var err error
		rec, err = e.store.GetSession(e.ctx, s.id)
		if err != nil {
			return
		}
	}
	e.publish(events.TopicProgress, &events.ProgressEvent{
		SessionID:      s.id,
		State:          s.state,
		Elapsed:        s.liveElapsed(),
		ChunksTotal:    rec.ChunksTotal,
		ChunksUploaded: rec.ChunksUploaded,
		At:             time.Now().UTC(),
	})
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}
