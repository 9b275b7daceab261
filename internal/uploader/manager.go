// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/events"
	"github.com/tapesafe/tapesafe/internal/logging"
	"github.com/tapesafe/tapesafe/internal/staging"
)

// ErrNotRunning is returned by Enqueue before Start or after Stop.
var ErrNotRunning = errors.New("upload manager is not running")

// taskQueueSize bounds the per-session queue. Sized so even a multi-hour
// recording never blocks the seal path on enqueue.
const taskQueueSize = 4096

// Hooks are the manager's callbacks into the recording state machine.
// Both are invoked after the corresponding status write is durable.
type Hooks struct {
	// OnChunkUploaded receives the post-confirm session snapshot, so the
	// state machine can check finalization without another store read.
	OnChunkUploaded func(sess *staging.SessionRecord, seq int)

	// OnPermanentFailure fires when a chunk exhausts its retry budget.
	OnPermanentFailure func(sessionID string, seq int, lastErr string)
}

// Manager runs chunk uploads with bounded concurrency. Uploads within a
// session start in ascending sequence order; sessions proceed in
// parallel, all bounded by the global pool size.
//
// Status writes are durable before they are authoritative: a chunk is
// marked uploading before the attempt, and marked uploaded before the
// task is considered done.
type Manager struct {
	cfg       config.UploadConfig
	store     *staging.Store
	transport Transport
	bus       *events.Bus
	hooks     Hooks

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State - protected by mu
	mu        sync.Mutex
	running   bool
	workers   map[string]*sessionWorker
	cancelled map[string]bool

	// sem bounds global in-flight uploads.
	sem chan struct{}
}

type sessionWorker struct {
	sessionID string
	tasks     chan int
	local     chan struct{}
}

// NewManager creates an upload manager over the staging store and
// transport. The bus and hooks are optional.
func NewManager(cfg config.UploadConfig, store *staging.Store, transport Transport, bus *events.Bus, hooks Hooks) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		transport: transport,
		bus:       bus,
		hooks:     hooks,
		workers:   make(map[string]*sessionWorker),
		cancelled: make(map[string]bool),
	}
}

// Start begins accepting upload tasks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	poolSize := m.cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sem = make(chan struct{}, poolSize)
	m.running = true

	logging.Info().
		Int("pool_size", poolSize).
		Int("max_retries", m.cfg.MaxRetries).
		Dur("backoff_base", m.cfg.BackoffBase).
		Msg("upload manager started")
	return nil
}

// Stop halts the manager. In-flight attempts are interrupted via context;
// their chunks keep a durable non-terminal status and are requeued by
// recovery on the next start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.workers = make(map[string]*sessionWorker)
	m.mu.Unlock()

	logging.Info().Msg("upload manager stopped")
}

// IsRunning returns whether the manager is accepting tasks.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Enqueue schedules one sealed chunk for upload. Tasks for a session
// must be enqueued in ascending sequence order; the assembler and the
// recovery controller both do.
func (m *Manager) Enqueue(sessionID string, seq int) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	w, ok := m.workers[sessionID]
	if !ok {
		concurrency := m.cfg.SessionConcurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		w = &sessionWorker{
			sessionID: sessionID,
			tasks:     make(chan int, taskQueueSize),
			local:     make(chan struct{}, concurrency),
		}
		m.workers[sessionID] = w
		m.wg.Add(1)
		go m.runWorker(w)
	}
	m.mu.Unlock()

	select {
	case w.tasks <- seq:
		return nil
	default:
		return fmt.Errorf("upload queue full for session %s", sessionID)
	}
}

// EnqueuePending requeues every non-uploaded chunk of a session in
// ascending order. Used by the recovery controller at startup and when
// resuming a session with failed chunks.
func (m *Manager) EnqueuePending(ctx context.Context, sessionID string) (int, error) {
	pending, err := m.store.PendingChunks(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list pending chunks: %w", err)
	}
	for _, rec := range pending {
		if err := m.Enqueue(sessionID, rec.Seq); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// CancelSession stops scheduling and retrying the session's uploads.
// Staged chunks are untouched; an abandoned session can be reclaimed
// later by requeuing them.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	m.cancelled[sessionID] = true
	m.mu.Unlock()
}

// ReinstateSession clears a previous CancelSession, for reclamation.
func (m *Manager) ReinstateSession(sessionID string) {
	m.mu.Lock()
	delete(m.cancelled, sessionID)
	m.mu.Unlock()
}

func (m *Manager) isCancelled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[sessionID]
}

// PermanentFailures lists the sequence numbers of chunks that exhausted
// their retry budget, for the session status surface.
func (m *Manager) PermanentFailures(ctx context.Context, sessionID string) ([]int, error) {
	chunks, err := m.store.ChunksForSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, rec := range chunks {
		if rec.Status == staging.ChunkFailed && rec.Retries >= m.cfg.MaxRetries {
			out = append(out, rec.Seq)
		}
	}
	return out, nil
}

// runWorker dispatches one session's tasks. Dispatch order is FIFO, so
// uploads start in ascending sequence order; the per-session token
// channel bounds how many overlap.
func (m *Manager) runWorker(w *sessionWorker) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case seq := <-w.tasks:
			select {
			case <-m.ctx.Done():
				return
			case w.local <- struct{}{}:
			}
			select {
			case <-m.ctx.Done():
				<-w.local
				return
			case m.sem <- struct{}{}:
			}

			m.wg.Add(1)
			go func(seq int) {
				defer m.wg.Done()
				defer func() { <-m.sem }()
				defer func() { <-w.local }()
				m.process(m.ctx, w.sessionID, seq)
			}(seq)
		}
	}
}

// process uploads one chunk through its full retry schedule.
func (m *Manager) process(ctx context.Context, sessionID string, seq int) {
	uploadStarted()
	defer uploadFinished()

	if m.isCancelled(sessionID) {
		return
	}

	chunk, err := m.store.GetChunk(ctx, sessionID, seq)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Int("seq", seq).Msg("upload: failed to load chunk")
		return
	}
	if chunk.Status == staging.ChunkUploaded {
		// Already confirmed, nothing to resubmit.
		return
	}

	attempts := chunk.Retries
	if attempts >= m.cfg.MaxRetries {
		// Budget already spent in a previous run; surface, don't retry.
		m.surfacePermanent(sessionID, seq, attempts, chunk.LastError)
		return
	}

	schedule := newBackOff(m.cfg)
	advance(schedule, attempts)

	for {
		if _, err := m.store.UpdateChunk(ctx, sessionID, seq, func(c *staging.ChunkRecord) error {
			c.Status = staging.ChunkUploading
			c.LastAttemptAt = time.Now().UTC()
			return nil
		}); err != nil {
			logging.Error().Err(err).Str("session_id", sessionID).Int("seq", seq).Msg("upload: failed to mark uploading")
			return
		}

		attemptErr := m.attempt(ctx, sessionID, seq, chunk.Payload)
		if attemptErr == nil {
			m.confirm(ctx, sessionID, seq, chunk, attempts)
			return
		}
		if ctx.Err() != nil {
			// Shutdown: leave the durable uploading status for recovery.
			return
		}

		attempts++
		if _, err := m.store.UpdateChunk(ctx, sessionID, seq, func(c *staging.ChunkRecord) error {
			c.Status = staging.ChunkFailed
			c.Retries = attempts
			c.LastError = attemptErr.Error()
			return nil
		}); err != nil {
			logging.Error().Err(err).Str("session_id", sessionID).Int("seq", seq).Msg("upload: failed to record attempt")
			return
		}
		recordUploadFailure()

		permanent := attempts >= m.cfg.MaxRetries
		m.publish(events.TopicUploadError, &events.UploadErrorEvent{
			SessionID: sessionID,
			Seq:       seq,
			Attempt:   attempts,
			Message:   attemptErr.Error(),
			Permanent: permanent,
			At:        time.Now().UTC(),
		})

		if permanent {
			m.surfacePermanent(sessionID, seq, attempts, attemptErr.Error())
			return
		}

		delay := schedule.NextBackOff()
		logging.Debug().
			Str("session_id", sessionID).
			Int("seq", seq).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("upload attempt failed, backing off")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if m.isCancelled(sessionID) {
			return
		}
	}
}

// attempt runs a single transfer with its own timeout, distinct from the
// overall retry budget.
func (m *Manager) attempt(ctx context.Context, sessionID string, seq int, payload []byte) error {
	recordUploadAttempt()
	start := time.Now()

	attemptCtx := ctx
	if m.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		defer cancel()
	}

	err := m.transport.StoreChunk(attemptCtx, sessionID, seq, payload)
	recordAttemptLatency(time.Since(start).Seconds())
	return err
}

// confirm durably marks the chunk uploaded, then notifies listeners.
func (m *Manager) confirm(ctx context.Context, sessionID string, seq int, chunk *staging.ChunkRecord, attempts int) {
	sess, err := m.store.MarkUploaded(ctx, sessionID, seq)
	if err != nil {
		logging.Error().Err(err).Str("session_id", sessionID).Int("seq", seq).Msg("upload: failed to confirm")
		return
	}
	recordUploadSuccess(float64(chunk.Size))

	m.publish(events.TopicChunkUploaded, &events.ChunkUploadedEvent{
		SessionID: sessionID,
		Seq:       seq,
		Size:      chunk.Size,
		Attempts:  attempts,
		At:        time.Now().UTC(),
	})

	if m.hooks.OnChunkUploaded != nil {
		m.hooks.OnChunkUploaded(sess, seq)
	}
}

func (m *Manager) surfacePermanent(sessionID string, seq, attempts int, lastErr string) {
	recordPermanentFailure()
	logging.Error().
		Str("session_id", sessionID).
		Int("seq", seq).
		Int("attempts", attempts).
		Str("last_error", lastErr).
		Msg("chunk exhausted retry budget")

	if m.hooks.OnPermanentFailure != nil {
		m.hooks.OnPermanentFailure(sessionID, seq, lastErr)
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}
