// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package staging

import (
	"context"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/logging"
)

// Janitor handles periodic cleanup of the staging store. It purges
// sessions whose terminal outcome has been acknowledged by the caller,
// reclaims abandoned sessions past the configured retention, and triggers
// BadgerDB garbage collection.
//
// Purging never touches non-terminal or unacknowledged sessions: staged
// audio is removed only after confirmed completion/acknowledgement or
// after explicit abandonment has aged out.
type Janitor struct {
	store *Store

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.Mutex
	running bool

	// Stats
	lastRun         time.Time
	lastPurgedCount int64
}

// NewJanitor creates a new staging janitor.
func NewJanitor(store *Store) *Janitor {
	return &Janitor{store: store}
}

// Start begins the background cleanup loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}

	j.ctx, j.cancel = context.WithCancel(ctx)
	j.running = true
	j.mu.Unlock()

	j.wg.Add(1)
	go j.run()

	logging.Info().Dur("interval", j.store.cfg.JanitorInterval).Msg("staging janitor started")
	return nil
}

// Stop gracefully stops the cleanup loop.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.cancel()
	j.running = false
	j.mu.Unlock()

	j.wg.Wait()
	logging.Info().Msg("staging janitor stopped")
}

// IsRunning returns whether the janitor is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.store.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.sweep(j.ctx)
		}
	}
}

// sweep performs one cleanup pass.
func (j *Janitor) sweep(ctx context.Context) {
	start := time.Now()

	sessions, err := j.store.ListSessions(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("janitor: failed to list sessions")
		return
	}

	var purgedSessions, purgedChunks int64
	for _, sess := range sessions {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !j.purgeable(sess) {
			continue
		}

		n, err := j.store.PurgeSession(ctx, sess.ID)
		if err != nil {
			logging.Error().Err(err).Str("session_id", sess.ID).Msg("janitor: purge failed")
			continue
		}
		purgedSessions++
		purgedChunks += int64(n)
	}

	if err := j.store.RunGC(); err != nil {
		logging.Error().Err(err).Msg("janitor: GC error")
	}

	j.mu.Lock()
	j.lastRun = time.Now()
	j.lastPurgedCount = purgedChunks
	j.mu.Unlock()

	duration := time.Since(start)
	recordJanitorRun()
	recordJanitorLatency(duration.Seconds())

	if purgedSessions > 0 {
		logging.Info().
			Int64("sessions", purgedSessions).
			Int64("chunks", purgedChunks).
			Dur("duration", duration).
			Msg("janitor purged acknowledged sessions")
	}
}

// purgeable decides whether a session's staged data may be removed.
func (j *Janitor) purgeable(sess *SessionRecord) bool {
	if !sess.State.Terminal() {
		return false
	}

	switch sess.State {
	case SessionCompleted:
		return sess.Acknowledged
	case SessionAbandoned:
		// Abandoned sessions are kept for reclamation until retention
		// expires, then removed whether acknowledged or not.
		if sess.Acknowledged {
			return true
		}
		if sess.CompletedAt == nil {
			return false
		}
		return time.Since(*sess.CompletedAt) > j.store.cfg.AbandonedRetention
	default:
		// Failed sessions hold evidence of what was and wasn't uploaded;
		// they are purged only on explicit acknowledgement.
		return sess.Acknowledged
	}
}

// RunNow triggers an immediate cleanup pass.
func (j *Janitor) RunNow(ctx context.Context) error {
	j.sweep(ctx)
	return nil
}

// GetStats returns janitor statistics.
func (j *Janitor) GetStats() JanitorStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JanitorStats{
		LastRun:         j.lastRun,
		LastPurgedCount: j.lastPurgedCount,
	}
}

// JanitorStats contains statistics about cleanup runs.
type JanitorStats struct {
	LastRun         time.Time
	LastPurgedCount int64
}
