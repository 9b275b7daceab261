// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package lifecycle reacts to host suspend-risk and teardown signals.
// On suspend risk the guard force-flushes buffered audio into a sealed
// chunk and checkpoints; it never stops capture or in-flight uploads.
// Actual teardown correctness is the staging store's write-then-ack
// discipline plus recovery, not this package.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
)

// Signal is a normalized host lifecycle notification.
type Signal int

const (
	// SignalSuspendRisk means the host may suspend or hide the process
	// ("becoming hidden", "about to terminate").
	SignalSuspendRisk Signal = iota

	// SignalVisible means the host is foregrounded again.
	SignalVisible

	// SignalUnload means the process is being asked to shut down.
	SignalUnload
)

func (s Signal) String() string {
	switch s {
	case SignalSuspendRisk:
		return "suspend_risk"
	case SignalVisible:
		return "visible"
	case SignalUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// SignalSource delivers host lifecycle signals. The daemon uses OS
// signals; embedding hosts provide their own (e.g. bridged visibility
// callbacks).
type SignalSource interface {
	// Subscribe returns the signal channel. The channel is closed when
	// the context is canceled.
	Subscribe(ctx context.Context) (<-chan Signal, error)
}

// Engine is the slice of the recorder the guard drives.
type Engine interface {
	// FlushAll force-seals buffered audio for every active session.
	FlushAll(ctx context.Context) error

	// Checkpoint refreshes durable checkpoints without forcing a seal.
	Checkpoint(ctx context.Context) error
}

// Guard consumes lifecycle signals and keeps sessions checkpointed.
type Guard struct {
	cfg    config.LifecycleConfig
	source SignalSource
	engine Engine

	// onUnload, when set, runs after the unload flush. The daemon hooks
	// graceful shutdown here.
	onUnload func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewGuard creates a lifecycle guard.
func NewGuard(cfg config.LifecycleConfig, source SignalSource, engine Engine, onUnload func()) *Guard {
	return &Guard{
		cfg:      cfg,
		source:   source,
		engine:   engine,
		onUnload: onUnload,
	}
}

// Start begins consuming signals and running the periodic checkpoint.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	g.ctx, g.cancel = context.WithCancel(ctx)
	signals, err := g.source.Subscribe(g.ctx)
	if err != nil {
		g.cancel()
		return err
	}
	g.running = true

	g.wg.Add(1)
	go g.run(signals)

	logging.Info().Dur("checkpoint_interval", g.cfg.CheckpointInterval).Msg("lifecycle guard started")
	return nil
}

// Stop halts the guard.
func (g *Guard) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.cancel()
	g.running = false
	g.mu.Unlock()

	g.wg.Wait()
	logging.Info().Msg("lifecycle guard stopped")
}

// IsRunning returns whether the guard is active.
func (g *Guard) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Guard) run(signals <-chan Signal) {
	defer g.wg.Done()

	interval := g.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.engine.Checkpoint(g.ctx); err != nil {
				logging.Warn().Err(err).Msg("periodic checkpoint failed")
			}
		case sig, ok := <-signals:
			if !ok {
				return
			}
			g.handle(sig)
		}
	}
}

func (g *Guard) handle(sig Signal) {
	logging.Info().Str("signal", sig.String()).Msg("lifecycle signal")

	switch sig {
	case SignalSuspendRisk:
		// Seal what we have; capture and uploads keep running.
		if err := g.engine.FlushAll(g.ctx); err != nil {
			logging.Error().Err(err).Msg("suspend-risk flush failed")
		}
	case SignalVisible:
		// Capture and uploads never stopped; just refresh checkpoints.
		if err := g.engine.Checkpoint(g.ctx); err != nil {
			logging.Warn().Err(err).Msg("resume checkpoint failed")
		}
	case SignalUnload:
		if err := g.engine.FlushAll(g.ctx); err != nil {
			logging.Error().Err(err).Msg("unload flush failed")
		}
		if g.onUnload != nil {
			g.onUnload()
		}
	}
}
