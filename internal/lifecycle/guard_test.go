// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
)

// countingEngine records guard calls.
type countingEngine struct {
	flushes     atomic.Int64
	checkpoints atomic.Int64
}

func (c *countingEngine) FlushAll(ctx context.Context) error {
	c.flushes.Add(1)
	return nil
}

func (c *countingEngine) Checkpoint(ctx context.Context) error {
	c.checkpoints.Add(1)
	return nil
}

func waitCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter never reached %d, got %d", want, counter.Load())
}

func TestSuspendRiskForcesFlush(t *testing.T) {
	source := NewChannelSignalSource(4)
	engine := &countingEngine{}
	guard := NewGuard(config.LifecycleConfig{CheckpointInterval: time.Hour}, source, engine, nil)

	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer guard.Stop()

	source.Send(SignalSuspendRisk)
	waitCount(t, &engine.flushes, 1)

	if engine.checkpoints.Load() != 0 {
		t.Errorf("suspend risk must flush, not just checkpoint")
	}
}

func TestVisibleCheckpointsOnly(t *testing.T) {
	source := NewChannelSignalSource(4)
	engine := &countingEngine{}
	guard := NewGuard(config.LifecycleConfig{CheckpointInterval: time.Hour}, source, engine, nil)

	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer guard.Stop()

	source.Send(SignalVisible)
	waitCount(t, &engine.checkpoints, 1)

	if engine.flushes.Load() != 0 {
		t.Errorf("visible must not force a chunk boundary")
	}
}

func TestUnloadFlushesThenNotifies(t *testing.T) {
	source := NewChannelSignalSource(4)
	engine := &countingEngine{}
	unloaded := make(chan struct{})
	guard := NewGuard(config.LifecycleConfig{CheckpointInterval: time.Hour}, source, engine,
		func() { close(unloaded) })

	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer guard.Stop()

	source.Send(SignalUnload)

	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("unload callback never fired")
	}
	if engine.flushes.Load() != 1 {
		t.Errorf("expected unload to flush first, got %d flushes", engine.flushes.Load())
	}
}

func TestPeriodicCheckpoint(t *testing.T) {
	source := NewChannelSignalSource(4)
	engine := &countingEngine{}
	guard := NewGuard(config.LifecycleConfig{CheckpointInterval: 20 * time.Millisecond}, source, engine, nil)

	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer guard.Stop()

	waitCount(t, &engine.checkpoints, 3)
}

func TestGuardStartStop(t *testing.T) {
	source := NewChannelSignalSource(4)
	guard := NewGuard(config.LifecycleConfig{CheckpointInterval: time.Hour}, source, &countingEngine{}, nil)

	if guard.IsRunning() {
		t.Error("guard should not run before Start")
	}
	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !guard.IsRunning() {
		t.Error("guard should run after Start")
	}
	// Idempotent start
	if err := guard.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	guard.Stop()
	if guard.IsRunning() {
		t.Error("guard should not run after Stop")
	}
	guard.Stop()
}
