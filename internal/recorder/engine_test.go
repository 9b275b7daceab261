// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tapesafe/tapesafe/internal/capture"
	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/staging"
	"github.com/tapesafe/tapesafe/internal/uploader"
)

// testEngineConfig: 16-byte slices (1s at 8Hz mono), 2-slice chunks,
// millisecond backoff so retries resolve quickly.
func testEngineConfig() *config.Config {
	return &config.Config{
		Capture: config.CaptureConfig{
			SliceDuration:     time.Second,
			AmplitudeInterval: time.Hour, // not under test here
			SampleRate:        8,
			Channels:          1,
		},
		Assembler: config.AssemblerConfig{
			ChunkDuration: 2 * time.Second,
		},
		Upload: config.UploadConfig{
			SessionConcurrency: 1,
			PoolSize:           4,
			AttemptTimeout:     time.Second,
			MaxRetries:         3,
			BackoffBase:        time.Millisecond,
			BackoffFactor:      2.0,
			BackoffCap:         20 * time.Millisecond,
			BackoffJitter:      0,
		},
	}
}

// flakyTransport fails a configured number of times per seq, or always.
type flakyTransport struct {
	mu           sync.Mutex
	attempts     map[int]int
	failuresLeft map[int]int
	alwaysFail   bool
}

func newFlakyTransport() *flakyTransport {
	return &flakyTransport{
		attempts:     make(map[int]int),
		failuresLeft: make(map[int]int),
	}
}

func (f *flakyTransport) StoreChunk(ctx context.Context, sessionID string, seq int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[seq]++
	if f.alwaysFail {
		return errors.New("network unreachable")
	}
	if f.failuresLeft[seq] > 0 {
		f.failuresLeft[seq]--
		return errors.New("transient network error")
	}
	return nil
}

type testRig struct {
	engine *Engine
	store  *staging.Store
	mgr    *uploader.Manager
}

func setupEngine(t *testing.T, transport uploader.Transport, sources ...capture.Source) *testRig {
	return setupEngineCfg(t, nil, transport, sources...)
}

func setupEngineCfg(t *testing.T, mutate func(*config.Config), transport uploader.Transport, sources ...capture.Source) *testRig {
	t.Helper()

	store, err := staging.OpenForTesting(config.StagingConfig{
		Path:         filepath.Join(t.TempDir(), "staging"),
		CloseTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := testEngineConfig()
	if mutate != nil {
		mutate(cfg)
	}

	var mu sync.Mutex
	next := 0
	factory := func() (capture.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(sources) {
			return nil, errors.New("no capture source available")
		}
		s := sources[next]
		next++
		return s, nil
	}

	engine := NewEngine(cfg, store, nil, factory)
	mgr := uploader.NewManager(cfg.Upload, store, transport, nil, engine.UploadHooks())
	engine.SetUploadManager(mgr)

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start upload manager: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		mgr.Stop()
	})

	return &testRig{engine: engine, store: store, mgr: mgr}
}

func waitForState(t *testing.T, rig *testRig, id string, want staging.SessionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := rig.engine.GetStatus(context.Background(), id)
		if err == nil && status.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	status, _ := rig.engine.GetStatus(context.Background(), id)
	t.Fatalf("session never reached %s, stuck at %+v", want, status)
}

func TestShortRecordingCompletes(t *testing.T) {
	// Three slices under one chunk boundary, then stop: exactly one
	// forced partial chunk, session completed once it uploads.
	source := NewShortSource(3)
	rig := setupEngineCfg(t, func(cfg *config.Config) {
		cfg.Assembler.ChunkDuration = 10 * time.Second
	}, newFlakyTransport(), source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, map[string]string{"tenant": "t-1"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	rec, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if rec.State != staging.SessionCompleted {
		t.Fatalf("expected completed, got %s (last error: %s)", rec.State, rec.LastError)
	}
	if rec.ChunksTotal != 1 || rec.ChunksUploaded != 1 {
		t.Errorf("expected 1/1 chunks, got %d/%d", rec.ChunksUploaded, rec.ChunksTotal)
	}
	if rec.ExternalRefs["tenant"] != "t-1" {
		t.Errorf("external refs lost: %v", rec.ExternalRefs)
	}
}

// NewShortSource yields n one-slice buffers then EOF.
func NewShortSource(n int) *capture.ScriptedSource {
	buffers := make([][]byte, n)
	for i := range buffers {
		buffers[i] = make([]byte, 16)
	}
	return capture.NewScriptedSource(buffers...)
}

func TestSequenceCompleteness(t *testing.T) {
	// Five slices with a 2-slice chunk boundary: chunks 0,1 seal during
	// capture, stop forces chunk 2. Sequences must be exactly 0..N-1.
	source := NewShortSource(5)
	rig := setupEngine(t, newFlakyTransport(), source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	rec, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if rec.State != staging.SessionCompleted {
		t.Fatalf("expected completed, got %s", rec.State)
	}
	if rec.ChunksTotal != 3 {
		t.Fatalf("expected 3 chunks, got %d", rec.ChunksTotal)
	}

	chunks, err := rig.store.ChunksForSession(ctx, id, false)
	if err != nil {
		t.Fatalf("ChunksForSession failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 staged chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("gap or duplicate: position %d has seq %d", i, c.Seq)
		}
		if c.Status != staging.ChunkUploaded {
			t.Errorf("chunk %d not uploaded in completed session: %s", c.Seq, c.Status)
		}
	}
}

func TestRetriedChunkStillCompletes(t *testing.T) {
	source := NewShortSource(3)
	transport := newFlakyTransport()
	transport.failuresLeft[0] = 2
	rig := setupEngine(t, transport, source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	rec, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if rec.State != staging.SessionCompleted {
		t.Fatalf("expected completed despite retries, got %s", rec.State)
	}

	chunk, err := rig.store.GetChunk(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if chunk.Status != staging.ChunkUploaded {
		t.Errorf("expected uploaded, got %s", chunk.Status)
	}
	if chunk.Retries != 2 {
		t.Errorf("expected retry count 2, got %d", chunk.Retries)
	}
}

func TestExhaustedRetriesFailSession(t *testing.T) {
	source := NewShortSource(3)
	transport := newFlakyTransport()
	transport.alwaysFail = true
	rig := setupEngineCfg(t, func(cfg *config.Config) {
		cfg.Assembler.ChunkDuration = 10 * time.Second
	}, transport, source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	rec, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if rec.State != staging.SessionFailed {
		t.Fatalf("expected failed after exhausted retries, got %s", rec.State)
	}

	status, err := rig.engine.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.PendingFailures) != 1 || status.PendingFailures[0] != 0 {
		t.Errorf("expected pending failures [0], got %v", status.PendingFailures)
	}
}

func TestIdempotentStop(t *testing.T) {
	source := NewShortSource(2)
	rig := setupEngine(t, newFlakyTransport(), source)
	ctx := context.Background()

	id, _ := rig.engine.StartSession(ctx, nil)
	first, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("first StopSession failed: %v", err)
	}
	second, err := rig.engine.StopSession(ctx, id)
	if err != nil {
		t.Fatalf("second StopSession failed: %v", err)
	}
	if first.State != second.State || first.ChunksTotal != second.ChunksTotal {
		t.Errorf("stop not idempotent: %+v vs %+v", first, second)
	}
}

func TestPauseResume(t *testing.T) {
	source := NewShortSource(2)
	rig := setupEngine(t, newFlakyTransport(), source)
	ctx := context.Background()

	id, _ := rig.engine.StartSession(ctx, nil)

	if err := rig.engine.Pause(ctx, id); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	status, _ := rig.engine.GetStatus(ctx, id)
	if status.State != staging.SessionPaused {
		t.Errorf("expected paused, got %s", status.State)
	}

	// Double pause is an invalid transition, not a silent no-op.
	if err := rig.engine.Pause(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double pause, got %v", err)
	}

	if err := rig.engine.Resume(ctx, id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	status, _ = rig.engine.GetStatus(ctx, id)
	if status.State != staging.SessionRecording {
		t.Errorf("expected recording after resume, got %s", status.State)
	}

	if _, err := rig.engine.StopSession(ctx, id); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
}

func TestAbandonKeepsStagedChunks(t *testing.T) {
	// Gated source so the session is mid-recording when abandoned.
	source := capture.NewScriptedSource(make([]byte, 32), make([]byte, 32)).Gated()
	rig := setupEngine(t, newFlakyTransport(), source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	source.Release() // two slices, one full chunk seals
	waitForStagedChunks(t, rig, id, 1)

	if err := rig.engine.Abandon(ctx, id); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	waitForState(t, rig, id, staging.SessionAbandoned)

	chunks, err := rig.store.ChunksForSession(ctx, id, false)
	if err != nil {
		t.Fatalf("ChunksForSession failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("abandon must keep staged chunks for reclamation, got %d", len(chunks))
	}
}

func waitForStagedChunks(t *testing.T, rig *testRig, id string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunks, err := rig.store.ChunksForSession(context.Background(), id, false)
		if err == nil && len(chunks) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never staged %d chunks", id, n)
}

func TestCaptureErrorFailsSession(t *testing.T) {
	sourceErr := errors.New("device access revoked")
	source := capture.NewScriptedSource(make([]byte, 16)).FailAt(1, sourceErr)
	rig := setupEngine(t, newFlakyTransport(), source)
	ctx := context.Background()

	id, err := rig.engine.StartSession(ctx, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	waitForState(t, rig, id, staging.SessionFailed)

	rec, err := rig.store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.LastError == "" {
		t.Error("expected the capture error to be recorded")
	}
}

func TestUnknownSession(t *testing.T) {
	rig := setupEngine(t, newFlakyTransport())
	ctx := context.Background()

	if err := rig.engine.Pause(ctx, "ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := rig.engine.GetStatus(ctx, "ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}
