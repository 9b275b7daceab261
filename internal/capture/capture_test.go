// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
)

// testCaptureConfig uses a tiny sample rate so one slice is 16 bytes.
func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		SliceDuration:     time.Second,
		AmplitudeInterval: time.Millisecond,
		SampleRate:        8,
		Channels:          1,
	}
}

// collectSink records delivered slices and signals each delivery.
type collectSink struct {
	mu        sync.Mutex
	slices    []Slice
	delivered chan struct{}
	failAt    int // -1 disables
}

func newCollectSink() *collectSink {
	return &collectSink{delivered: make(chan struct{}, 64), failAt: -1}
}

func (c *collectSink) ConsumeSlice(ctx context.Context, s Slice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAt >= 0 && s.Seq == c.failAt {
		return errors.New("staging write failed")
	}
	c.slices = append(c.slices, s)
	c.delivered <- struct{}{}
	return nil
}

func (c *collectSink) collected() []Slice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Slice, len(c.slices))
	copy(out, c.slices)
	return out
}

func waitFor(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestSliceEmissionAndFinalFlush(t *testing.T) {
	// Two full slices plus a half slice that only the stop flush emits.
	source := NewScriptedSource(
		make([]byte, 16),
		make([]byte, 16),
		make([]byte, 8),
	)
	sink := newCollectSink()
	adapter := NewAdapter(testCaptureConfig(), source, sink)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, sink.delivered, 2)

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	slices := sink.collected()
	if len(slices) != 3 {
		t.Fatalf("expected 3 slices (2 full + 1 flushed partial), got %d", len(slices))
	}
	for i, s := range slices {
		if s.Seq != i {
			t.Errorf("slice %d has seq %d", i, s.Seq)
		}
	}
	if len(slices[2].PCM) != 8 {
		t.Errorf("expected 8-byte partial slice, got %d", len(slices[2].PCM))
	}
	if slices[0].Duration != time.Second {
		t.Errorf("expected 1s slice duration, got %v", slices[0].Duration)
	}
}

func TestBufferSpanningSlices(t *testing.T) {
	// One 40-byte buffer yields two full slices and an 8-byte remainder.
	source := NewScriptedSource(make([]byte, 40))
	sink := newCollectSink()
	adapter := NewAdapter(testCaptureConfig(), source, sink)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, sink.delivered, 2)

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(sink.collected()); got != 3 {
		t.Fatalf("expected 3 slices, got %d", got)
	}
}

func TestPauseHoldsDelivery(t *testing.T) {
	source := NewScriptedSource(
		make([]byte, 16),
		make([]byte, 16),
	).Gated()
	sink := newCollectSink()
	adapter := NewAdapter(testCaptureConfig(), source, sink)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	source.Release()
	waitFor(t, sink.delivered, 1)

	adapter.Pause()
	if !adapter.IsPaused() {
		t.Fatal("expected adapter to be paused")
	}

	// Nothing may be delivered while paused.
	select {
	case <-sink.delivered:
		t.Fatal("slice delivered while paused")
	case <-time.After(100 * time.Millisecond):
	}

	adapter.Resume()
	source.Release()
	waitFor(t, sink.delivered, 1)

	if err := adapter.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(sink.collected()); got != 2 {
		t.Errorf("expected 2 slices after resume, got %d", got)
	}
}

func TestSourceErrorIsFatal(t *testing.T) {
	sourceErr := errors.New("device access revoked")
	source := NewScriptedSource(make([]byte, 16)).FailAt(1, sourceErr)
	sink := newCollectSink()

	errCh := make(chan error, 1)
	adapter := NewAdapter(testCaptureConfig(), source, sink,
		WithErrorFunc(func(err error) { errCh <- err }))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, sourceErr) {
			t.Errorf("expected wrapped source error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal capture error")
	}
	adapter.Stop(context.Background())
}

func TestSinkErrorIsFatal(t *testing.T) {
	source := NewScriptedSource(make([]byte, 16))
	sink := newCollectSink()
	sink.failAt = 0

	errCh := make(chan error, 1)
	adapter := NewAdapter(testCaptureConfig(), source, sink,
		WithErrorFunc(func(err error) { errCh <- err }))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal sink error")
	}
	adapter.Stop(context.Background())
}

func TestAmplitudeSamples(t *testing.T) {
	// Full-scale square wave: RMS should be close to 1.
	loud := make([]byte, 16)
	for i := 0; i < 8; i++ {
		binary.LittleEndian.PutUint16(loud[i*2:], uint16(int16(32767)))
	}
	source := NewScriptedSource(loud)
	sink := newCollectSink()

	levels := make(chan float64, 8)
	adapter := NewAdapter(testCaptureConfig(), source, sink,
		WithAmplitudeFunc(func(l float64) { levels <- l }))

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, sink.delivered, 1)

	select {
	case level := <-levels:
		if level < 0.9 || level > 1.0 {
			t.Errorf("expected near full-scale RMS, got %f", level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for amplitude sample")
	}
	adapter.Stop(context.Background())
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := RMS(make([]byte, 32)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
}
