// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package capture

import (
	"context"
	"io"
	"math"
	"sync"
	"time"
)

// SyntheticSource generates a continuous sine tone in real time. The
// daemon uses it when no host capture device is wired in; it is also
// handy for soak testing the pipeline end to end.
type SyntheticSource struct {
	sampleRate int
	channels   int
	frequency  float64
	interval   time.Duration

	mu     sync.Mutex
	closed bool
	phase  float64
}

// NewSyntheticSource creates a tone source delivering one buffer per
// interval, sized to cover exactly that interval of audio.
func NewSyntheticSource(sampleRate, channels int, frequency float64, interval time.Duration) *SyntheticSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &SyntheticSource{
		sampleRate: sampleRate,
		channels:   channels,
		frequency:  frequency,
		interval:   interval,
	}
}

func (s *SyntheticSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	frames := int(float64(s.sampleRate) * s.interval.Seconds())
	buf := make([]byte, frames*s.channels*2)
	step := 2 * math.Pi * s.frequency / float64(s.sampleRate)
	for i := 0; i < frames; i++ {
		sample := int16(math.Sin(s.phase) * 0.5 * 32767)
		s.phase += step
		for ch := 0; ch < s.channels; ch++ {
			off := (i*s.channels + ch) * 2
			buf[off] = byte(sample)
			buf[off+1] = byte(sample >> 8)
		}
	}
	return buf, nil
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ScriptedSource replays a fixed sequence of buffers, then returns
// io.EOF. Reads can be gated so tests control exactly when each buffer
// is delivered.
type ScriptedSource struct {
	mu      sync.Mutex
	buffers [][]byte
	next    int
	closed  bool

	// gate, when non-nil, must be signaled once per Read.
	gate chan struct{}

	// failAfter, when >= 0, makes the read at that index return failErr.
	failAfter int
	failErr   error
}

// NewScriptedSource creates a source that yields the given buffers in
// order.
func NewScriptedSource(buffers ...[]byte) *ScriptedSource {
	return &ScriptedSource{buffers: buffers, failAfter: -1}
}

// Gated makes each Read wait for one Release call.
func (s *ScriptedSource) Gated() *ScriptedSource {
	s.gate = make(chan struct{})
	return s
}

// Release lets one gated Read proceed.
func (s *ScriptedSource) Release() {
	s.gate <- struct{}{}
}

// FailAt makes the read at index i return err instead of a buffer.
func (s *ScriptedSource) FailAt(i int, err error) *ScriptedSource {
	s.failAfter = i
	s.failErr = err
	return s
}

func (s *ScriptedSource) Read(ctx context.Context) ([]byte, error) {
	if s.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.gate:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	if s.failAfter >= 0 && s.next == s.failAfter {
		return nil, s.failErr
	}
	if s.next >= len(s.buffers) {
		return nil, io.EOF
	}
	buf := s.buffers[s.next]
	s.next++
	return buf, nil
}

func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
