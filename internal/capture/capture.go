// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package capture adapts a host audio capture primitive into the fixed
// duration slices the assembler consumes, plus low-rate amplitude samples
// for level meters.
//
// The adapter never touches durable storage. Slices are handed
// synchronously to the sink; a sink error is fatal for the session.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
)

// ErrSourceClosed is returned by sources after Close.
var ErrSourceClosed = errors.New("capture source is closed")

// Source is the host's live capture primitive. It delivers ordered raw
// PCM buffers (16-bit little-endian) until closed. Implementations are
// opaque collaborators; the engine never interprets them beyond slicing.
type Source interface {
	// Read blocks until the next buffer is available. It returns io.EOF
	// when the source is exhausted and ErrSourceClosed after Close. Any
	// other error is a fatal capture failure.
	Read(ctx context.Context) ([]byte, error)

	// Close releases the capture device. Safe to call more than once.
	Close() error
}

// Slice is the smallest audio unit handed to the assembler. Slices are
// ephemeral; they are consumed into chunks and never persisted on their
// own.
type Slice struct {
	Seq        int
	PCM        []byte
	Duration   time.Duration
	CapturedAt time.Time
}

// Sink consumes slices synchronously. The adapter does not read further
// buffers until ConsumeSlice returns, so a sink that seals durably gives
// the write-then-ack guarantee for free.
type Sink interface {
	ConsumeSlice(ctx context.Context, s Slice) error
}

// Adapter drives a Source, cuts its buffers into fixed-duration slices,
// and reports amplitude. Pause suspends delivery without discarding
// buffered data; Stop flushes the partial buffer as a final short slice.
type Adapter struct {
	cfg    config.CaptureConfig
	source Source
	sink   Sink

	// onAmplitude receives level samples in [0,1]. Optional.
	onAmplitude func(level float64)

	// onError receives the fatal capture or sink error, once. Optional.
	onError func(err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	pausedCh chan struct{}

	// Loop-owned; touched outside the loop only after wg.Wait.
	buf     []byte
	seq     int
	lastAmp time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAmplitudeFunc sets the amplitude sample callback.
func WithAmplitudeFunc(fn func(level float64)) Option {
	return func(a *Adapter) { a.onAmplitude = fn }
}

// WithErrorFunc sets the fatal error callback.
func WithErrorFunc(fn func(err error)) Option {
	return func(a *Adapter) { a.onError = fn }
}

// NewAdapter creates a capture adapter over the given source and sink.
func NewAdapter(cfg config.CaptureConfig, source Source, sink Sink, opts ...Option) *Adapter {
	a := &Adapter{cfg: cfg, source: source, sink: sink}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// sliceBytes is the byte length of one full slice.
func (a *Adapter) sliceBytes() int {
	bytesPerSecond := a.cfg.SampleRate * a.cfg.Channels * 2
	n := int(float64(bytesPerSecond) * a.cfg.SliceDuration.Seconds())
	if n <= 0 {
		n = 1
	}
	return n
}

func (a *Adapter) bytesDuration(n int) time.Duration {
	bytesPerSecond := a.cfg.SampleRate * a.cfg.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bytesPerSecond) * float64(time.Second))
}

// Start begins reading from the source.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("capture adapter already running")
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.running = true
	a.pausedCh = nil

	a.wg.Add(1)
	go a.run()

	logging.Debug().
		Dur("slice_duration", a.cfg.SliceDuration).
		Int("sample_rate", a.cfg.SampleRate).
		Msg("capture adapter started")
	return nil
}

// Pause suspends slice delivery. Buffered-but-undelivered audio is kept
// and delivered after Resume.
func (a *Adapter) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.pausedCh != nil {
		return
	}
	a.pausedCh = make(chan struct{})
}

// Resume continues slice delivery after Pause.
func (a *Adapter) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pausedCh == nil {
		return
	}
	close(a.pausedCh)
	a.pausedCh = nil
}

// IsPaused reports whether delivery is suspended.
func (a *Adapter) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pausedCh != nil
}

// Stop halts capture, flushes the partial buffer as a final short slice,
// and closes the source. It is the only way buffered audio shorter than
// a slice reaches the sink.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	if a.pausedCh != nil {
		close(a.pausedCh)
		a.pausedCh = nil
	}
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()

	var flushErr error
	if len(a.buf) > 0 {
		flushErr = a.deliver(ctx, a.buf)
		a.buf = nil
	}

	if err := a.source.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("close capture source: %w", err)
	}

	logging.Debug().Int("slices", a.seq).Msg("capture adapter stopped")
	return flushErr
}

func (a *Adapter) run() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		a.mu.Lock()
		pausedCh := a.pausedCh
		a.mu.Unlock()
		if pausedCh != nil {
			select {
			case <-a.ctx.Done():
				return
			case <-pausedCh:
				continue
			}
		}

		data, err := a.source.Read(a.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, ErrSourceClosed) {
				return
			}
			a.fail(fmt.Errorf("capture read: %w", err))
			return
		}
		if len(data) == 0 {
			continue
		}

		a.sampleAmplitude(data)

		a.buf = append(a.buf, data...)
		size := a.sliceBytes()
		for len(a.buf) >= size {
			slice := a.buf[:size]
			if err := a.deliver(a.ctx, slice); err != nil {
				a.fail(err)
				return
			}
			a.buf = a.buf[size:]
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, pcm []byte) error {
	out := make([]byte, len(pcm))
	copy(out, pcm)

	slice := Slice{
		Seq:        a.seq,
		PCM:        out,
		Duration:   a.bytesDuration(len(out)),
		CapturedAt: time.Now().UTC(),
	}
	if err := a.sink.ConsumeSlice(ctx, slice); err != nil {
		return fmt.Errorf("consume slice %d: %w", slice.Seq, err)
	}
	a.seq++
	return nil
}

func (a *Adapter) fail(err error) {
	logging.Error().Err(err).Msg("capture failed")
	if a.onError != nil {
		a.onError(err)
	}
}

func (a *Adapter) sampleAmplitude(data []byte) {
	if a.onAmplitude == nil {
		return
	}
	now := time.Now()
	if now.Sub(a.lastAmp) < a.cfg.AmplitudeInterval {
		return
	}
	a.lastAmp = now
	a.onAmplitude(RMS(data))
}

// RMS computes the root-mean-square level of 16-bit little-endian PCM,
// normalized to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
