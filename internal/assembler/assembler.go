// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package assembler groups capture slices into sequence-numbered chunks
// and seals them durably before acknowledging the slice to the capture
// adapter. A slice is never reported safe before its chunk is staged.
package assembler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapesafe/tapesafe/internal/capture"
	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
	"github.com/tapesafe/tapesafe/internal/staging"
)

// Sealer is the staging operation the assembler needs. *staging.Store
// satisfies it.
type Sealer interface {
	SealChunk(ctx context.Context, rec *staging.ChunkRecord) error
}

// OnSeal is called after each successful seal with the sealed sequence
// number and size. The upload manager hooks in here to enqueue the chunk.
type OnSeal func(seq int, size int64)

// Assembler accumulates slices for one session until a chunk boundary
// (time-based or byte-based) or a forced flush, then seals the chunk with
// the next gapless sequence number.
//
// ConsumeSlice is synchronous: when a slice completes a chunk, the call
// does not return until the chunk's staging write has returned.
type Assembler struct {
	cfg       config.AssemblerConfig
	sealer    Sealer
	sessionID string
	onSeal    OnSeal

	mu       sync.Mutex
	buf      []byte
	buffered time.Duration
	nextSeq  int
}

// New creates an assembler for the session. startSeq is the next sequence
// number to assign; resumed sessions pass the session's ChunksTotal so
// sequences stay gapless across restarts.
func New(cfg config.AssemblerConfig, sealer Sealer, sessionID string, startSeq int, onSeal OnSeal) *Assembler {
	return &Assembler{
		cfg:       cfg,
		sealer:    sealer,
		sessionID: sessionID,
		nextSeq:   startSeq,
		onSeal:    onSeal,
	}
}

// ConsumeSlice implements capture.Sink. The slice's audio is buffered;
// when the buffer reaches the chunk boundary it is sealed before this
// call returns.
func (a *Assembler) ConsumeSlice(ctx context.Context, s capture.Slice) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, s.PCM...)
	a.buffered += s.Duration

	if a.buffered >= a.cfg.ChunkDuration || a.overByteLimit() {
		return a.sealLocked(ctx)
	}
	return nil
}

func (a *Assembler) overByteLimit() bool {
	return a.cfg.MaxChunkBytes > 0 && int64(len(a.buf)) >= a.cfg.MaxChunkBytes
}

// Flush seals whatever is buffered as a partial chunk. Used on session
// stop and by the lifecycle guard on suspend risk. A flush with nothing
// buffered is a no-op.
func (a *Assembler) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 {
		return nil
	}
	return a.sealLocked(ctx)
}

// sealLocked writes the buffered audio as the next chunk. The caller
// holds a.mu.
func (a *Assembler) sealLocked(ctx context.Context) error {
	seq := a.nextSeq
	rec := &staging.ChunkRecord{
		SessionID: a.sessionID,
		Seq:       seq,
		Payload:   a.buf,
	}
	if err := a.sealer.SealChunk(ctx, rec); err != nil {
		return fmt.Errorf("seal chunk %d: %w", seq, err)
	}

	size := int64(len(a.buf))
	a.buf = nil
	a.buffered = 0
	a.nextSeq++

	logging.Debug().
		Str("session_id", a.sessionID).
		Int("seq", seq).
		Int64("bytes", size).
		Msg("chunk sealed")

	if a.onSeal != nil {
		a.onSeal(seq, size)
	}
	return nil
}

// NextSeq returns the sequence number the next sealed chunk will get.
func (a *Assembler) NextSeq() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq
}

// Buffered returns the byte count and duration of unsealed audio.
func (a *Assembler) Buffered() (int, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf), a.buffered
}
