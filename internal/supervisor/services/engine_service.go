// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package services

import (
	"context"
	"fmt"
)

// RecordingEngine matches the recorder engine's lifecycle. Close drains
// active sessions to a durable checkpoint before returning.
//
// Satisfied by *recorder.Engine.
type RecordingEngine interface {
	Start(ctx context.Context) error
	Close()
}

// EngineService wraps the recording engine as a supervised service.
type EngineService struct {
	engine RecordingEngine
	name   string
}

// NewEngineService creates the engine service wrapper.
func NewEngineService(engine RecordingEngine) *EngineService {
	return &EngineService{engine: engine, name: "recording-engine"}
}

// Serve implements suture.Service.
func (s *EngineService) Serve(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("recording engine start failed: %w", err)
	}

	<-ctx.Done()

	// Close flushes and checkpoints every active session.
	s.engine.Close()
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *EngineService) String() string {
	return s.name
}
