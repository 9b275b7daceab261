// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package services adapts tapesafe components to the suture v4
// supervision model, translating Start/Stop lifecycles into suture's
// context-aware Serve pattern.
package services

import (
	"context"
	"fmt"
)

// StartStopper is the lifecycle shared by the staging janitor, the
// upload manager, and the lifecycle guard.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// StartStopService wraps a Start/Stop component as a supervised
// service:
//
//  1. Start(ctx) spawns the component's background goroutines
//  2. Serve blocks until the context is canceled
//  3. Stop() blocks until the goroutines drain
//
// If Start fails the error is returned immediately and suture restarts
// the service under its backoff policy.
type StartStopService struct {
	component StartStopper
	name      string
}

// NewJanitorService wraps the staging janitor.
func NewJanitorService(janitor StartStopper) *StartStopService {
	return &StartStopService{component: janitor, name: "staging-janitor"}
}

// NewUploadManagerService wraps the upload manager.
func NewUploadManagerService(manager StartStopper) *StartStopService {
	return &StartStopService{component: manager, name: "upload-manager"}
}

// NewGuardService wraps the lifecycle guard.
func NewGuardService(guard StartStopper) *StartStopService {
	return &StartStopService{component: guard, name: "lifecycle-guard"}
}

// Serve implements suture.Service.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	s.component.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer; suture uses it in event logs.
func (s *StartStopService) String() string {
	return s.name
}
