// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// OSSignalSource maps POSIX signals to lifecycle signals for the daemon:
//
//	SIGTSTP, SIGUSR1  -> suspend risk
//	SIGCONT           -> visible
//	SIGTERM, SIGINT   -> unload
type OSSignalSource struct{}

// NewOSSignalSource creates the daemon's signal source.
func NewOSSignalSource() *OSSignalSource {
	return &OSSignalSource{}
}

// Subscribe starts relaying OS signals until the context is canceled.
func (s *OSSignalSource) Subscribe(ctx context.Context) (<-chan Signal, error) {
	raw := make(chan os.Signal, 8)
	signal.Notify(raw,
		syscall.SIGTSTP,
		syscall.SIGUSR1,
		syscall.SIGCONT,
		syscall.SIGTERM,
		syscall.SIGINT,
	)

	out := make(chan Signal, 8)
	go func() {
		defer signal.Stop(raw)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-raw:
				mapped, ok := mapSignal(sig)
				if !ok {
					continue
				}
				select {
				case out <- mapped:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func mapSignal(sig os.Signal) (Signal, bool) {
	switch sig {
	case syscall.SIGTSTP, syscall.SIGUSR1:
		return SignalSuspendRisk, true
	case syscall.SIGCONT:
		return SignalVisible, true
	case syscall.SIGTERM, syscall.SIGINT:
		return SignalUnload, true
	default:
		return 0, false
	}
}

// ChannelSignalSource adapts a plain channel, for embedding hosts and
// tests.
type ChannelSignalSource struct {
	ch chan Signal
}

// NewChannelSignalSource creates a channel-backed signal source.
func NewChannelSignalSource(buffer int) *ChannelSignalSource {
	return &ChannelSignalSource{ch: make(chan Signal, buffer)}
}

// Send delivers a signal to the subscriber.
func (s *ChannelSignalSource) Send(sig Signal) {
	s.ch <- sig
}

// Subscribe implements SignalSource.
func (s *ChannelSignalSource) Subscribe(ctx context.Context) (<-chan Signal, error) {
	return s.ch, nil
}
