// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package uploader

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tapesafe/tapesafe/internal/config"
)

// newBackOff builds the per-chunk retry schedule: base * factor^attempt
// with jitter, capped. MaxElapsedTime is disabled; the retry budget is
// attempt-counted, not time-bounded.
func newBackOff(cfg config.UploadConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = cfg.BackoffFactor
	b.MaxInterval = cfg.BackoffCap
	b.RandomizationFactor = cfg.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// advance fast-forwards a schedule past attempts that already happened.
// Crash-recovered chunks carry a durable retry count; their next delay
// must continue the progression, not restart at the base.
func advance(b *backoff.ExponentialBackOff, attempts int) {
	for i := 0; i < attempts; i++ {
		if b.NextBackOff() == backoff.Stop {
			return
		}
	}
}

// delayForAttempt is the deterministic (jitter-free) delay before the
// given attempt number. Used for inspection and tests.
func delayForAttempt(cfg config.UploadConfig, attempt int) time.Duration {
	d := float64(cfg.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= cfg.BackoffFactor
		if time.Duration(d) >= cfg.BackoffCap {
			return cfg.BackoffCap
		}
	}
	if time.Duration(d) > cfg.BackoffCap {
		return cfg.BackoffCap
	}
	return time.Duration(d)
}
