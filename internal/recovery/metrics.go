// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recoveredSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_recovery_sessions_total",
		Help: "Total number of interrupted sessions found at startup.",
	})

	requeuedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_recovery_chunks_requeued_total",
		Help: "Total number of staged chunks requeued for upload at startup.",
	})
)

func recordRecoveredSessions(n int) { recoveredSessionsTotal.Add(float64(n)) }

func recordRequeuedChunks(n int) { requeuedChunksTotal.Add(float64(n)) }
