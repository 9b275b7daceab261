// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for staging store operations
var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_sessions_created_total",
		Help: "Total number of recording sessions created",
	})

	chunkSealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_chunk_seals_total",
		Help: "Total number of chunks durably sealed to the staging store",
	})

	chunkSealFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_chunk_seal_failures_total",
		Help: "Total number of failed chunk seal operations",
	})

	chunkSealBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_chunk_seal_bytes_total",
		Help: "Total bytes of audio sealed to the staging store",
	})

	chunkSealLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tapesafe_chunk_seal_latency_seconds",
		Help:    "Chunk seal latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	chunkStatusUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tapesafe_chunk_status_updates_total",
		Help: "Total number of chunk status updates by resulting status",
	}, []string{"status"})

	uploadConfirmsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_confirms_total",
		Help: "Total number of chunks confirmed uploaded",
	})

	pendingChunksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapesafe_pending_chunks",
		Help: "Current number of staged chunks not yet uploaded",
	})

	purgedChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_purged_chunks_total",
		Help: "Total number of staged chunks purged after acknowledgement",
	})

	dbSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapesafe_staging_db_size_bytes",
		Help: "BadgerDB staging database size in bytes",
	})

	janitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_janitor_runs_total",
		Help: "Total number of staging janitor runs",
	})

	janitorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tapesafe_janitor_latency_seconds",
		Help:    "Staging janitor run latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func recordSessionCreate() { sessionsCreatedTotal.Inc() }

func recordSealFailure() { chunkSealFailuresTotal.Inc() }

func recordSealLatency(s float64) { chunkSealLatency.Observe(s) }

func recordUploadConfirm() { uploadConfirmsTotal.Inc() }

func recordPurgedChunks(n float64) { purgedChunksTotal.Add(n) }

func updatePendingChunks(n int64) { pendingChunksGauge.Set(float64(n)) }

func updateDBSize(n int64) { dbSizeBytes.Set(float64(n)) }

func recordJanitorRun() { janitorRunsTotal.Inc() }

func recordJanitorLatency(s float64) { janitorLatency.Observe(s) }

func recordStatusUpdate(status string) {
	chunkStatusUpdatesTotal.WithLabelValues(status).Inc()
}

func recordSeal(bytes float64) {
	chunkSealsTotal.Inc()
	chunkSealBytes.Add(bytes)
}
