// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package uploader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for upload operations
var (
	uploadAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_attempts_total",
		Help: "Total number of chunk upload attempts",
	})

	uploadSuccessesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_successes_total",
		Help: "Total number of successful chunk uploads",
	})

	uploadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_failures_total",
		Help: "Total number of failed chunk upload attempts",
	})

	uploadPermanentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_permanent_failures_total",
		Help: "Total number of chunks that exhausted their retry budget",
	})

	uploadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tapesafe_uploads_in_flight",
		Help: "Current number of in-flight chunk uploads",
	})

	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tapesafe_upload_bytes_total",
		Help: "Total bytes successfully uploaded",
	})

	uploadAttemptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tapesafe_upload_attempt_latency_seconds",
		Help:    "Upload attempt latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func recordUploadAttempt() { uploadAttemptsTotal.Inc() }

func recordUploadFailure() { uploadFailuresTotal.Inc() }

func recordPermanentFailure() { uploadPermanentFailuresTotal.Inc() }

func recordAttemptLatency(s float64) { uploadAttemptLatency.Observe(s) }

func uploadStarted() { uploadsInFlight.Inc() }

func uploadFinished() { uploadsInFlight.Dec() }

func recordUploadSuccess(bytes float64) {
	uploadSuccessesTotal.Inc()
	uploadBytesTotal.Add(bytes)
}
