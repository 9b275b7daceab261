// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

// Package uploader moves sealed chunks to the remote blob store with
// bounded concurrency, retry with jittered exponential backoff, and
// durable status tracking in the staging store.
package uploader

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
)

// Transport is the abstract "store chunk" operation. The remote store is
// keyed by (session id, sequence number) and assumed idempotent: re-PUT
// of an already stored chunk overwrites by key.
type Transport interface {
	StoreChunk(ctx context.Context, sessionID string, seq int, payload []byte) error
}

// CompletionNotifier posts a completion callback for a finalized session.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, sessionID string, chunks int) error
}

// HTTPTransport uploads chunks over HTTP PUT with circuit breaker
// protection. Repeated transport failures open the breaker so a dead
// endpoint fails fast instead of burning every chunk's retry budget on
// connection timeouts.
type HTTPTransport struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker[any]
	cfg     config.UploadConfig
}

// NewHTTPTransport creates the production transport for the configured
// blob-store endpoint.
func NewHTTPTransport(cfg config.UploadConfig) *HTTPTransport {
	client := resty.New().
		SetTimeout(cfg.AttemptTimeout).
		SetRetryCount(0) // retry policy belongs to the manager, not the client
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        "chunk-upload",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("upload circuit breaker state change")
		},
	}

	return &HTTPTransport{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
		cfg:     cfg,
	}
}

// StoreChunk PUTs the payload to <endpoint>/sessions/<id>/chunks/<seq>.
// Any non-2xx response is an error; the caller decides retry policy.
func (t *HTTPTransport) StoreChunk(ctx context.Context, sessionID string, seq int, payload []byte) error {
	url := fmt.Sprintf("%s/sessions/%s/chunks/%d", t.cfg.Endpoint, sessionID, seq)

	_, err := t.breaker.Execute(func() (any, error) {
		resp, err := t.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/octet-stream").
			SetBody(payload).
			Put(url)
		if err != nil {
			return nil, fmt.Errorf("put chunk: %w", err)
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("put chunk: unexpected status %d", resp.StatusCode())
		}
		return nil, nil
	})
	return err
}

// NotifyCompletion POSTs the completion callback, if one is configured.
// Failures are the caller's to log; completion delivery is best effort
// and never blocks finalization.
func (t *HTTPTransport) NotifyCompletion(ctx context.Context, sessionID string, chunks int) error {
	if t.cfg.CompletionURL == "" {
		return nil
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"session_id": sessionID,
			"chunks":     chunks,
		}).
		Post(t.cfg.CompletionURL)
	if err != nil {
		return fmt.Errorf("post completion: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("post completion: unexpected status %d", resp.StatusCode())
	}
	return nil
}

// BreakerState returns the circuit breaker state for monitoring.
func (t *HTTPTransport) BreakerState() string {
	return t.breaker.State().String()
}
