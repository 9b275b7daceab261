// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPTransportStoreChunk(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = server.URL
	cfg.AuthToken = "secret-token"
	transport := NewHTTPTransport(cfg)

	payload := []byte("audio-bytes")
	if err := transport.StoreChunk(context.Background(), "s-1", 3, payload); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}

	if gotPath != "/sessions/s-1/chunks/3" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotContentType != "application/octet-stream" {
		t.Errorf("unexpected content type %q", gotContentType)
	}
	if string(gotBody) != "audio-bytes" {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestHTTPTransportBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = server.URL
	transport := NewHTTPTransport(cfg)

	if err := transport.StoreChunk(context.Background(), "s-1", 0, []byte("x")); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestHTTPTransportBreakerOpens(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = server.URL
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Minute
	transport := NewHTTPTransport(cfg)

	for i := 0; i < 5; i++ {
		if err := transport.StoreChunk(context.Background(), "s-1", i, []byte("x")); err == nil {
			t.Fatalf("expected failure on attempt %d", i)
		}
	}

	// After the threshold the breaker fails fast without hitting the wire.
	if got := requests.Load(); got != 2 {
		t.Errorf("expected 2 wire requests before the breaker opened, got %d", got)
	}
	if transport.BreakerState() != "open" {
		t.Errorf("expected open breaker, got %s", transport.BreakerState())
	}
}

func TestHTTPTransportCompletionCallback(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := testUploadConfig()
	cfg.Endpoint = server.URL
	cfg.CompletionURL = server.URL + "/complete"
	transport := NewHTTPTransport(cfg)

	if err := transport.NotifyCompletion(context.Background(), "s-1", 7); err != nil {
		t.Fatalf("NotifyCompletion failed: %v", err)
	}
	if len(gotBody) == 0 {
		t.Error("expected a completion body")
	}
}

func TestNotifyCompletionUnconfigured(t *testing.T) {
	cfg := testUploadConfig()
	cfg.CompletionURL = ""
	transport := NewHTTPTransport(cfg)

	if err := transport.NotifyCompletion(context.Background(), "s-1", 1); err != nil {
		t.Errorf("unconfigured completion must be a no-op, got %v", err)
	}
}
