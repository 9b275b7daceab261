// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package events

import (
	"context"
	"testing"
	"time"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/staging"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(config.EventsConfig{BufferSize: 16})
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Subscribe(ctx, TopicChunkUploaded)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(TopicChunkUploaded, &ChunkUploadedEvent{
		SessionID: "s-1",
		Seq:       7,
		Size:      1024,
		Attempts:  2,
		At:        time.Now().UTC(),
	})

	select {
	case msg := <-msgs:
		event, err := Decode[ChunkUploadedEvent](msg)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		msg.Ack()
		if event.SessionID != "s-1" || event.Seq != 7 || event.Attempts != 2 {
			t.Errorf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := newTestBus(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicProgress, &ProgressEvent{SessionID: "s-1", State: staging.SessionRecording})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestClosedBus(t *testing.T) {
	bus := NewBus(config.EventsConfig{BufferSize: 16})
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := bus.Subscribe(context.Background(), TopicProgress); err == nil {
		t.Error("expected Subscribe on closed bus to fail")
	}

	// Publishing after close is a silent no-op, never a panic.
	bus.Publish(TopicProgress, &ProgressEvent{SessionID: "s-1"})

	// Idempotent close
	if err := bus.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
