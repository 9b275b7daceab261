// Tapesafe - Resilient Chunked Audio Recording and Upload Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapesafe/tapesafe

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapesafe/tapesafe/internal/config"
	"github.com/tapesafe/tapesafe/internal/logging"
)

// Bus is the engine's in-process Pub/Sub. It wraps a Watermill GoChannel
// so host subscribers get the standard message.Subscriber contract while
// the engine stays embeddable (no broker required).
//
// A slow subscriber backs up its own buffered channel only; the engine's
// publish path never blocks on delivery of a full buffer being drained
// by the host.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	closed bool
}

// NewBus creates the event bus with the configured subscriber buffer.
func NewBus(cfg config.EventsConfig) *Bus {
	buffer := int64(cfg.BufferSize)
	if buffer <= 0 {
		buffer = 256
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, NewLoggerAdapter())

	return &Bus{pubsub: pubsub}
}

// Subscribe returns a channel of messages for the given topic. The channel
// is closed when the context is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	return b.pubsub.Subscribe(ctx, topic)
}

// Publish serializes the payload and publishes it to the topic. Events
// are advisory; a publish failure is logged, never propagated into the
// recording or upload path.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Str("topic", topic).Msg("events: failed to marshal payload")
		return
	}

	msg := message.NewMessage(uuid.NewString(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("events: publish failed")
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.pubsub.Close()
}

// Decode unmarshals a message payload into the given event type.
func Decode[T any](msg *message.Message) (*T, error) {
	var event T
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &event, nil
}

// LoggerAdapter bridges Watermill's logging to the zerolog global logger.
type LoggerAdapter struct {
	fields watermill.LogFields
}

// NewLoggerAdapter creates a Watermill logger backed by zerolog.
func NewLoggerAdapter() *LoggerAdapter {
	return &LoggerAdapter{}
}

func (l *LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.emit(logging.Error().Err(err), msg, fields)
}

func (l *LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields) // watermill "info" is wiring detail
}

func (l *LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	l.emit(logging.Debug(), msg, fields)
}

func (l *LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	l.emit(logging.Trace(), msg, fields)
}

func (l *LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LoggerAdapter{fields: l.fields.Add(fields)}
}

func (l *LoggerAdapter) emit(evt *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range l.fields {
		evt = evt.Interface(k, v)
	}
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}
