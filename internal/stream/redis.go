// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// REDIS BUS
// =============================================================================

// RedisBus is a Bus over Redis pub/sub, for deployments where the backend
// publishes stream events through Redis instead of an in-process channel.
// Payloads use the wire envelope; malformed payloads are skipped, not fatal.
type RedisBus struct {
	client *redis.Client
	log    *slog.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc
	closed bool
}

// NewRedisBus creates a bus over an existing Redis client.
func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, log: log}
}

// Subscribe opens a Redis subscription on the topic and decodes incoming
// payloads into typed events.
func (b *RedisBus) Subscribe(topic string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &BusError{Message: "bus closed"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic}

	var closeOnce sync.Once
	stop := func(*Subscription) {
		closeOnce.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}
	sub.release = stop

	go func() {
		// pubsub.Channel returns once the subscription closes; events land
		// on ch in delivery order until then. The reader owns ch, so closing
		// here can never race a send.
		defer close(ch)
		for msg := range pubsub.Channel() {
			ev, ok := DecodeEvent([]byte(msg.Payload))
			if !ok {
				b.log.Warn("ignoring malformed stream payload", "topic", topic)
				continue
			}
			select {
			case ch <- ev:
			default:
				b.log.Warn("stream subscriber overflow, dropping event",
					"topic", topic, "type", string(ev.Type))
			}
		}
	}()

	return sub, nil
}

// Publish encodes and publishes one event on the topic.
func (b *RedisBus) Publish(topic string, ev Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(context.Background(), topic, payload).Err()
}

// Close cancels every open subscription. The Redis client itself is owned by
// the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancel {
		cancel()
	}
	b.cancel = nil
	return nil
}
