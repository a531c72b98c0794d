// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"log/slog"
	"sync"
)

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// subscriptionBuffer bounds how many undelivered events a subscription holds.
// A full buffer drops the newest event rather than blocking the publisher.
const subscriptionBuffer = 256

// Subscription is a typed, ordered event feed for one topic. C is closed when
// the subscription ends. Close is idempotent: success, failure, and abort
// paths may all call it without coordination.
type Subscription struct {
	C <-chan Event

	topic   string
	ch      chan Event
	once    sync.Once
	release func(*Subscription)
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string {
	return s.topic
}

// Close tears the subscription down; C is closed by the transport once
// delivery has stopped. Safe to call any number of times from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release(s)
		}
	})
}

// Bus is the event transport boundary. Publish preserves per-topic ordering
// for every subscriber.
type Bus interface {
	Subscribe(topic string) (*Subscription, error)
	Publish(topic string, ev Event) error
	Close() error
}

// =============================================================================
// IN-MEMORY BUS
// =============================================================================

// MemoryBus is the in-process Bus used when the backend delivers events
// directly into the client.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	closed bool
	log    *slog.Logger
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus(log *slog.Logger) *MemoryBus {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryBus{
		subs: make(map[string][]*Subscription),
		log:  log,
	}
}

// Subscribe registers a new subscription for a topic.
func (b *MemoryBus) Subscribe(topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &BusError{Message: "bus closed"}
	}
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, release: b.remove}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Publish delivers an event to every subscriber of the topic, in order.
// Delivery happens under the bus lock so a concurrently closing subscription
// is either still registered (and open) or already detached, never mid-close.
func (b *MemoryBus) Publish(topic string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &BusError{Message: "bus closed"}
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than stall the
			// publisher. The turn still settles through the RPC result.
			b.log.Warn("stream subscriber overflow, dropping event",
				"topic", topic, "type", string(ev.Type))
		}
	}
	return nil
}

// Close shuts the bus down and closes every open subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		s := sub
		s.once.Do(func() {})
		close(s.ch)
	}
	return nil
}

// remove detaches a subscription and closes its channel. Runs under the bus
// lock so it never races a publisher's send.
func (b *MemoryBus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			close(target.ch)
			break
		}
	}
	if len(b.subs[target.topic]) == 0 {
		delete(b.subs, target.topic)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// BusError represents an event transport failure.
type BusError struct {
	Message string
}

// Error implements the error interface.
func (e *BusError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *BusError) Is(target error) bool {
	t, ok := target.(*BusError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
