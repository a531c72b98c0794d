// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// BATCHER
// =============================================================================

// Flushed is one combined update for one message.
type Flushed struct {
	MessageID string
	Text      string
}

// Batcher coalesces rapid delta chunks into one combined update per message
// per flush. Chunks for a given message are concatenated strictly in arrival
// order; flushed updates are emitted in the order each message first received
// a chunk within the frame. This is what makes incremental rendering both
// efficient (one update per interval, not per token) and correct (no dropped
// or reordered fragments).
//
// A flush fires on a fixed interval tick, or early once the pending chunk
// count reaches the batch size. Cancel discards pending state and stops the
// ticker; it is safe to call multiple times.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*strings.Builder
	order   []string
	chunks  int

	// deliverMu serializes take+sink so frames reach the sink in the order
	// their content arrived, even when a size-triggered flush races the tick.
	deliverMu sync.Mutex

	interval  time.Duration
	batchSize int
	sink      func([]Flushed)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

const (
	// DefaultFlushInterval caps render updates at roughly 30 per second.
	DefaultFlushInterval = 33 * time.Millisecond

	// DefaultBatchSize flushes early once this many chunks are pending.
	DefaultBatchSize = 15
)

// NewBatcher creates a batcher and starts its flush ticker. The sink receives
// each flushed frame; it is invoked from the batcher's goroutine (or from the
// caller of Update on an early size-triggered flush), never concurrently with
// itself.
func NewBatcher(interval time.Duration, batchSize int, sink func([]Flushed)) *Batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	b := &Batcher{
		pending:   make(map[string]*strings.Builder),
		interval:  interval,
		batchSize: batchSize,
		sink:      sink,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Update appends a chunk to the pending buffer for a message. If the pending
// chunk count reaches the batch size, the frame is flushed immediately.
func (b *Batcher) Update(messageID, chunk string) {
	b.mu.Lock()
	select {
	case <-b.stop:
		b.mu.Unlock()
		return
	default:
	}
	buf, ok := b.pending[messageID]
	if !ok {
		buf = &strings.Builder{}
		b.pending[messageID] = buf
		b.order = append(b.order, messageID)
	}
	buf.WriteString(chunk)
	b.chunks++
	full := b.chunks >= b.batchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush emits all pending content immediately, bypassing the interval.
func (b *Batcher) Flush() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	frame := b.takeLocked()
	b.mu.Unlock()
	if len(frame) > 0 && b.sink != nil {
		b.sink(frame)
	}
}

// Pending returns the number of pending chunks.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks
}

// Cancel discards all pending state and stops the flush ticker. Pending
// content is dropped, not delivered. Safe to call multiple times.
func (b *Batcher) Cancel() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.stop)
		b.pending = make(map[string]*strings.Builder)
		b.order = nil
		b.chunks = 0
		b.mu.Unlock()
	})
	<-b.done
}

// takeLocked extracts the current frame in first-arrival order and resets the
// pending state. Caller must hold the mutex.
func (b *Batcher) takeLocked() []Flushed {
	if b.chunks == 0 {
		return nil
	}
	frame := make([]Flushed, 0, len(b.order))
	for _, id := range b.order {
		buf := b.pending[id]
		if buf == nil || buf.Len() == 0 {
			continue
		}
		frame = append(frame, Flushed{MessageID: id, Text: buf.String()})
	}
	b.pending = make(map[string]*strings.Builder)
	b.order = nil
	b.chunks = 0
	return frame
}

// run drives interval-based flushes until Cancel.
func (b *Batcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
