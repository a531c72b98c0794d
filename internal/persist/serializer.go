// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
)

// =============================================================================
// SAVE SERIALIZER
// =============================================================================

// Serializer is an explicit keyed write queue over the session persistence
// boundary. Each write registers itself as the new tail for its session ID
// before waiting on the previous tail, so a third concurrent caller queues
// behind the second, not the first. Registry entries live only while a write
// for that session is outstanding.
type Serializer struct {
	api backend.SessionAPI
	log *slog.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSerializer creates a serializer over the given persistence boundary.
func NewSerializer(api backend.SessionAPI, log *slog.Logger) *Serializer {
	if log == nil {
		log = slog.Default()
	}
	return &Serializer{
		api:   api,
		log:   log,
		tails: make(map[string]chan struct{}),
	}
}

// Save persists the session after every write submitted before it for the
// same session ID has settled. Failure propagates to the caller.
func (s *Serializer) Save(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("save: session id is required")
	}
	return s.enqueue(ctx, sess.ID, func(ctx context.Context) error {
		sess.UpdatedAt = time.Now().UTC()
		if err := s.api.UpsertSession(ctx, sess); err != nil {
			s.log.Error("session save failed", "session_id", sess.ID, "error", err)
			return err
		}
		return nil
	})
}

// Do runs an arbitrary persistence write behind the session's queue, FIFO
// with Save. Partial writes that bypass the queue (a pin row update, a
// message delete) can otherwise be overtaken by an earlier queued save whose
// snapshot predates them.
func (s *Serializer) Do(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	if sessionID == "" {
		return fmt.Errorf("do: session id is required")
	}
	return s.enqueue(ctx, sessionID, fn)
}

// enqueue waits for every write submitted before it for the same session ID,
// then runs fn. The registry is cleaned up regardless of outcome, and the
// entry is removed only if it is still the most recently registered one for
// the ID (a just-registered newer write must not be evicted by an older one's
// cleanup).
func (s *Serializer) enqueue(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.tails[sessionID]
	s.tails[sessionID] = done
	s.mu.Unlock()

	defer func() {
		close(done)
		s.mu.Lock()
		if s.tails[sessionID] == done {
			delete(s.tails, sessionID)
		}
		s.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return fmt.Errorf("save %s: %w", sessionID, ctx.Err())
		}
	}

	if err := fn(ctx); err != nil {
		return fmt.Errorf("save %s: %w", sessionID, err)
	}
	return nil
}

// PendingSessions returns the session IDs with an outstanding write. Intended
// for tests and diagnostics.
func (s *Serializer) PendingSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tails))
	for id := range s.tails {
		ids = append(ids, id)
	}
	return ids
}
