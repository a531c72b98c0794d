// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
)

// DefaultPageSize is how many messages one backward-pagination pull loads.
const DefaultPageSize = 50

// =============================================================================
// MESSAGE STORE
// =============================================================================

// MessageStore is the mutex-owned ordered cache of one session's messages,
// with lazy backward pagination through the persistence boundary.
type MessageStore struct {
	mu        sync.Mutex
	sessionID string
	msgs      []model.StoredMessage

	cursor  string
	hasMore bool

	api      backend.SessionAPI
	pageSize int
}

// New creates an empty store for a session.
func New(api backend.SessionAPI, sessionID string, pageSize int) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageStore{
		sessionID: sessionID,
		api:       api,
		pageSize:  pageSize,
	}
}

// Reset replaces the cached window with a freshly loaded page.
func (s *MessageStore) Reset(msgs []model.StoredMessage, cursor string, hasMore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = model.CloneMessages(msgs)
	s.cursor = cursor
	s.hasMore = hasMore
}

// SessionID returns the session this store caches.
func (s *MessageStore) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Snapshot returns a structural copy of the current messages.
func (s *MessageStore) Snapshot() []model.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneMessages(s.msgs)
}

// Len returns the number of cached messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Get returns a copy of one message.
func (s *MessageStore) Get(id string) (model.StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return model.StoredMessage{}, false
}

// Last returns a copy of the most recent message.
func (s *MessageStore) Last() (model.StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return model.StoredMessage{}, false
	}
	return s.msgs[len(s.msgs)-1].Clone(), true
}

// Append adds messages to the end of the cache.
func (s *MessageStore) Append(msgs ...model.StoredMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msgs...)
}

// Update applies fn to the latest copy of one message. Returns false if the
// message is no longer present, which late writers must treat as "nothing to
// do" rather than an error.
func (s *MessageStore) Update(id string, fn func(*model.StoredMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	fn(&s.msgs[i])
	return true
}

// Replace swaps a placeholder for its backend-confirmed entity, keeping the
// placeholder's position. Returns false if the placeholder is gone.
func (s *MessageStore) Replace(placeholderID string, confirmed model.StoredMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(placeholderID)
	if i < 0 {
		return false
	}
	s.msgs[i] = confirmed.Clone()
	return true
}

// Promote assigns a permanent ID to a placeholder, preserving its content and
// position. Returns the new ID, or "" if the placeholder is gone.
func (s *MessageStore) Promote(placeholderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(placeholderID)
	if i < 0 {
		return ""
	}
	id := model.NewMessageID()
	s.msgs[i].ID = id
	return id
}

// Remove drops the given messages from the cache.
func (s *MessageStore) Remove(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.msgs[:0]
	removed := 0
	for _, m := range s.msgs {
		if _, gone := drop[m.ID]; gone {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return removed
}

// =============================================================================
// PAGINATION
// =============================================================================

// HasMore reports whether older messages remain unloaded.
func (s *MessageStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// LoadOlder pulls one older page from the persistence boundary and prepends
// it, deduplicating against already-cached messages. Returns the number of
// messages added.
func (s *MessageStore) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if !s.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	cursor := s.cursor
	sessionID := s.sessionID
	limit := s.pageSize
	s.mu.Unlock()

	page, err := s.api.PageMessages(ctx, sessionID, cursor, limit)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.msgs))
	for _, m := range s.msgs {
		seen[m.ID] = struct{}{}
	}
	fresh := make([]model.StoredMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m.Clone())
	}
	s.msgs = append(fresh, s.msgs...)
	s.cursor = page.NextCursor
	s.hasMore = page.HasMore
	return len(fresh), nil
}

// =============================================================================
// SESSION RECONSTRUCTION
// =============================================================================

// SessionForSave copies base with Messages rebuilt from the store, filtering
// out any placeholder that slipped through. The session always mirrors the
// store for persistence, never the reverse.
func (s *MessageStore) SessionForSave(base *model.Session) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *base
	out.Messages = make([]model.StoredMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.IsPlaceholder() {
			continue
		}
		out.Messages = append(out.Messages, m.Clone())
	}
	return &out
}

// indexLocked returns the position of a message, or -1. Caller holds the lock.
func (s *MessageStore) indexLocked(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
