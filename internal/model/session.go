// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"sort"
	"time"
)

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is one conversation with a character. Messages mirror the in-memory
// message store for persistence purposes; the store is reconstructed into the
// session on every save, never the other way around.
type Session struct {
	ID              string          `json:"id"`
	CharacterID     string          `json:"character_id"`
	Title           string          `json:"title"`
	SelectedSceneID string          `json:"selected_scene_id,omitempty"`
	Pinned          bool            `json:"pinned,omitempty"`
	Archived        bool            `json:"archived,omitempty"`
	Messages        []StoredMessage `json:"messages"`

	// MemoryBlob is owned by the memory subsystem and carried through
	// persistence untouched.
	MemoryBlob json.RawMessage `json:"memory_blob,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session for a character.
func NewSession(characterID, title string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          NewSessionID(),
		CharacterID: characterID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SessionMeta is the listing projection of a session.
type SessionMeta struct {
	ID           string    `json:"id"`
	CharacterID  string    `json:"character_id"`
	Title        string    `json:"title"`
	Pinned       bool      `json:"pinned,omitempty"`
	Archived     bool      `json:"archived,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// =============================================================================
// CHARACTER TYPE
// =============================================================================

// Scene is one opening scenario of a character. The initial "scene" message
// of a session renders the active scene; swiping it switches scenes rather
// than message variants.
type Scene struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Character is the persona a session talks to.
type Character struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Scenes []Scene `json:"scenes,omitempty"`
}

// SceneIndex returns the index of the scene with the given ID, or 0 when the
// ID is empty or unknown (the first scene is the implicit default).
func (c *Character) SceneIndex(sceneID string) int {
	for i := range c.Scenes {
		if c.Scenes[i].ID == sceneID {
			return i
		}
	}
	return 0
}

// =============================================================================
// TURN REQUEST TYPE
// =============================================================================

// TurnKind identifies which exchange a turn request runs.
type TurnKind string

const (
	TurnSend       TurnKind = "send"
	TurnContinue   TurnKind = "continue"
	TurnRegenerate TurnKind = "regenerate"
)

// TurnRef is the ephemeral correlation between one outbound call and its
// inbound event stream. It exists only for the duration of one exchange.
type TurnRef struct {
	RequestID string
	SessionID string
	Kind      TurnKind
}

// =============================================================================
// ORDERING INVARIANTS
// =============================================================================

// SortMessages sorts messages ascending by creation time, with ID as the
// tiebreaker so the order is stable across loads.
func SortMessages(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ValidateSession checks the session invariants: messages sorted ascending by
// creation time, no duplicate IDs, and every set SelectedVariantID resolving
// to an existing variant.
func ValidateSession(s *Session) error {
	seen := make(map[string]struct{}, len(s.Messages))
	var prev time.Time
	for i := range s.Messages {
		m := &s.Messages[i]
		if _, dup := seen[m.ID]; dup {
			return &SessionError{Message: "duplicate message id: " + m.ID}
		}
		seen[m.ID] = struct{}{}
		if i > 0 && m.CreatedAt.Before(prev) {
			return &SessionError{Message: "messages out of order at " + m.ID}
		}
		prev = m.CreatedAt
		if m.SelectedVariantID != "" && m.SelectedVariant() == nil {
			return &SessionError{Message: "selected variant not found on " + m.ID}
		}
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// SessionError represents a session invariant violation.
// Use errors.Is to compare against sentinel values.
type SessionError struct {
	Message string
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
