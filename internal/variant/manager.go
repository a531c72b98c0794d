// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package variant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/persist"
	"github.com/lettuceai/chatcore/internal/store"
)

// =============================================================================
// MANAGER
// =============================================================================

// Config wires the manager's collaborators. Session and Character return the
// latest state; Regenerating reports whether a regeneration is in flight for
// the session; Confirm gates destructive operations.
type Config struct {
	Store        *store.MessageStore
	Sessions     backend.SessionAPI
	Saver        *persist.Serializer
	Session      func() *model.Session
	Character    func() *model.Character
	Regenerating func() bool
	Confirm      func(prompt string) bool
	Logger       *slog.Logger
}

// Manager implements variant selection, swiping, and session branching.
type Manager struct {
	cfg Config
	log *slog.Logger
}

// New creates a variant manager.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log}
}

// =============================================================================
// VARIANT STATE
// =============================================================================

// Item is one swipeable alternative: a message variant, or a character scene
// for the initial scene message.
type Item struct {
	ID      string
	Content string
}

// State is the ordered alternative list and the effectively-selected index
// for one message.
type State struct {
	Items    []Item
	Selected int
	IsScene  bool
}

// StateFor returns the variant state of a message. For the special-cased
// initial scene message the items are the character's alternate scenes and
// the selection tracks session.SelectedSceneID.
func (m *Manager) StateFor(msg *model.StoredMessage) State {
	if msg.Role == model.RoleScene {
		return m.sceneState()
	}
	st := State{Selected: 0}
	for i := range msg.Variants {
		v := &msg.Variants[i]
		st.Items = append(st.Items, Item{ID: v.ID, Content: v.Content})
		if v.ID == msg.SelectedVariantID {
			st.Selected = i
		}
	}
	return st
}

func (m *Manager) sceneState() State {
	st := State{IsScene: true}
	char := m.cfg.Character()
	sess := m.cfg.Session()
	if char == nil || sess == nil {
		return st
	}
	for _, sc := range char.Scenes {
		st.Items = append(st.Items, Item{ID: sc.ID, Content: sc.Content})
	}
	st.Selected = char.SceneIndex(sess.SelectedSceneID)
	return st
}

// =============================================================================
// SELECTION
// =============================================================================

// ApplySelection replaces the message's visible content, usage, and reasoning
// from the chosen variant's snapshot and persists. Rejected while a
// regeneration is in progress for the session.
func (m *Manager) ApplySelection(ctx context.Context, messageID, variantID string) error {
	if m.cfg.Regenerating != nil && m.cfg.Regenerating() {
		return ErrRegenerationInFlight
	}
	applied := m.cfg.Store.Update(messageID, func(msg *model.StoredMessage) {
		for i := range msg.Variants {
			if msg.Variants[i].ID != variantID {
				continue
			}
			v := msg.Variants[i]
			msg.Content = v.Content
			msg.Reasoning = v.Reasoning
			msg.Usage = v.Usage
			msg.SelectedVariantID = v.ID
			return
		}
	})
	if !applied {
		return backend.ErrMessageNotFound
	}
	msg, _ := m.cfg.Store.Get(messageID)
	if msg.SelectedVariantID != variantID {
		return ErrVariantNotFound
	}
	return m.save(ctx)
}

// Swipe steps the selection by direction (+1 or -1) with wraparound. For the
// scene message it advances session.SelectedSceneID and rewrites the scene
// message content from the newly active scene.
func (m *Manager) Swipe(ctx context.Context, messageID string, direction int) error {
	msg, ok := m.cfg.Store.Get(messageID)
	if !ok {
		return backend.ErrMessageNotFound
	}
	st := m.StateFor(&msg)
	if len(st.Items) < 2 {
		return nil
	}
	next := (st.Selected + direction + len(st.Items)) % len(st.Items)

	if st.IsScene {
		return m.selectScene(ctx, messageID, st.Items[next].ID)
	}
	return m.ApplySelection(ctx, messageID, st.Items[next].ID)
}

// selectScene writes the session's active scene and refreshes the rendered
// scene message.
func (m *Manager) selectScene(ctx context.Context, messageID, sceneID string) error {
	sess := m.cfg.Session()
	char := m.cfg.Character()
	if sess == nil || char == nil {
		return ErrNoSession
	}
	var content string
	found := false
	for _, sc := range char.Scenes {
		if sc.ID == sceneID {
			content = sc.Content
			found = true
			break
		}
	}
	if !found {
		return ErrVariantNotFound
	}
	sess.SelectedSceneID = sceneID
	m.cfg.Store.Update(messageID, func(msg *model.StoredMessage) {
		msg.Content = content
	})
	return m.save(ctx)
}

// =============================================================================
// BRANCHING
// =============================================================================

// BranchFromMessage forks a new session containing a structural copy of the
// full persisted history up to and including the given message. The full
// session is always reloaded from persistence first, never taken from the
// paginated in-memory subset, and the user confirms with the copied count.
func (m *Manager) BranchFromMessage(ctx context.Context, messageID string) (*model.Session, error) {
	sess := m.cfg.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	return m.branch(ctx, sess.ID, messageID, sess.CharacterID, sess.SelectedSceneID)
}

// BranchToCharacter forks like BranchFromMessage but rebinds the new session
// to a different character.
func (m *Manager) BranchToCharacter(ctx context.Context, messageID string, target *model.Character) (*model.Session, error) {
	sess := m.cfg.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	if target == nil {
		return nil, ErrNoSession
	}
	sceneID := ""
	if len(target.Scenes) > 0 {
		sceneID = target.Scenes[0].ID
	}
	return m.branch(ctx, sess.ID, messageID, target.ID, sceneID)
}

func (m *Manager) branch(ctx context.Context, sessionID, messageID, characterID, sceneID string) (*model.Session, error) {
	full, err := m.cfg.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("branch: reload session: %w", err)
	}
	cut := -1
	for i := range full.Messages {
		if full.Messages[i].ID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, backend.ErrMessageNotFound
	}
	count := cut + 1
	if m.cfg.Confirm != nil &&
		!m.cfg.Confirm(fmt.Sprintf("Branch into a new session copying %d messages?", count)) {
		return nil, ErrCancelled
	}

	branched := model.NewSession(characterID, full.Title)
	branched.SelectedSceneID = sceneID
	branched.Messages = model.CloneMessages(full.Messages[:count])

	if err := m.cfg.Sessions.CreateSession(ctx, branched); err != nil {
		return nil, fmt.Errorf("branch: create session: %w", err)
	}
	m.log.Info("session branched",
		"from", sessionID, "to", branched.ID, "messages", count)
	return branched, nil
}

// save persists the current session state through the serializer.
func (m *Manager) save(ctx context.Context) error {
	sess := m.cfg.Session()
	if sess == nil {
		return ErrNoSession
	}
	return m.cfg.Saver.Save(ctx, m.cfg.Store.SessionForSave(sess))
}

// =============================================================================
// ERRORS
// =============================================================================

// VariantError represents a variant or branch operation failure.
type VariantError struct {
	Message string
}

// Error implements the error interface.
func (e *VariantError) Error() string {
	return e.Message
}

// Is implements errors.Is support.
func (e *VariantError) Is(target error) bool {
	t, ok := target.(*VariantError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrRegenerationInFlight rejects selection while regenerating.
	ErrRegenerationInFlight = &VariantError{Message: "variant selection is blocked while regenerating"}

	// ErrVariantNotFound is returned for an unknown variant or scene ID.
	ErrVariantNotFound = &VariantError{Message: "variant not found"}

	// ErrNoSession is returned when no session or character is resolved.
	ErrNoSession = &VariantError{Message: "no active session"}

	// ErrCancelled is returned when the user declines the confirmation.
	ErrCancelled = &VariantError{Message: "cancelled"}
)
