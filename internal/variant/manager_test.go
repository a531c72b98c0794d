// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package variant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/persist"
	"github.com/lettuceai/chatcore/internal/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

// branchAPI is a SessionAPI fake backed by one full stored session.
type branchAPI struct {
	mu      sync.Mutex
	full    *model.Session
	created []*model.Session
	saved   []*model.Session
}

func (b *branchAPI) GetSession(_ context.Context, id string) (*model.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full == nil || b.full.ID != id {
		return nil, backend.ErrSessionNotFound
	}
	clone := *b.full
	clone.Messages = model.CloneMessages(b.full.Messages)
	return &clone, nil
}

func (b *branchAPI) CreateSession(_ context.Context, s *model.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *s
	clone.Messages = model.CloneMessages(s.Messages)
	b.created = append(b.created, &clone)
	return nil
}

func (b *branchAPI) UpsertSession(_ context.Context, s *model.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *s
	clone.Messages = model.CloneMessages(s.Messages)
	b.saved = append(b.saved, &clone)
	return nil
}

func (b *branchAPI) GetSessionMeta(context.Context, string) (*model.Session, error) {
	return nil, backend.ErrSessionNotFound
}
func (b *branchAPI) ListSessions(context.Context) ([]model.SessionMeta, error) { return nil, nil }
func (b *branchAPI) PageMessages(context.Context, string, string, int) (*backend.MessagePage, error) {
	return &backend.MessagePage{}, nil
}
func (b *branchAPI) DeleteMessages(context.Context, string, []string) error       { return nil }
func (b *branchAPI) SetMessagePinned(context.Context, string, string, bool) error { return nil }
func (b *branchAPI) DeleteSession(context.Context, string) error                  { return nil }

type fixture struct {
	mgr          *Manager
	store        *store.MessageStore
	api          *branchAPI
	sess         *model.Session
	char         *model.Character
	regenerating bool
	confirmed    bool
	prompts      []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{confirmed: true}
	f.api = &branchAPI{}
	f.store = store.New(f.api, "sess_main", 50)
	f.sess = &model.Session{ID: "sess_main", CharacterID: "char_1", Title: "fixture"}
	f.char = &model.Character{
		ID:   "char_1",
		Name: "Char",
		Scenes: []model.Scene{
			{ID: "scene_a", Title: "Cafe", Content: "You are in a cafe."},
			{ID: "scene_b", Title: "Rooftop", Content: "You are on a rooftop."},
			{ID: "scene_c", Title: "Forest", Content: "You are in a forest."},
		},
	}
	f.mgr = New(Config{
		Store:        f.store,
		Sessions:     f.api,
		Saver:        persist.NewSerializer(f.api, nil),
		Session:      func() *model.Session { return f.sess },
		Character:    func() *model.Character { return f.char },
		Regenerating: func() bool { return f.regenerating },
		Confirm: func(prompt string) bool {
			f.prompts = append(f.prompts, prompt)
			return f.confirmed
		},
	})
	return f
}

// seedVariants appends an assistant message with three variants, the second
// selected, and returns the message ID.
func (f *fixture) seedVariants() string {
	id := model.NewMessageID()
	f.store.Append(model.StoredMessage{
		ID:      id,
		Role:    model.RoleAssistant,
		Content: "take two",
		Variants: []model.Variant{
			{ID: "var_1", Content: "take one"},
			{ID: "var_2", Content: "take two"},
			{ID: "var_3", Content: "take three", Reasoning: "r3", Usage: model.Usage{CompletionTokens: 9}},
		},
		SelectedVariantID: "var_2",
		CreatedAt:         time.Now().UTC(),
	})
	return id
}

// seedScene appends the initial scene message rendering scene_a.
func (f *fixture) seedScene() string {
	id := model.NewMessageID()
	f.sess.SelectedSceneID = "scene_a"
	f.store.Append(model.StoredMessage{
		ID:        id,
		Role:      model.RoleScene,
		Content:   f.char.Scenes[0].Content,
		CreatedAt: time.Now().UTC(),
	})
	return id
}

// =============================================================================
// STATE
// =============================================================================

func TestStateForVariants(t *testing.T) {
	f := newFixture(t)
	id := f.seedVariants()

	msg, ok := f.store.Get(id)
	require.True(t, ok)
	st := f.mgr.StateFor(&msg)

	assert.False(t, st.IsScene)
	require.Len(t, st.Items, 3)
	assert.Equal(t, 1, st.Selected)
	assert.Equal(t, "take three", st.Items[2].Content)
}

func TestStateForSceneMessage(t *testing.T) {
	f := newFixture(t)
	id := f.seedScene()
	f.sess.SelectedSceneID = "scene_b"

	msg, ok := f.store.Get(id)
	require.True(t, ok)
	st := f.mgr.StateFor(&msg)

	assert.True(t, st.IsScene)
	require.Len(t, st.Items, 3)
	assert.Equal(t, 1, st.Selected)
	assert.Equal(t, "scene_b", st.Items[1].ID)
}

// =============================================================================
// SELECTION
// =============================================================================

func TestApplySelectionRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.seedVariants()

	require.NoError(t, f.mgr.ApplySelection(context.Background(), id, "var_3"))

	msg, ok := f.store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "take three", msg.Content)
	assert.Equal(t, "r3", msg.Reasoning)
	assert.Equal(t, 9, msg.Usage.CompletionTokens)
	assert.Equal(t, "var_3", msg.SelectedVariantID)
	assert.NotEmpty(t, f.api.saved, "selection must persist")
}

func TestApplySelectionUnknownVariant(t *testing.T) {
	f := newFixture(t)
	id := f.seedVariants()

	err := f.mgr.ApplySelection(context.Background(), id, "var_nope")
	assert.ErrorIs(t, err, ErrVariantNotFound)

	msg, _ := f.store.Get(id)
	assert.Equal(t, "take two", msg.Content, "failed selection must not mutate")
}

func TestApplySelectionBlockedWhileRegenerating(t *testing.T) {
	f := newFixture(t)
	id := f.seedVariants()
	f.regenerating = true

	err := f.mgr.ApplySelection(context.Background(), id, "var_1")
	assert.ErrorIs(t, err, ErrRegenerationInFlight)
}

func TestSwipeWrapsAround(t *testing.T) {
	f := newFixture(t)
	id := f.seedVariants() // selected index 1

	// Right twice wraps 1 -> 2 -> 0.
	require.NoError(t, f.mgr.Swipe(context.Background(), id, +1))
	require.NoError(t, f.mgr.Swipe(context.Background(), id, +1))
	msg, _ := f.store.Get(id)
	assert.Equal(t, "var_1", msg.SelectedVariantID)

	// Left from 0 wraps to the end.
	require.NoError(t, f.mgr.Swipe(context.Background(), id, -1))
	msg, _ = f.store.Get(id)
	assert.Equal(t, "var_3", msg.SelectedVariantID)
}

func TestSwipeSingleItemIsNoop(t *testing.T) {
	f := newFixture(t)
	id := model.NewMessageID()
	f.store.Append(model.StoredMessage{
		ID: id, Role: model.RoleAssistant, Content: "only",
		Variants:  []model.Variant{{ID: "var_solo", Content: "only"}},
		CreatedAt: time.Now().UTC(),
	})

	require.NoError(t, f.mgr.Swipe(context.Background(), id, +1))
	msg, _ := f.store.Get(id)
	assert.Equal(t, "only", msg.Content)
	assert.Empty(t, f.api.saved, "no-op swipe must not persist")
}

func TestSwipeSceneSwitchesScene(t *testing.T) {
	f := newFixture(t)
	id := f.seedScene()

	require.NoError(t, f.mgr.Swipe(context.Background(), id, +1))

	assert.Equal(t, "scene_b", f.sess.SelectedSceneID)
	msg, _ := f.store.Get(id)
	assert.Equal(t, "You are on a rooftop.", msg.Content)
	require.NotEmpty(t, f.api.saved)
	assert.Equal(t, "scene_b", f.api.saved[len(f.api.saved)-1].SelectedSceneID)

	// Swiping left returns to the first scene.
	require.NoError(t, f.mgr.Swipe(context.Background(), id, -1))
	assert.Equal(t, "scene_a", f.sess.SelectedSceneID)
	msg, _ = f.store.Get(id)
	assert.Equal(t, "You are in a cafe.", msg.Content)
}

// =============================================================================
// BRANCHING
// =============================================================================

// seedFullHistory persists a 6-message history while the in-memory store only
// holds the last two, mimicking a paginated window.
func (f *fixture) seedFullHistory() []model.StoredMessage {
	base := time.Now().UTC().Add(-time.Hour)
	msgs := make([]model.StoredMessage, 6)
	for i := range msgs {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = model.StoredMessage{
			ID:        model.NewMessageID(),
			Role:      role,
			Content:   "m" + string(rune('0'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	full := *f.sess
	full.Messages = model.CloneMessages(msgs)
	f.api.full = &full
	f.store.Reset(model.CloneMessages(msgs[4:]), "", true)
	return msgs
}

func TestBranchCopiesPersistedPrefix(t *testing.T) {
	f := newFixture(t)
	f.sess.SelectedSceneID = "scene_b"
	msgs := f.seedFullHistory()

	// Branch at the fourth message, which is outside the in-memory window.
	branched, err := f.mgr.BranchFromMessage(context.Background(), msgs[3].ID)
	require.NoError(t, err)

	assert.NotEqual(t, f.sess.ID, branched.ID)
	assert.Equal(t, "char_1", branched.CharacterID)
	assert.Equal(t, "scene_b", branched.SelectedSceneID)
	require.Len(t, branched.Messages, 4)
	for i, m := range branched.Messages {
		assert.Equal(t, msgs[i].ID, m.ID)
		assert.Equal(t, msgs[i].Content, m.Content)
	}

	require.Len(t, f.api.created, 1)
	assert.Equal(t, branched.ID, f.api.created[0].ID)
	require.Len(t, f.prompts, 1)
	assert.Contains(t, f.prompts[0], "4 messages")
}

func TestBranchDeclinedByUser(t *testing.T) {
	f := newFixture(t)
	msgs := f.seedFullHistory()
	f.confirmed = false

	_, err := f.mgr.BranchFromMessage(context.Background(), msgs[2].ID)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, f.api.created)
}

func TestBranchUnknownMessage(t *testing.T) {
	f := newFixture(t)
	f.seedFullHistory()

	_, err := f.mgr.BranchFromMessage(context.Background(), "msg_missing")
	assert.ErrorIs(t, err, backend.ErrMessageNotFound)
}

func TestBranchToCharacterRebinds(t *testing.T) {
	f := newFixture(t)
	msgs := f.seedFullHistory()
	target := &model.Character{
		ID:   "char_2",
		Name: "Other",
		Scenes: []model.Scene{
			{ID: "scene_x", Content: "Elsewhere."},
		},
	}

	branched, err := f.mgr.BranchToCharacter(context.Background(), msgs[5].ID, target)
	require.NoError(t, err)

	assert.Equal(t, "char_2", branched.CharacterID)
	assert.Equal(t, "scene_x", branched.SelectedSceneID)
	assert.Len(t, branched.Messages, 6)
}

func TestBranchIsolatedFromSource(t *testing.T) {
	f := newFixture(t)
	msgs := f.seedFullHistory()

	branched, err := f.mgr.BranchFromMessage(context.Background(), msgs[5].ID)
	require.NoError(t, err)

	branched.Messages[0].Content = "mutated"
	assert.Equal(t, msgs[0].Content, f.api.full.Messages[0].Content,
		"branch copy must not alias the source history")
}
