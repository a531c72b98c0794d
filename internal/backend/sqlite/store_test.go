// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *Store, n int) *model.Session {
	t.Helper()
	sess := model.NewSession("char_1", "seeded")
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		sess.Messages = append(sess.Messages, model.StoredMessage{
			ID:        model.NewMessageID(),
			Role:      role,
			Content:   "message",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessionRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := model.NewSession("char_1", "roundtrip")
	sess.SelectedSceneID = "scene_b"
	sess.Pinned = true
	sess.MemoryBlob = []byte(`{"facts":["likes tea"]}`)
	sess.Messages = []model.StoredMessage{
		{
			ID:      model.NewMessageID(),
			Role:    model.RoleAssistant,
			Content: "hello",
			Variants: []model.Variant{
				{ID: "var_1", Content: "hello"},
				{ID: "var_2", Content: "hi there", Reasoning: "friendlier"},
			},
			SelectedVariantID: "var_2",
			Reasoning:         "greeting",
			Pinned:            true,
			Usage:             model.Usage{PromptTokens: 12, CompletionTokens: 4},
			Attachments: []model.ImageAttachment{
				{ID: model.NewAttachmentID(), MimeType: "image/png", Data: []byte{1, 2, 3}, Width: 64, Height: 64},
			},
			CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		},
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, sess.Title, got.Title)
	assert.Equal(t, "scene_b", got.SelectedSceneID)
	assert.True(t, got.Pinned)
	assert.JSONEq(t, `{"facts":["likes tea"]}`, string(got.MemoryBlob))
	require.Len(t, got.Messages, 1)

	m := got.Messages[0]
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, "greeting", m.Reasoning)
	assert.True(t, m.Pinned)
	assert.Equal(t, 12, m.Usage.PromptTokens)
	require.Len(t, m.Variants, 2)
	assert.Equal(t, "var_2", m.SelectedVariantID)
	assert.Equal(t, "friendlier", m.Variants[1].Reasoning)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, []byte{1, 2, 3}, m.Attachments[0].Data)
}

func TestGetSessionMetaOmitsMessages(t *testing.T) {
	s := openTestStore(t)
	sess := seedSession(t, s, 4)

	meta, err := s.GetSessionMeta(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, meta.ID)
	assert.Empty(t, meta.Messages)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), "sess_missing")
	assert.ErrorIs(t, err, backend.ErrSessionNotFound)
	_, err = s.GetSessionMeta(context.Background(), "sess_missing")
	assert.ErrorIs(t, err, backend.ErrSessionNotFound)
}

func TestUpsertMergesMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 6)

	// Save a session copy holding only the last two messages, one edited, as
	// a paginated client would.
	partial := *sess
	partial.Title = "renamed"
	partial.Messages = model.CloneMessages(sess.Messages[4:])
	partial.Messages[0].Content = "edited"
	require.NoError(t, s.UpsertSession(ctx, &partial))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	require.Len(t, got.Messages, 6, "messages absent from the save must survive")
	assert.Equal(t, "edited", got.Messages[4].Content)
	assert.Equal(t, "message", got.Messages[3].Content)
}

func TestUpsertAppendsNewMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 2)

	sess.Messages = append(sess.Messages, model.StoredMessage{
		ID: model.NewMessageID(), Role: model.RoleAssistant,
		Content:   "new tail",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	})
	require.NoError(t, s.UpsertSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "new tail", got.Messages[2].Content)
}

func TestListSessionsOrderAndCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := seedSession(t, s, 2)
	newer := model.NewSession("char_2", "recent")
	newer.UpdatedAt = time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.CreateSession(ctx, newer))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "last activity first")
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, 0, list[0].MessageCount)
	assert.Equal(t, 2, list[1].MessageCount)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, backend.ErrSessionNotFound)
	page, err := s.PageMessages(ctx, sess.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

// =============================================================================
// PAGINATION
// =============================================================================

func TestPageMessagesWalksBackward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 25)

	var window []model.StoredMessage
	cursor := ""
	pages := 0
	for {
		page, err := s.PageMessages(ctx, sess.ID, cursor, 10)
		require.NoError(t, err)
		pages++

		// Each page is ascending and strictly older than the window so far.
		for i := 1; i < len(page.Messages); i++ {
			assert.True(t, page.Messages[i-1].CreatedAt.Before(page.Messages[i].CreatedAt))
		}
		window = append(model.CloneMessages(page.Messages), window...)

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, window, 25)
	for i, m := range window {
		assert.Equal(t, sess.Messages[i].ID, m.ID, "page walk must reassemble history in order")
	}
}

func TestPageMessagesExactMultiple(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 10)

	page, err := s.PageMessages(ctx, sess.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 10)
	assert.False(t, page.HasMore, "no phantom page when the history divides evenly")
}

func TestPageMessagesEmptySession(t *testing.T) {
	s := openTestStore(t)
	sess := seedSession(t, s, 0)

	page, err := s.PageMessages(context.Background(), sess.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

// =============================================================================
// MESSAGE MUTATIONS
// =============================================================================

func TestDeleteMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 5)

	doomed := []string{sess.Messages[1].ID, sess.Messages[3].ID}
	require.NoError(t, s.DeleteMessages(ctx, sess.ID, doomed))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	for _, m := range got.Messages {
		assert.NotContains(t, doomed, m.ID)
	}
}

func TestDeleteMessagesEmptyListIsNoop(t *testing.T) {
	s := openTestStore(t)
	sess := seedSession(t, s, 2)
	require.NoError(t, s.DeleteMessages(context.Background(), sess.ID, nil))

	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 2)
}

func TestSetMessagePinned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, 2)
	id := sess.Messages[0].ID

	require.NoError(t, s.SetMessagePinned(ctx, sess.ID, id, true))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Messages[0].Pinned)
	assert.False(t, got.Messages[1].Pinned)

	require.NoError(t, s.SetMessagePinned(ctx, sess.ID, id, false))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.Messages[0].Pinned)
}

func TestSetMessagePinnedUnknownMessage(t *testing.T) {
	s := openTestStore(t)
	sess := seedSession(t, s, 1)
	err := s.SetMessagePinned(context.Background(), sess.ID, "msg_missing", true)
	assert.ErrorIs(t, err, backend.ErrMessageNotFound)
}
