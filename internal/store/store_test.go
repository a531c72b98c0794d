// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lettuceai/chatcore/internal/backend"
	"github.com/lettuceai/chatcore/internal/model"
)

// pagedAPI is a SessionAPI stub that serves backward pagination over a fixed
// ascending history. Only PageMessages does real work.
type pagedAPI struct {
	history  []model.StoredMessage
	pageErr  error
	pageHits int
}

func (p *pagedAPI) CreateSession(context.Context, *model.Session) error  { return nil }
func (p *pagedAPI) GetSession(context.Context, string) (*model.Session, error) {
	return nil, backend.ErrSessionNotFound
}
func (p *pagedAPI) GetSessionMeta(context.Context, string) (*model.Session, error) {
	return nil, backend.ErrSessionNotFound
}
func (p *pagedAPI) UpsertSession(context.Context, *model.Session) error { return nil }
func (p *pagedAPI) ListSessions(context.Context) ([]model.SessionMeta, error) {
	return nil, nil
}
func (p *pagedAPI) DeleteMessages(context.Context, string, []string) error     { return nil }
func (p *pagedAPI) SetMessagePinned(context.Context, string, string, bool) error { return nil }
func (p *pagedAPI) DeleteSession(context.Context, string) error                { return nil }

func (p *pagedAPI) PageMessages(_ context.Context, _ string, cursor string, limit int) (*backend.MessagePage, error) {
	p.pageHits++
	if p.pageErr != nil {
		return nil, p.pageErr
	}
	end := len(p.history)
	if cursor != "" {
		for i, m := range p.history {
			if m.ID == cursor {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := &backend.MessagePage{
		Messages: model.CloneMessages(p.history[start:end]),
		HasMore:  start > 0,
	}
	if len(page.Messages) > 0 {
		page.NextCursor = page.Messages[0].ID
	}
	return page, nil
}

// history builds n ascending messages msg_0 .. msg_{n-1}.
func history(n int) []model.StoredMessage {
	base := time.Now().UTC().Add(-time.Hour)
	out := make([]model.StoredMessage, n)
	for i := range out {
		out[i] = model.StoredMessage{
			ID:        fmt.Sprintf("msg_%03d", i),
			Role:      model.RoleUser,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newTestStore(t *testing.T, total, pageSize int) (*MessageStore, *pagedAPI) {
	t.Helper()
	api := &pagedAPI{history: history(total)}
	s := New(api, "sess_1", pageSize)

	page, err := api.PageMessages(context.Background(), "sess_1", "", pageSize)
	if err != nil {
		t.Fatal(err)
	}
	s.Reset(page.Messages, page.NextCursor, page.HasMore)
	return s, api
}

// =============================================================================
// BASIC OPERATIONS
// =============================================================================

func TestSnapshotIsIsolated(t *testing.T) {
	s, _ := newTestStore(t, 3, 10)

	snap := s.Snapshot()
	snap[0].Content = "mutated"

	fresh := s.Snapshot()
	if fresh[0].Content == "mutated" {
		t.Error("snapshot shares storage with the store")
	}
}

func TestAppendAndLast(t *testing.T) {
	s, _ := newTestStore(t, 2, 10)

	s.Append(model.StoredMessage{ID: "msg_new", Content: "tail"})
	last, ok := s.Last()
	if !ok || last.ID != "msg_new" {
		t.Errorf("Last = (%+v, %v), want msg_new", last, ok)
	}
	if got := len(s.Snapshot()); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}

func TestUpdateMissingReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t, 2, 10)

	if s.Update("msg_nope", func(m *model.StoredMessage) { m.Content = "x" }) {
		t.Error("Update of a missing message must return false")
	}
	if !s.Update("msg_000", func(m *model.StoredMessage) { m.Content = "edited" }) {
		t.Error("Update of a present message must return true")
	}
	got, _ := s.Get("msg_000")
	if got.Content != "edited" {
		t.Errorf("content = %q, want edited", got.Content)
	}
}

func TestReplaceKeepsPosition(t *testing.T) {
	s, _ := newTestStore(t, 2, 10)

	ph := model.NewPlaceholderMessage(model.RoleAssistant, "")
	s.Append(ph)

	confirmed := model.StoredMessage{
		ID:        model.NewMessageID(),
		Role:      model.RoleAssistant,
		Content:   "final",
		CreatedAt: time.Now().UTC(),
	}
	if !s.Replace(ph.ID, confirmed) {
		t.Fatal("Replace returned false for a present placeholder")
	}

	snap := s.Snapshot()
	got := snap[len(snap)-1]
	if got.ID != confirmed.ID || got.Content != "final" {
		t.Errorf("tail = %+v, want confirmed message", got)
	}
	if s.Replace(ph.ID, confirmed) {
		t.Error("second Replace of the same placeholder must return false")
	}
}

func TestPromoteAssignsPermanentID(t *testing.T) {
	s, _ := newTestStore(t, 1, 10)

	ph := model.NewPlaceholderMessage(model.RoleAssistant, "partial text")
	s.Append(ph)

	id := s.Promote(ph.ID)
	if id == "" {
		t.Fatal("Promote returned empty id")
	}
	if model.IsPlaceholderID(id) {
		t.Errorf("promoted id %q is still a placeholder id", id)
	}
	got, ok := s.Get(id)
	if !ok || got.Content != "partial text" {
		t.Errorf("promoted message = (%+v, %v), want content preserved", got, ok)
	}
	if s.Promote(ph.ID) != "" {
		t.Error("promoting a gone placeholder must return empty")
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t, 4, 10)

	if n := s.Remove("msg_001", "msg_003", "msg_nope"); n != 2 {
		t.Errorf("Remove = %d, want 2", n)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].ID != "msg_000" || snap[1].ID != "msg_002" {
		t.Errorf("remaining = %+v", snap)
	}
}

// =============================================================================
// PAGINATION
// =============================================================================

func TestLoadOlderPrependsPages(t *testing.T) {
	s, _ := newTestStore(t, 25, 10)

	snap := s.Snapshot()
	if len(snap) != 10 || snap[0].ID != "msg_015" {
		t.Fatalf("initial window = %d msgs starting %s", len(snap), snap[0].ID)
	}
	if !s.HasMore() {
		t.Fatal("expected more history")
	}

	n, err := s.LoadOlder(context.Background())
	if err != nil || n != 10 {
		t.Fatalf("LoadOlder = (%d, %v), want 10", n, err)
	}
	snap = s.Snapshot()
	if snap[0].ID != "msg_005" || snap[len(snap)-1].ID != "msg_024" {
		t.Errorf("window = %s .. %s", snap[0].ID, snap[len(snap)-1].ID)
	}

	n, err = s.LoadOlder(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("final LoadOlder = (%d, %v), want 5", n, err)
	}
	if s.HasMore() {
		t.Error("no history should remain")
	}

	// Exhausted: no further backend calls
	n, err = s.LoadOlder(context.Background())
	if n != 0 || err != nil {
		t.Errorf("exhausted LoadOlder = (%d, %v), want (0, nil)", n, err)
	}
}

func TestLoadOlderDeduplicates(t *testing.T) {
	api := &pagedAPI{history: history(20)}
	s := New(api, "sess_1", 10)

	// Window holds msg_005..msg_019 but the cursor points at msg_010, so the
	// next served page (msg_000..msg_009) overlaps the window by five.
	s.Reset(model.CloneMessages(api.history[5:]), "msg_010", true)

	n, err := s.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("added %d messages, want 5 after dedupe", n)
	}
	snap := s.Snapshot()
	if len(snap) != 20 {
		t.Fatalf("window = %d messages, want 20", len(snap))
	}
	seen := map[string]int{}
	for _, m := range snap {
		seen[m.ID]++
		if seen[m.ID] > 1 {
			t.Errorf("duplicate message %s in window", m.ID)
		}
	}
}

func TestLoadOlderBackendError(t *testing.T) {
	s, api := newTestStore(t, 20, 10)
	api.pageErr = fmt.Errorf("boom")

	before := s.Snapshot()
	if _, err := s.LoadOlder(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	after := s.Snapshot()
	if len(before) != len(after) {
		t.Error("failed load mutated the window")
	}
	if !s.HasMore() {
		t.Error("failed load must keep hasMore for retry")
	}
}

// =============================================================================
// SESSION RECONSTRUCTION
// =============================================================================

func TestSessionForSaveFiltersPlaceholders(t *testing.T) {
	s, _ := newTestStore(t, 2, 10)
	s.Append(model.NewPlaceholderMessage(model.RoleAssistant, "streaming..."))

	base := &model.Session{ID: "sess_1", Title: "test"}
	out := s.SessionForSave(base)

	if len(out.Messages) != 2 {
		t.Fatalf("saved %d messages, want 2", len(out.Messages))
	}
	for _, m := range out.Messages {
		if m.IsPlaceholder() {
			t.Errorf("placeholder %s leaked into save", m.ID)
		}
	}
	if out.ID != "sess_1" || out.Title != "test" {
		t.Error("base fields not carried")
	}

	// Mutating the save copy must not touch the store
	out.Messages[0].Content = "tampered"
	if got, _ := s.Get(out.Messages[0].ID); got.Content == "tampered" {
		t.Error("save copy shares storage with the store")
	}
}
