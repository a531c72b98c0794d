// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lettuceai/chatcore/internal/model"
	"github.com/lettuceai/chatcore/internal/stream"
)

// =============================================================================
// LOOPBACK BACKEND
// =============================================================================

// Loopback is a development TurnAPI/ImageAPI that needs no remote backend:
// it streams a canned reply word by word over the event bus, then resolves
// with confirmed entities, the same settlement contract a real backend has.
type Loopback struct {
	bus stream.Bus

	// Delay between published deltas.
	Delay time.Duration

	// Reply builds the assistant text for a request. The default echoes.
	Reply func(req TurnRequest) string

	mu     sync.Mutex
	aborts map[string]chan struct{}
}

// NewLoopback creates a loopback backend publishing on the given bus.
func NewLoopback(bus stream.Bus) *Loopback {
	return &Loopback{
		bus:    bus,
		Delay:  20 * time.Millisecond,
		aborts: make(map[string]chan struct{}),
	}
}

// SendChatTurn streams a reply and returns the confirmed user and assistant
// messages.
func (l *Loopback) SendChatTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	reply, err := l.stream(ctx, req)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user := model.StoredMessage{
		ID:          model.NewMessageID(),
		Role:        model.RoleUser,
		Content:     req.Text,
		Attachments: req.Attachments,
		CreatedAt:   now,
	}
	asst := model.StoredMessage{
		ID:        model.NewMessageID(),
		Role:      model.RoleAssistant,
		Content:   reply,
		CreatedAt: now.Add(time.Millisecond),
	}
	return &TurnResult{Messages: []model.StoredMessage{user, asst}}, nil
}

// ContinueConversation streams a continuation and returns the confirmed
// assistant message.
func (l *Loopback) ContinueConversation(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return l.assistantOnly(ctx, req, nil)
}

// RegenerateAssistantMessage streams a fresh reply. The confirmed message
// seeds its variant list with that reply and selects it, so swiping works
// on regenerated messages without a real backend.
func (l *Loopback) RegenerateAssistantMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return l.assistantOnly(ctx, req, func(m *model.StoredMessage) {
		v := model.Variant{ID: model.NewVariantID(), Content: m.Content}
		m.Variants = []model.Variant{v}
		m.SelectedVariantID = v.ID
	})
}

func (l *Loopback) assistantOnly(ctx context.Context, req TurnRequest, decorate func(*model.StoredMessage)) (*TurnResult, error) {
	reply, err := l.stream(ctx, req)
	if err != nil {
		return nil, err
	}
	asst := model.StoredMessage{
		ID:        model.NewMessageID(),
		Role:      model.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}
	if decorate != nil {
		decorate(&asst)
	}
	return &TurnResult{Messages: []model.StoredMessage{asst}}, nil
}

// AbortMessage stops an in-flight loopback stream.
func (l *Loopback) AbortMessage(_ context.Context, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.aborts[requestID]; ok {
		close(ch)
		delete(l.aborts, requestID)
	}
	return nil
}

// GenerateImages returns tiny placeholder PNG payloads so attachment plumbing
// can be exercised end to end.
func (l *Loopback) GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("image prompt is empty")
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	results := make([]ImageResult, count)
	for i := range results {
		results[i] = ImageResult{
			Data:     []byte("png:" + req.Prompt),
			MimeType: "image/png",
			Width:    req.Width,
			Height:   req.Height,
		}
	}
	return results, nil
}

// stream publishes the reply word by word and returns the full text.
func (l *Loopback) stream(ctx context.Context, req TurnRequest) (string, error) {
	reply := l.replyFor(req)

	abort := make(chan struct{})
	l.mu.Lock()
	l.aborts[req.RequestID] = abort
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.aborts, req.RequestID)
		l.mu.Unlock()
	}()

	topic := stream.Topic(req.RequestID)
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-abort:
			return "", fmt.Errorf("turn %s aborted", req.RequestID)
		case <-time.After(l.Delay):
		}
		_ = l.bus.Publish(topic, stream.Event{
			Type:      stream.EventDelta,
			RequestID: req.RequestID,
			Text:      w,
		})
	}
	return reply, nil
}

func (l *Loopback) replyFor(req TurnRequest) string {
	if l.Reply != nil {
		return l.Reply(req)
	}
	switch req.Kind {
	case model.TurnContinue:
		return "…and that is how the story continues."
	case model.TurnRegenerate:
		return "Let me put that differently."
	default:
		return "You said: " + req.Text
	}
}
