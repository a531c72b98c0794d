// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"

	"github.com/lettuceai/chatcore/internal/model"
)

// =============================================================================
// SESSION / MESSAGE PERSISTENCE API
// =============================================================================

// MessagePage is one page of backward pagination. Messages are in ascending
// creation order; NextCursor addresses the page before the oldest returned
// message, and HasMore reports whether such a page exists.
type MessagePage struct {
	Messages   []model.StoredMessage
	NextCursor string
	HasMore    bool
}

// SessionAPI is the session/message persistence boundary.
type SessionAPI interface {
	// CreateSession persists a new session, messages included.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession returns the full session with all messages, never a
	// paginated subset.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// GetSessionMeta returns the session row without messages.
	GetSessionMeta(ctx context.Context, id string) (*model.Session, error)

	// UpsertSession replaces the persisted session, messages included.
	UpsertSession(ctx context.Context, s *model.Session) error

	// ListSessions returns session metadata ordered by last activity.
	ListSessions(ctx context.Context) ([]model.SessionMeta, error)

	// PageMessages pages backward through a session's messages. An empty
	// cursor addresses the most recent page.
	PageMessages(ctx context.Context, sessionID, cursor string, limit int) (*MessagePage, error)

	// DeleteMessages removes the given messages from a session.
	DeleteMessages(ctx context.Context, sessionID string, messageIDs []string) error

	// SetMessagePinned toggles the pin flag of one message.
	SetMessagePinned(ctx context.Context, sessionID, messageID string, pinned bool) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, id string) error
}

// =============================================================================
// TURN EXECUTION API
// =============================================================================

// TurnRequest correlates one outbound call with its inbound event stream via
// the client-generated RequestID.
type TurnRequest struct {
	RequestID   string
	SessionID   string
	CharacterID string
	Kind        model.TurnKind

	// Text and Attachments are set for send turns.
	Text        string
	Attachments []model.ImageAttachment

	// TargetMessageID is set for regenerate turns.
	TargetMessageID string
}

// TurnResult carries the backend-confirmed entities for a finished turn.
// For a send turn Messages holds the confirmed user message followed by the
// assistant message; otherwise only the assistant message.
type TurnResult struct {
	Messages []model.StoredMessage
}

// TurnAPI executes conversational exchanges. Deltas arrive out of band on the
// event bus topic derived from the request ID; the call itself resolves with
// the confirmed entities once the stream settles.
type TurnAPI interface {
	SendChatTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
	ContinueConversation(ctx context.Context, req TurnRequest) (*TurnResult, error)
	RegenerateAssistantMessage(ctx context.Context, req TurnRequest) (*TurnResult, error)

	// AbortMessage asks the backend to stop the turn identified by requestID.
	// Callers must not trust its outcome before reconciling local state.
	AbortMessage(ctx context.Context, requestID string) error
}

// =============================================================================
// IMAGE GENERATION API
// =============================================================================

// ImageRequest asks for Count generated images.
type ImageRequest struct {
	Prompt        string
	Model         string
	Provider      string
	CredentialRef string
	Width         int
	Height        int
	Count         int
}

// ImageResult is one generated image.
type ImageResult struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// ImageAPI generates images for in-chat directives.
type ImageAPI interface {
	GenerateImages(ctx context.Context, req ImageRequest) ([]ImageResult, error)
}
