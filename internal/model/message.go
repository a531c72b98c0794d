// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleScene     Role = "scene"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// ID GENERATION
// =============================================================================

// ID prefixes. Placeholder IDs use the "local_" prefix and must never reach
// the persistence layer.
const (
	sessionIDPrefix     = "sess_"
	messageIDPrefix     = "msg_"
	variantIDPrefix     = "var_"
	attachmentIDPrefix  = "att_"
	requestIDPrefix     = "req_"
	placeholderIDPrefix = "local_"
)

// NewSessionID returns a fresh session ID.
func NewSessionID() string { return sessionIDPrefix + uuid.New().String() }

// NewMessageID returns a fresh permanent message ID.
func NewMessageID() string { return messageIDPrefix + uuid.New().String() }

// NewVariantID returns a fresh variant ID.
func NewVariantID() string { return variantIDPrefix + uuid.New().String() }

// NewAttachmentID returns a fresh attachment ID.
func NewAttachmentID() string { return attachmentIDPrefix + uuid.New().String() }

// NewRequestID returns a fresh turn request ID.
func NewRequestID() string { return requestIDPrefix + uuid.New().String() }

// NewPlaceholderID returns a locally-generated, never-persisted message ID.
func NewPlaceholderID() string { return placeholderIDPrefix + uuid.New().String() }

// IsPlaceholderID reports whether id was generated by NewPlaceholderID.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderIDPrefix)
}

// =============================================================================
// VARIANT TYPE
// =============================================================================

// Variant is an alternate content snapshot stored under a message,
// selectable without re-generating.
type Variant struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Usage     Usage  `json:"usage,omitempty"`
}

// Usage holds token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// =============================================================================
// IMAGE ATTACHMENT TYPE
// =============================================================================

// ImageAttachment is an image carried by a message. A pending attachment is
// an empty placeholder slot that is filled in place once generation
// completes, or removed if generation fails.
type ImageAttachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Ref      string `json:"ref,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

// NewPendingAttachment returns an empty placeholder attachment slot.
func NewPendingAttachment() ImageAttachment {
	return ImageAttachment{ID: NewAttachmentID(), Pending: true}
}

// =============================================================================
// STORED MESSAGE TYPE
// =============================================================================

// StoredMessage is one message of a session.
type StoredMessage struct {
	ID                string            `json:"id"`
	Role              Role              `json:"role"`
	Content           string            `json:"content"`
	Reasoning         string            `json:"reasoning,omitempty"`
	Variants          []Variant         `json:"variants,omitempty"`
	SelectedVariantID string            `json:"selected_variant_id,omitempty"`
	Pinned            bool              `json:"pinned,omitempty"`
	Attachments       []ImageAttachment `json:"attachments,omitempty"`
	Usage             Usage             `json:"usage,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NewPlaceholderMessage creates a transient message rendered while a turn is
// in flight. It carries a local ID and must be replaced, promoted, or
// discarded before persistence.
func NewPlaceholderMessage(role Role, content string) StoredMessage {
	return StoredMessage{
		ID:        NewPlaceholderID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// IsPlaceholder reports whether the message is a transient placeholder.
func (m *StoredMessage) IsPlaceholder() bool {
	return IsPlaceholderID(m.ID)
}

// SelectedVariant returns the variant referenced by SelectedVariantID, or nil
// if none is selected.
func (m *StoredMessage) SelectedVariant() *Variant {
	if m.SelectedVariantID == "" {
		return nil
	}
	for i := range m.Variants {
		if m.Variants[i].ID == m.SelectedVariantID {
			return &m.Variants[i]
		}
	}
	return nil
}

// VariantIndex returns the index of the variant with the given ID, or -1.
func (m *StoredMessage) VariantIndex(variantID string) int {
	for i := range m.Variants {
		if m.Variants[i].ID == variantID {
			return i
		}
	}
	return -1
}

// Clone returns a structural copy of the message. Variants and attachments
// are copied, attachment payloads included, so mutating the clone never
// touches the original.
func (m StoredMessage) Clone() StoredMessage {
	out := m
	if len(m.Variants) > 0 {
		out.Variants = make([]Variant, len(m.Variants))
		copy(out.Variants, m.Variants)
	}
	if len(m.Attachments) > 0 {
		out.Attachments = make([]ImageAttachment, len(m.Attachments))
		for i, att := range m.Attachments {
			c := att
			if len(att.Data) > 0 {
				c.Data = make([]byte, len(att.Data))
				copy(c.Data, att.Data)
			}
			out.Attachments[i] = c
		}
	}
	return out
}

// CloneMessages returns a structural copy of a message slice.
func CloneMessages(msgs []StoredMessage) []StoredMessage {
	if msgs == nil {
		return nil
	}
	out := make([]StoredMessage, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}
