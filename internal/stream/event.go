// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// TOPICS
// =============================================================================

// topicPrefix keys event channels by request ID.
const topicPrefix = "lettuce://"

// Topic returns the event channel name for a turn request ID.
func Topic(requestID string) string {
	return topicPrefix + requestID
}

// RequestIDFromTopic extracts the request ID from a topic name.
// Returns "" if the topic does not carry the expected prefix.
func RequestIDFromTopic(topic string) string {
	if !strings.HasPrefix(topic, topicPrefix) {
		return ""
	}
	return strings.TrimPrefix(topic, topicPrefix)
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType discriminates stream payloads.
type EventType string

const (
	// EventDelta is a text chunk for one message.
	EventDelta EventType = "delta"

	// EventReasoning is side-channel reasoning text. Reasoning updates are
	// comparatively rare and are dispatched directly, not batched.
	EventReasoning EventType = "reasoning"

	// EventError surfaces a turn error without terminating the subscription.
	EventError EventType = "error"
)

// Event is one inbound stream event.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// wireEvent is the JSON envelope used on the wire:
// {"type": "...", "data": {...}}.
type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireData struct {
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DecodeEvent parses a wire payload. Malformed payloads yield (Event{}, false)
// and must be skipped by callers, never treated as fatal.
func DecodeEvent(payload []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, false
	}
	switch w.Type {
	case EventDelta, EventReasoning, EventError:
	default:
		return Event{}, false
	}
	var d wireData
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, &d); err != nil {
			return Event{}, false
		}
	}
	return Event{
		Type:      w.Type,
		RequestID: d.RequestID,
		MessageID: d.MessageID,
		Text:      d.Text,
		Err:       d.Error,
	}, true
}

// EncodeEvent renders the wire envelope for an event.
func EncodeEvent(ev Event) ([]byte, error) {
	d, err := json.Marshal(wireData{
		RequestID: ev.RequestID,
		MessageID: ev.MessageID,
		Text:      ev.Text,
		Error:     ev.Err,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: ev.Type, Data: d})
}
