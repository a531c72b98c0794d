// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package turn

// TurnError represents a turn-level failure or precondition violation.
// Use errors.Is to compare against the sentinel values below.
type TurnError struct {
	Message string
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing turn errors.
func (e *TurnError) Is(target error) bool {
	t, ok := target.(*TurnError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrNoSession is returned when no session or character is resolved.
	ErrNoSession = &TurnError{Message: "no active session"}

	// ErrEmptyMessage rejects a send with no content.
	ErrEmptyMessage = &TurnError{Message: "message is empty"}

	// ErrTurnInFlight rejects a turn while another is already running.
	ErrTurnInFlight = &TurnError{Message: "a turn is already in flight"}

	// ErrNoActiveTurn rejects an abort with nothing to abort.
	ErrNoActiveTurn = &TurnError{Message: "no turn in flight"}

	// ErrTurnAborted reports that the turn was aborted before settling.
	ErrTurnAborted = &TurnError{Message: "turn aborted"}

	// ErrNotLastMessage rejects regenerating anything but the newest message.
	ErrNotLastMessage = &TurnError{Message: "only the most recent message can be regenerated"}

	// ErrNotAssistantMessage rejects regenerating a non-assistant message.
	ErrNotAssistantMessage = &TurnError{Message: "only assistant messages can be regenerated"}

	// ErrSceneMessage rejects regenerating the initial scene message.
	ErrSceneMessage = &TurnError{Message: "the scene message cannot be regenerated"}

	// ErrRegenerationInFlight rejects overlapping regenerations.
	ErrRegenerationInFlight = &TurnError{Message: "a regeneration is already in progress"}
)
