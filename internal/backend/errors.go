// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

// BackendError represents a boundary-level failure.
// Use errors.Is(err, ErrSessionNotFound) etc. to check for sentinel values.
type BackendError struct {
	Message string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing backend errors.
func (e *BackendError) Is(target error) bool {
	t, ok := target.(*BackendError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = &BackendError{Message: "session not found"}

	// ErrMessageNotFound is returned when a message doesn't exist.
	ErrMessageNotFound = &BackendError{Message: "message not found"}
)
