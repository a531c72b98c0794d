// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the opaque boundaries the chat core talks to:
// session/message persistence, turn execution, and image generation.
//
// The controller never assumes anything about how these are implemented; the
// sqlite subpackage provides a local SessionAPI, and Loopback provides a
// development TurnAPI/ImageAPI that streams over the event bus.
package backend
