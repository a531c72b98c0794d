// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package variant tracks alternate generations per message and forks new
// sessions from a point in history.
//
// The swipe gesture is shared UI over two different underlying entities: for
// an ordinary assistant message it steps through the message's stored
// variants, but for the initial scene message it steps through the
// character's alternate scenes and persists session.SelectedSceneID instead.
// That duality is deliberate and must be preserved.
package variant
