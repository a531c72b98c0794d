// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist provides the per-session save serializer.
//
// Turn completion, manual edits, pin toggles, abort cleanup, and variant
// selection can all try to persist the same session at nearly the same time;
// naive concurrent writes silently clobber each other. The Serializer makes
// the write path a de facto single-writer critical section per session ID:
// saves for one session apply in submission order, and independent sessions
// never block each other.
package persist
