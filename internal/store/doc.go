// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store owns the in-memory ordered cache of a session's messages.
//
// The MessageStore is the single writable copy of "current" messages; every
// mutating operation goes through it and reads the latest state, so a late
// writer (a stream flush, an image patch) never clobbers a newer edit with
// stale data. The persisted Session mirrors the store on every save via
// SessionForSave, never the other way around.
package store
