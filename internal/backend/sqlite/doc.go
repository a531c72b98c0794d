// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sqlite implements the session persistence boundary over a local
// SQLite database using the pure Go driver.
//
// UpsertSession has merge semantics: it replaces the session row and upserts
// every message it carries, but never deletes messages absent from the given
// session. The in-memory store may hold only a paginated window, and older
// unloaded pages must survive a save. Deletions go through DeleteMessages
// explicitly.
package sqlite
