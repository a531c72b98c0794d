// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions, messages,
// variants, attachments, and characters.
//
// Invariants maintained by this package:
//   - Session.Messages is sorted ascending by CreatedAt with no duplicate IDs
//   - A set SelectedVariantID always resolves to an existing variant
//   - Placeholder messages carry a "local_" ID and are never persisted
package model
