// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller exposes the single surface presentation code talks to.
//
// All chat state mutations — turns, edits, deletions, pins, variants,
// branches, pagination — go through the Controller; no presentation layer
// calls persistence or the stream transport directly. Destructive actions are
// gated by a confirmation callback and outright blocked when pinned messages
// would be affected.
package controller
