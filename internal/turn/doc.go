// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package turn drives one conversational exchange from "user presses send" to
// "a finalized, persisted message exists".
//
// The orchestrator allocates placeholder messages, subscribes to the event
// channel for the request ID before issuing the backend call (so early deltas
// are never lost), routes deltas through the batcher, and on settlement
// replaces placeholders with backend-confirmed entities and persists through
// the save serializer. Stream teardown is unconditional and happens exactly
// once on every path. Aborting reconciles local state regardless of whether
// the backend abort call itself succeeds.
package turn
