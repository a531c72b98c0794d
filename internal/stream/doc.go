// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream carries the out-of-band token stream of a turn.
//
// Events are published on a topic derived from the turn's request ID
// ("lettuce://<requestID>"). Subscriptions are typed, ordered, and closed
// exactly once no matter how many paths tear them down. The Batcher coalesces
// rapid delta events into one combined update per message per flush interval,
// preserving arrival order within and across messages.
package stream
