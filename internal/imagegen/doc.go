// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package imagegen post-processes finalized assistant messages for embedded
// image-generation directives.
//
// A directive looks like <<image:{"prompt":"a cat","count":2}>>. The
// processor strips directives from the visible text, appends one placeholder
// attachment slot per requested image, persists the stripped message
// immediately (so a reload shows pending slots), then resolves directives
// sequentially, patching the message incrementally as each image lands.
// One failed directive removes only its own placeholders; siblings and the
// host message are unaffected.
package imagegen
