// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// chatcore.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - StoreConfig: Message persistence and pagination settings
//   - StreamConfig: Delta batching cadence
//   - RedisConfig: Optional Redis event bus settings
//   - ImagesConfig: In-chat image generation pacing
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (LETTUCE_*)
//   - ~/.lettuceai/config.toml
//   - ~/.lettuceai/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch for live edits:
//
//	w, err := config.NewWatcher(path, 250*time.Millisecond, onChange)
//	if err == nil {
//	    _ = w.Watch()
//	    defer w.Close()
//	}
package config
