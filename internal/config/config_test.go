// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Store.PageSize != 50 {
		t.Errorf("default page size = %d, want 50", cfg.Store.PageSize)
	}
	if cfg.Stream.FlushIntervalMs != 33 {
		t.Errorf("default flush interval = %d, want 33", cfg.Stream.FlushIntervalMs)
	}
	if cfg.Stream.BatchSize != 15 {
		t.Errorf("default batch size = %d, want 15", cfg.Stream.BatchSize)
	}
	if cfg.Redis.Enabled {
		t.Error("redis should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPathTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
version = "2.0"

[store]
page_size = 25

[stream]
flush_interval_ms = 16
batch_size = 30

[redis]
enabled = true
addr = "redis.local:6379"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Store.PageSize != 25 {
		t.Errorf("page size = %d, want 25", cfg.Store.PageSize)
	}
	if cfg.Stream.FlushIntervalMs != 16 {
		t.Errorf("flush interval = %d, want 16", cfg.Stream.FlushIntervalMs)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.local:6379" {
		t.Errorf("redis = %+v, want enabled at redis.local:6379", cfg.Redis)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
	// Unset sections fall back to defaults
	if cfg.Images.Burst != 1 {
		t.Errorf("images burst = %d, want default 1", cfg.Images.Burst)
	}
}

func TestLoadFromPathJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"store": {"page_size": 10}, "log": {"level": "warn"}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Store.PageSize != 10 {
		t.Errorf("page size = %d, want 10", cfg.Store.PageSize)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
}

func TestSaveTOMLRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.Store.PageSize = 77
	cfg.Redis.Addr = "example:6379"

	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if loaded.Store.PageSize != 77 {
		t.Errorf("page size = %d, want 77", loaded.Store.PageSize)
	}
	if loaded.Redis.Addr != "example:6379" {
		t.Errorf("redis addr = %q, want example:6379", loaded.Redis.Addr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LETTUCE_PAGE_SIZE", "12")
	t.Setenv("LETTUCE_REDIS_ENABLED", "true")
	t.Setenv("LETTUCE_REDIS_ADDR", "override:6379")
	t.Setenv("LETTUCE_LOG_LEVEL", "error")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Store.PageSize != 12 {
		t.Errorf("page size = %d, want 12", cfg.Store.PageSize)
	}
	if !cfg.Redis.Enabled {
		t.Error("redis should be enabled via env")
	}
	if cfg.Redis.Addr != "override:6379" {
		t.Errorf("redis addr = %q, want override:6379", cfg.Redis.Addr)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("log level = %q, want error", cfg.Log.Level)
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("LETTUCE_PAGE_SIZE", "not-a-number")
	t.Setenv("LETTUCE_BATCH_SIZE", "-3")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Store.PageSize != 50 {
		t.Errorf("page size = %d, want untouched 50", cfg.Store.PageSize)
	}
	if cfg.Stream.BatchSize != 15 {
		t.Errorf("batch size = %d, want untouched 15", cfg.Stream.BatchSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Store.PageSize = -1
	cfg.Log.Level = "loud"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	errs, ok := err.(ValidateErrors)
	if !ok {
		t.Fatalf("expected ValidateErrors, got %T", err)
	}
	if len(errs) != 3 {
		t.Errorf("got %d validation errors, want 3: %v", len(errs), errs)
	}
}

func TestStringRedactsPassword(t *testing.T) {
	cfg := Default()
	cfg.Redis.Password = "hunter2"

	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Error("String() leaked the redis password")
	}
	if !strings.Contains(s, "REDACTED") {
		t.Error("String() should mark the password as redacted")
	}
	if cfg.Redis.Password != "hunter2" {
		t.Error("String() must not mutate the original config")
	}
}
