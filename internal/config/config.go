// Copyright (c) 2025 LettuceAI
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// chatcore.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.lettuceai/config.toml
//   - ~/.lettuceai/config.json
//   - Built-in defaults
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/lettuceai/chatcore/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatcore configuration.
type Config struct {
	// General settings
	Version string `toml:"version" json:"version"`

	// Store configuration
	Store StoreConfig `toml:"store" json:"store"`

	// Stream configuration
	Stream StreamConfig `toml:"stream" json:"stream"`

	// Redis configuration
	Redis RedisConfig `toml:"redis" json:"redis"`

	// Images configuration
	Images ImagesConfig `toml:"images" json:"images"`

	// Log configuration
	Log LogConfig `toml:"log" json:"log"`
}

// StoreConfig contains message persistence configuration.
type StoreConfig struct {
	// DBPath is the SQLite database path (empty = ~/.lettuceai/chat.db)
	DBPath string `toml:"db_path" json:"db_path"`
	// PageSize is the number of messages fetched per history page
	PageSize int `toml:"page_size" json:"page_size"`
}

// StreamConfig contains delta batching configuration.
type StreamConfig struct {
	// FlushIntervalMs is the batcher flush cadence in milliseconds
	FlushIntervalMs int `toml:"flush_interval_ms" json:"flush_interval_ms"`
	// BatchSize is the delta count that forces an early flush
	BatchSize int `toml:"batch_size" json:"batch_size"`
}

// RedisConfig contains the optional Redis event bus configuration.
// When disabled, stream events are delivered over the in-process bus.
type RedisConfig struct {
	// Enabled switches stream delivery to Redis pub/sub
	Enabled bool `toml:"enabled" json:"enabled"`
	// Addr is the Redis server address
	Addr string `toml:"addr" json:"addr"`
	// Password is the Redis password (empty = no auth)
	Password string `toml:"password" json:"password"`
	// DB is the Redis database number
	DB int `toml:"db" json:"db"`
}

// ImagesConfig contains in-chat image generation configuration.
type ImagesConfig struct {
	// RatePerSec caps image generation calls per second (0 = unlimited)
	RatePerSec float64 `toml:"rate_per_sec" json:"rate_per_sec"`
	// Burst is the rate limiter burst size
	Burst int `toml:"burst" json:"burst"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `toml:"level" json:"level"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Store: StoreConfig{
			DBPath:   "",
			PageSize: 50,
		},

		Stream: StreamConfig{
			FlushIntervalMs: 33,
			BatchSize:       15,
		},

		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:6379",
			Password: "",
			DB:       0,
		},

		Images: ImagesConfig{
			RatePerSec: 0.5,
			Burst:      1,
		},

		Log: LogConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the chatcore configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".lettuceai"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultDBPath returns the default SQLite database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chat.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if path, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	if path, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. JSON files are detected by extension; everything else is
// parsed as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		if err := loadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

func loadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode TOML: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// SaveJSON saves the configuration to a JSON file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveJSON(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return util.AtomicWriteFile(path, append(data, '\n'), 0600)
}

// =============================================================================
// DEFAULTS AND VALIDATION
// =============================================================================

// SetDefaults fills in any missing or zero-value configuration fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Store.PageSize == 0 {
		c.Store.PageSize = defaults.Store.PageSize
	}
	if c.Stream.FlushIntervalMs == 0 {
		c.Stream.FlushIntervalMs = defaults.Stream.FlushIntervalMs
	}
	if c.Stream.BatchSize == 0 {
		c.Stream.BatchSize = defaults.Stream.BatchSize
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaults.Redis.Addr
	}
	if c.Images.Burst == 0 {
		c.Images.Burst = defaults.Images.Burst
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Store.PageSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "store.page_size",
			Message: "must not be negative",
		})
	}
	if c.Stream.FlushIntervalMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "stream.flush_interval_ms",
			Message: "must not be negative",
		})
	}
	if c.Stream.BatchSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "stream.batch_size",
			Message: "must not be negative",
		})
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Message: "required when redis is enabled",
		})
	}
	if c.Redis.DB < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.db",
			Message: "must not be negative",
		})
	}
	if c.Images.RatePerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "images.rate_per_sec",
			Message: "must not be negative",
		})
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("unknown level %q", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - LETTUCE_DB_PATH: overrides store.db_path
//   - LETTUCE_PAGE_SIZE: overrides store.page_size
//   - LETTUCE_FLUSH_INTERVAL_MS: overrides stream.flush_interval_ms
//   - LETTUCE_BATCH_SIZE: overrides stream.batch_size
//   - LETTUCE_REDIS_ENABLED: overrides redis.enabled
//   - LETTUCE_REDIS_ADDR: overrides redis.addr
//   - LETTUCE_REDIS_PASSWORD: overrides redis.password
//   - LETTUCE_LOG_LEVEL: overrides log.level
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("LETTUCE_DB_PATH"); v != "" {
		c.Store.DBPath = v
	}
	if v := os.Getenv("LETTUCE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Store.PageSize = n
		}
	}
	if v := os.Getenv("LETTUCE_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Stream.FlushIntervalMs = n
		}
	}
	if v := os.Getenv("LETTUCE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Stream.BatchSize = n
		}
	}
	if v := os.Getenv("LETTUCE_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Redis.Enabled = b
		}
	}
	if v := os.Getenv("LETTUCE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LETTUCE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LETTUCE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a string representation of the config for debugging.
// SECURITY: Redacts the Redis password so secrets never reach logs.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Redis.Password != "" {
		clone.Redis.Password = "***REDACTED***"
	}
	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig *Config
	globalMu     sync.RWMutex
	globalOnce   sync.Once
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		globalMu.Lock()
		globalConfig = cfg
		globalMu.Unlock()
	})

	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	globalMu.Lock()
	globalConfig = cfg
	globalMu.Unlock()
	return nil
}
