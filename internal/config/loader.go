// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JOBSTREAM_"

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{} // keys read during the last Load
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// ConfigPath returns the file this loader reads, if any.
func (l *Loader) ConfigPath() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Load loads configuration with precedence: ENV > File > Defaults.
// The merged result is validated; an invalid configuration is an error.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)

	if cfg.DataDir != "" {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with STRICT parsing: unknown fields
// fail the load instead of being ignored.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnvConfig applies JOBSTREAM_* overrides on top of cfg.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = l.envString(EnvPrefix+"DATA_DIR", cfg.DataDir)
	cfg.LogLevel = l.envString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)

	// API
	cfg.API.ListenAddr = l.envString(EnvPrefix+"LISTEN", cfg.API.ListenAddr)
	cfg.API.AllowedOrigins = l.envList(EnvPrefix+"ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.RateLimitRPM = l.envInt(EnvPrefix+"RATE_LIMIT_RPM", cfg.API.RateLimitRPM)
	cfg.API.RateLimitWhitelist = l.envList(EnvPrefix+"RATE_LIMIT_WHITELIST", cfg.API.RateLimitWhitelist)
	cfg.API.MaxBodyBytes = int64(l.envInt(EnvPrefix+"MAX_BODY_BYTES", int(cfg.API.MaxBodyBytes)))
	cfg.API.ShutdownTimeout = l.envDuration(EnvPrefix+"SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout)

	// Store
	cfg.Store.Backend = l.envString(EnvPrefix+"STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.DSN = l.envString(EnvPrefix+"STORE_DSN", cfg.Store.DSN)
	cfg.Store.Redis.Addr = l.envString(EnvPrefix+"REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = l.envString(EnvPrefix+"REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = l.envInt(EnvPrefix+"REDIS_DB", cfg.Store.Redis.DB)
	cfg.Store.Redis.KeyPrefix = l.envString(EnvPrefix+"REDIS_KEY_PREFIX", cfg.Store.Redis.KeyPrefix)
	cfg.Store.Breaker.Enabled = l.envBool(EnvPrefix+"BREAKER_ENABLED", cfg.Store.Breaker.Enabled)
	cfg.Store.Breaker.Timeout = l.envDuration(EnvPrefix+"BREAKER_TIMEOUT", cfg.Store.Breaker.Timeout)
	cfg.Store.Breaker.FailureRatio = l.envFloat(EnvPrefix+"BREAKER_FAILURE_RATIO", cfg.Store.Breaker.FailureRatio)

	// Bus
	cfg.Bus.Driver = l.envString(EnvPrefix+"BUS_DRIVER", cfg.Bus.Driver)
	cfg.Bus.Channel = l.envString(EnvPrefix+"BUS_CHANNEL", cfg.Bus.Channel)
	cfg.Bus.URL = l.envString(EnvPrefix+"BUS_URL", cfg.Bus.URL)
	cfg.Bus.Embedded = l.envBool(EnvPrefix+"BUS_EMBEDDED", cfg.Bus.Embedded)
	cfg.Bus.EmbeddedPort = l.envInt(EnvPrefix+"BUS_EMBEDDED_PORT", cfg.Bus.EmbeddedPort)

	// Cache
	cfg.Cache.Capacity = l.envInt(EnvPrefix+"CACHE_CAPACITY", cfg.Cache.Capacity)
	cfg.Cache.IdleTTL = l.envDuration(EnvPrefix+"CACHE_IDLE_TTL", cfg.Cache.IdleTTL)
	cfg.Cache.CleanupInterval = l.envDuration(EnvPrefix+"CACHE_CLEANUP_INTERVAL", cfg.Cache.CleanupInterval)

	// Stream
	cfg.Stream.QueueSize = l.envInt(EnvPrefix+"QUEUE_SIZE", cfg.Stream.QueueSize)
	cfg.Stream.SyncBatch = l.envInt(EnvPrefix+"SYNC_BATCH", cfg.Stream.SyncBatch)
	cfg.Stream.SweepInterval = l.envDuration(EnvPrefix+"SWEEP_INTERVAL", cfg.Stream.SweepInterval)
	cfg.Stream.PollInterval = l.envDuration(EnvPrefix+"POLL_INTERVAL", cfg.Stream.PollInterval)
	cfg.Stream.NotifyTimeout = l.envDuration(EnvPrefix+"NOTIFY_TIMEOUT", cfg.Stream.NotifyTimeout)
	cfg.Stream.NotifyQueue = l.envInt(EnvPrefix+"NOTIFY_QUEUE", cfg.Stream.NotifyQueue)
	cfg.Stream.InstanceID = l.envString(EnvPrefix+"INSTANCE_ID", cfg.Stream.InstanceID)

	// Replay
	cfg.Replay.BatchSize = l.envInt(EnvPrefix+"BATCH_SIZE", cfg.Replay.BatchSize)
	cfg.Replay.HeartbeatInterval = l.envDuration(EnvPrefix+"HEARTBEAT_INTERVAL", cfg.Replay.HeartbeatInterval)
	cfg.Replay.PadBytes = l.envInt(EnvPrefix+"PAD_BYTES", cfg.Replay.PadBytes)

	// Telemetry
	cfg.Telemetry.Enabled = l.envBool(EnvPrefix+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString(EnvPrefix+"TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString(EnvPrefix+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(EnvPrefix+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
