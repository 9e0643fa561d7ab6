// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the fully merged daemon configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Cache     CacheConfig     `yaml:"cache"`
	Stream    StreamConfig    `yaml:"stream"`
	Replay    ReplayConfig    `yaml:"replay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddr         string        `yaml:"listenAddr"`
	AllowedOrigins     []string      `yaml:"allowedOrigins"`
	RateLimitRPM       int           `yaml:"rateLimitRpm"`
	RateLimitWhitelist []string      `yaml:"rateLimitWhitelist"`
	MaxBodyBytes       int64         `yaml:"maxBodyBytes"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	Backend string        `yaml:"backend"` // memory, sqlite, badger, redis, postgres
	DSN     string        `yaml:"dsn"`     // postgres
	Redis   RedisConfig   `yaml:"redis"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RedisConfig holds Redis connection settings shared by the store and bus.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// BreakerConfig tunes the circuit breaker in front of the store.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"minRequests"`
	FailureRatio float64       `yaml:"failureRatio"`
}

// BusConfig selects the cross-instance append notification bus.
type BusConfig struct {
	Driver       string `yaml:"driver"` // none, memory, redis, nats
	Channel      string `yaml:"channel"`
	URL          string `yaml:"url"` // nats
	Embedded     bool   `yaml:"embedded"`
	EmbeddedHost string `yaml:"embeddedHost"`
	EmbeddedPort int    `yaml:"embeddedPort"`
}

// CacheConfig sizes the recent-event cache. A job's ring is released when
// its hub is swept after a terminal event; rings of jobs that never finish
// only go away through the idle janitor, so an enabled cache needs both
// IdleTTL and CleanupInterval (defaults 10m and 1m).
type CacheConfig struct {
	Capacity        int           `yaml:"capacity"` // events per job, 0 disables
	IdleTTL         time.Duration `yaml:"idleTtl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// StreamConfig tunes the stream manager.
type StreamConfig struct {
	QueueSize     int           `yaml:"queueSize"`
	SyncBatch     int           `yaml:"syncBatch"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	NotifyTimeout time.Duration `yaml:"notifyTimeout"`
	NotifyQueue   int           `yaml:"notifyQueue"`
	InstanceID    string        `yaml:"instanceId"`
}

// ReplayConfig tunes attach sessions. HeartbeatInterval and PadBytes are
// applied to new sessions on reload.
type ReplayConfig struct {
	BatchSize         int           `yaml:"batchSize"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	PadBytes          int           `yaml:"padBytes"`
	WSPongWait        time.Duration `yaml:"wsPongWait"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	Environment  string  `yaml:"environment"`
	Exporter     string  `yaml:"exporter"` // grpc, http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}
