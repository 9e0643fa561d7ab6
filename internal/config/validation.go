// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/validate"
)

// Validate checks a merged configuration. All problems are reported at
// once as a validate.ValidationError.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("logLevel", cfg.LogLevel, validate.LogLevels)

	v.ListenAddr("api.listenAddr", cfg.API.ListenAddr)
	v.NonNegative("api.rateLimitRpm", cfg.API.RateLimitRPM)
	if cfg.API.MaxBodyBytes <= 0 {
		v.AddError("api.maxBodyBytes", "value must be positive", cfg.API.MaxBodyBytes)
	}
	v.MinDuration("api.shutdownTimeout", cfg.API.ShutdownTimeout, time.Second)

	v.OneOf("store.backend", cfg.Store.Backend, validate.StoreBackends)
	switch cfg.Store.Backend {
	case "sqlite", "badger":
		v.Directory("dataDir", cfg.DataDir, false)
	case "redis":
		v.NotEmpty("store.redis.addr", cfg.Store.Redis.Addr)
	case "postgres":
		v.NotEmpty("store.dsn", cfg.Store.DSN)
	}
	if cfg.Store.Breaker.Enabled {
		v.MinDuration("store.breaker.timeout", cfg.Store.Breaker.Timeout, 100*time.Millisecond)
		if cfg.Store.Breaker.FailureRatio <= 0 || cfg.Store.Breaker.FailureRatio > 1 {
			v.AddError("store.breaker.failureRatio", "must be in (0, 1]", cfg.Store.Breaker.FailureRatio)
		}
	}

	v.OneOf("bus.driver", cfg.Bus.Driver, validate.BusDrivers)
	switch cfg.Bus.Driver {
	case "redis":
		v.NotEmpty("store.redis.addr", cfg.Store.Redis.Addr)
	case "nats":
		if cfg.Bus.Embedded {
			if cfg.Bus.EmbeddedPort != -1 {
				v.Port("bus.embeddedPort", cfg.Bus.EmbeddedPort)
			}
		} else if cfg.Bus.URL != "" {
			v.URL("bus.url", cfg.Bus.URL, []string{"nats", "tls"})
		}
	case "memory":
		if cfg.Store.Backend == "memory" {
			break
		}
		v.AddError("bus.driver", "memory bus only reaches this process; use redis or nats with a shared store", cfg.Bus.Driver)
	}

	v.NonNegative("cache.capacity", cfg.Cache.Capacity)
	if cfg.Cache.Capacity > 0 {
		v.MinDuration("cache.idleTtl", cfg.Cache.IdleTTL, time.Second)
		v.MinDuration("cache.cleanupInterval", cfg.Cache.CleanupInterval, time.Second)
	}

	v.Range("stream.queueSize", cfg.Stream.QueueSize, 1, 1<<16)
	v.Range("stream.syncBatch", cfg.Stream.SyncBatch, 1, eventlog.MaxReadLimit)
	v.MinDuration("stream.sweepInterval", cfg.Stream.SweepInterval, 100*time.Millisecond)
	v.MinDuration("stream.pollInterval", cfg.Stream.PollInterval, 10*time.Millisecond)
	v.MinDuration("stream.notifyTimeout", cfg.Stream.NotifyTimeout, time.Millisecond)
	v.Range("stream.notifyQueue", cfg.Stream.NotifyQueue, 1, 1<<16)

	v.Range("replay.batchSize", cfg.Replay.BatchSize, 1, eventlog.MaxReadLimit)
	v.MinDuration("replay.heartbeatInterval", cfg.Replay.HeartbeatInterval, 100*time.Millisecond)
	v.Range("replay.padBytes", cfg.Replay.PadBytes, 0, 64*1024)
	if cfg.Replay.WSPongWait <= cfg.Replay.HeartbeatInterval {
		v.AddError("replay.wsPongWait",
			fmt.Sprintf("must exceed heartbeatInterval (%s)", cfg.Replay.HeartbeatInterval),
			cfg.Replay.WSPongWait)
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, validate.TraceExporters)
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "must be in [0, 1]", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
