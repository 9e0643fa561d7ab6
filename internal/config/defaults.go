// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Defaults returns the configuration used when neither file nor
// environment set a value.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:  "data",
		LogLevel: "info",
		API: APIConfig{
			ListenAddr:      ":8080",
			RateLimitRPM:    600,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "jobstream",
			},
			Breaker: BreakerConfig{
				Enabled:      true,
				Timeout:      15 * time.Second,
				MinRequests:  10,
				FailureRatio: 0.6,
			},
		},
		Bus: BusConfig{
			Driver:       "none",
			Channel:      "jobstream.appends",
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
		},
		Cache: CacheConfig{
			Capacity:        256,
			IdleTTL:         10 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Stream: StreamConfig{
			QueueSize:     64,
			SyncBatch:     100,
			SweepInterval: 30 * time.Second,
			PollInterval:  2 * time.Second,
			NotifyTimeout: time.Second,
			NotifyQueue:   256,
		},
		Replay: ReplayConfig{
			BatchSize:         100,
			HeartbeatInterval: 15 * time.Second,
			PadBytes:          2048,
			WSPongWait:        60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "jobstream",
			Environment:  "production",
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}
