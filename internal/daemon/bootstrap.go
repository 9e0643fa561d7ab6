// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon assembles the jobstream process from its configuration
// and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jobstream/internal/api"
	"github.com/ManuGH/jobstream/internal/api/middleware"
	"github.com/ManuGH/jobstream/internal/bus"
	"github.com/ManuGH/jobstream/internal/cache"
	"github.com/ManuGH/jobstream/internal/config"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/health"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/stream"
	"github.com/ManuGH/jobstream/internal/telemetry"
)

// Runtime holds every long-lived component built from one configuration.
type Runtime struct {
	Config    config.AppConfig
	Store     eventlog.Store
	Cache     cache.Cache
	Bus       bus.Bus
	Streams   *stream.Manager
	Health    *health.Manager
	API       *api.Server
	Telemetry *telemetry.Provider

	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// StoreOptions maps the store section onto eventlog options.
func StoreOptions(cfg config.AppConfig) eventlog.Options {
	return eventlog.Options{
		Backend: cfg.Store.Backend,
		DataDir: cfg.DataDir,
		DSN:     cfg.Store.DSN,
		Redis: eventlog.RedisOptions{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		},
	}
}

// BusOptions maps the bus section onto bus options. The redis bus shares
// the store's connection settings.
func BusOptions(cfg config.AppConfig) bus.Options {
	return bus.Options{
		Driver:  cfg.Bus.Driver,
		Channel: cfg.Bus.Channel,
		Redis: bus.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		},
		NATS: bus.NATSOptions{
			URL:      cfg.Bus.URL,
			Embedded: cfg.Bus.Embedded,
			Host:     cfg.Bus.EmbeddedHost,
			Port:     cfg.Bus.EmbeddedPort,
		},
	}
}

// ReplaySettings maps the replay section onto the attach settings.
func ReplaySettings(cfg config.ReplayConfig) api.ReplaySettings {
	return api.ReplaySettings{
		BatchSize:         cfg.BatchSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PadBytes:          cfg.PadBytes,
		WSPongWait:        cfg.WSPongWait,
	}
}

// OpenStore opens the configured backend with metrics and, if enabled, the
// circuit breaker in front of it.
func OpenStore(cfg config.AppConfig) (eventlog.Store, error) {
	raw, err := eventlog.OpenStore(StoreOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	store := eventlog.NewInstrumentedStore(raw, cfg.Store.Backend)
	if !cfg.Store.Breaker.Enabled {
		return store, nil
	}
	bc := eventlog.DefaultBreakerConfig("event-store-" + cfg.Store.Backend)
	bc.Timeout = cfg.Store.Breaker.Timeout
	bc.MinRequests = cfg.Store.Breaker.MinRequests
	bc.FailureRatio = cfg.Store.Breaker.FailureRatio
	return eventlog.NewGuardedStore(store, bc), nil
}

// Bootstrap builds the runtime. On error everything opened so far is closed.
func Bootstrap(ctx context.Context, cfg config.AppConfig) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, logger: log.WithComponent("daemon")}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, err
	}

	rt.Telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		// Tracing is optional; the process runs without it.
		rt.logger.Warn().Err(err).
			Str(log.FieldEvent, "telemetry.init_failed").
			Msg("telemetry initialization failed, continuing without tracing")
		rt.Telemetry = nil
		err = nil
	}

	if rt.Store, err = OpenStore(cfg); err != nil {
		return nil, err
	}
	rt.Cache = cache.NewMemoryCache(cfg.Cache.Capacity, cfg.Cache.IdleTTL, cfg.Cache.CleanupInterval)
	if rt.Bus, err = bus.Open(ctx, BusOptions(cfg)); err != nil {
		return nil, fmt.Errorf("open %s bus: %w", cfg.Bus.Driver, err)
	}

	rt.Streams = stream.New(rt.Store, rt.Cache, rt.Bus, stream.Config{
		QueueSize:     cfg.Stream.QueueSize,
		SyncBatch:     cfg.Stream.SyncBatch,
		SweepInterval: cfg.Stream.SweepInterval,
		PollInterval:  cfg.Stream.PollInterval,
		NotifyTimeout: cfg.Stream.NotifyTimeout,
		NotifyQueue:   cfg.Stream.NotifyQueue,
		InstanceID:    cfg.Stream.InstanceID,
	})

	rt.Health = health.NewManager(cfg.Version)
	rt.Health.RegisterChecker(health.NewStoreChecker(rt.Store))
	rt.Health.RegisterChecker(health.NewChannelChecker("stream_manager", rt.Streams.Ready()))

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.Telemetry.ServiceName
	}
	rt.API = api.New(rt.Streams, rt.Health, api.Config{
		Replay:       ReplaySettings(cfg.Replay),
		MaxBodyBytes: cfg.API.MaxBodyBytes,
		Stack: middleware.StackConfig{
			EnableCORS:            len(cfg.API.AllowedOrigins) > 0,
			AllowedOrigins:        cfg.API.AllowedOrigins,
			EnableSecurityHeaders: true,
			EnableMetrics:         true,
			TracingService:        tracing,
			EnableLogging:         true,
			RateLimitRPM:          cfg.API.RateLimitRPM,
			RateLimitWhitelist:    cfg.API.RateLimitWhitelist,
		},
	})

	rt.logger.Info().
		Str(log.FieldEvent, "daemon.bootstrapped").
		Str(log.FieldBackend, cfg.Store.Backend).
		Str("bus", cfg.Bus.Driver).
		Str(log.FieldInstanceID, rt.Streams.InstanceID()).
		Msg("runtime assembled")
	return rt, nil
}

// Close releases components in reverse dependency order. It is safe on a
// partially built runtime and on repeated calls.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.closeOnce.Do(func() { rt.closeErr = rt.close(ctx) })
	return rt.closeErr
}

func (rt *Runtime) close(ctx context.Context) error {
	var errs []error
	if rt.Streams != nil {
		errs = append(errs, rt.Streams.Close())
	}
	if rt.Bus != nil {
		errs = append(errs, rt.Bus.Close())
	}
	if rt.Cache != nil {
		cache.Stop(rt.Cache)
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.Telemetry != nil {
		errs = append(errs, rt.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
