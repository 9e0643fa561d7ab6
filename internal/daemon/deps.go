// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jobstream/internal/config"
)

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// APIHandler serves the REST, streaming and probe endpoints
	APIHandler http.Handler

	// OnShutdown runs as soon as a graceful shutdown begins, before the
	// server waits for in-flight requests. Attach sessions never finish
	// on their own, so this is where they get ended.
	OnShutdown func()
}

// ServerConfig holds the HTTP server parameters.
type ServerConfig struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration
}

// ServerConfigFrom derives server parameters from the api section. There is
// no write timeout: SSE and WebSocket responses stay open for the lifetime
// of a job.
func ServerConfigFrom(cfg config.APIConfig) ServerConfig {
	return ServerConfig{
		ListenAddr:        cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
