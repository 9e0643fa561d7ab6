// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jobstream/internal/log"
)

const defaultShutdownTimeout = 10 * time.Second

// ShutdownHook releases a resource when the daemon stops. Hooks run after
// the HTTP server has drained, newest first.
type ShutdownHook func(ctx context.Context) error

// Manager owns the HTTP server and the shutdown sequence.
type Manager interface {
	// Start serves until ctx ends or the server fails, then shuts down.
	Start(ctx context.Context) error
	// Shutdown drains the server and runs the hooks. Later calls are no-ops.
	Shutdown(ctx context.Context) error
	RegisterShutdownHook(name string, hook ShutdownHook)
	// Addr is the bound address, or "" until Start has bound it.
	Addr() string
}

type lifecycle int

const (
	idle lifecycle = iota
	serving
	stopping
)

type manager struct {
	cfg    ServerConfig
	deps   Deps
	logger zerolog.Logger

	mu    sync.Mutex
	state lifecycle
	srv   *http.Server
	addr  string
	hooks []namedHook
}

type namedHook struct {
	name string
	fn   ShutdownHook
}

func NewManager(cfg ServerConfig, deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &manager{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str(log.FieldComponent, "manager").Logger(),
	}, nil
}

// Start binds before returning control to the serve goroutine, so a port
// that is already taken fails Start itself.
func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("daemon: start context is nil")
	}
	m.mu.Lock()
	if m.state != idle {
		m.mu.Unlock()
		return errors.New("daemon: manager already started")
	}
	m.state = serving
	m.mu.Unlock()

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.cfg.ListenAddr, err)
	}
	srv := m.newServer()

	m.mu.Lock()
	m.srv, m.addr = srv, ln.Addr().String()
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldEvent, "api.server.listening").
		Str("addr", ln.Addr().String()).
		Dur("shutdown_timeout", m.cfg.ShutdownTimeout).
		Msg("API server listening")

	failed := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			failed <- fmt.Errorf("API server: %w", err)
		}
	}()

	stopCtx := context.WithoutCancel(ctx)
	select {
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(stopCtx)
	case err := <-failed:
		m.logger.Error().Err(err).Str(log.FieldEvent, "api.server.failed").Msg("API server failed, shutting down")
		return errors.Join(err, m.Shutdown(stopCtx))
	}
}

func (m *manager) newServer() *http.Server {
	srv := &http.Server{
		Handler:           m.deps.APIHandler,
		ReadHeaderTimeout: m.cfg.ReadHeaderTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}
	if m.deps.OnShutdown != nil {
		srv.RegisterOnShutdown(m.deps.OnShutdown)
	}
	return srv
}

func (m *manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Shutdown is bounded by the configured timeout regardless of ctx's own
// deadline or cancellation.
func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.New("daemon: shutdown context is nil")
	}
	m.mu.Lock()
	switch m.state {
	case idle:
		m.mu.Unlock()
		return ErrManagerNotStarted
	case stopping:
		m.mu.Unlock()
		return nil
	}
	m.state = stopping
	srv := m.srv
	hooks := m.hooks
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	errs = append(errs, m.runHooks(ctx, hooks)...)

	if err := errors.Join(errs...); err != nil {
		m.logger.Error().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", err)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}

func (m *manager) runHooks(ctx context.Context, hooks []namedHook) []error {
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		began := time.Now()
		err := h.fn(ctx)
		ev := m.logger.Debug()
		if err != nil {
			ev = m.logger.Error().Err(err)
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
		}
		ev.Str("hook", h.name).Dur("duration", time.Since(began)).Msg("shutdown hook finished")
	}
	return errs
}

func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: hook})
}
