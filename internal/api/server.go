// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api exposes jobs over HTTP: job registration, remote event
// submission, snapshots, and live attach over SSE or WebSocket.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/jobstream/internal/api/middleware"
	"github.com/ManuGH/jobstream/internal/health"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/replay"
	"github.com/ManuGH/jobstream/internal/stream"
)

// ReplaySettings are the attach knobs that may change while running.
type ReplaySettings struct {
	BatchSize         int
	HeartbeatInterval time.Duration
	PadBytes          int
	WSPongWait        time.Duration
}

// Config configures a Server.
type Config struct {
	Replay       ReplaySettings
	MaxBodyBytes int64
	Stack        middleware.StackConfig
}

const defaultMaxBodyBytes = 1 << 20

// Server serves the jobstream HTTP API.
type Server struct {
	mgr          *stream.Manager
	health       *health.Manager
	stack        middleware.StackConfig
	maxBodyBytes int64
	replay       atomic.Pointer[ReplaySettings]
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

// New builds a server around mgr. A nil health manager disables the probe
// endpoints' component checks but keeps the routes.
func New(mgr *stream.Manager, hm *health.Manager, cfg Config) *Server {
	if hm == nil {
		hm = health.NewManager("")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		mgr:          mgr,
		health:       hm,
		stack:        cfg.Stack,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       log.WithComponent("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser origins are already filtered by the CORS stack.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.SetReplaySettings(cfg.Replay)
	return s
}

// SetReplaySettings swaps the attach knobs used by sessions started from
// now on. Running sessions keep their settings.
func (s *Server) SetReplaySettings(rs ReplaySettings) {
	if rs.BatchSize <= 0 {
		rs.BatchSize = replay.DefaultBatchSize
	}
	if rs.HeartbeatInterval <= 0 {
		rs.HeartbeatInterval = replay.DefaultHeartbeatInterval
	}
	if rs.PadBytes < 0 {
		rs.PadBytes = 0
	}
	s.replay.Store(&rs)
}

func (s *Server) replaySettings() ReplaySettings { return *s.replay.Load() }

// Handler returns the routed HTTP handler with the middleware stack.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(s.stack)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/snapshot", s.handleSnapshot)
			r.Post("/events", s.handleEmit)
			r.Get("/stream", s.handleStreamSSE)
			r.Get("/ws", s.handleStreamWS)
		})
	})
	return r
}
