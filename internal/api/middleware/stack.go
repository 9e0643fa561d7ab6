// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	jslog "github.com/ManuGH/jobstream/internal/log"
)

// StackConfig selects the optional layers of the ingress stack.
// Recoverer and RequestID are always installed.
type StackConfig struct {
	EnableCORS     bool
	AllowedOrigins []string

	EnableSecurityHeaders bool
	EnableMetrics         bool
	EnableLogging         bool
	TracingService        string // empty disables tracing

	RateLimitRPM       int // per client IP; 0 disables
	RateLimitWhitelist []string
}

// NewRouter returns a chi router with the stack for cfg installed.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack installs the layers outermost first. Logging sits inside
// metrics and tracing so it sees the full life of a stream, and the rate
// limiter is innermost so rejected requests are still logged and counted.
// Every layer keeps http.Flusher and http.Hijacker reachable.
func ApplyStack(r chi.Router, cfg StackConfig) {
	layers := []struct {
		on bool
		mw func(http.Handler) http.Handler
	}{
		{true, Recoverer},
		{true, RequestID},
		{cfg.EnableCORS, func(next http.Handler) http.Handler { return CORS(cfg.AllowedOrigins)(next) }},
		{cfg.EnableSecurityHeaders, SecurityHeaders},
		{cfg.EnableMetrics, func(next http.Handler) http.Handler { return Metrics()(next) }},
		{cfg.TracingService != "", func(next http.Handler) http.Handler { return Tracing(cfg.TracingService)(next) }},
		{cfg.EnableLogging, func(next http.Handler) http.Handler { return jslog.Middleware()(next) }},
		{cfg.RateLimitRPM > 0, func(next http.Handler) http.Handler {
			return APIRateLimit(cfg.RateLimitRPM, cfg.RateLimitWhitelist)(next)
		}},
	}
	for _, l := range layers {
		if l.on {
			r.Use(l.mw)
		}
	}
}
