// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ManuGH/jobstream/internal/log"
)

// RateLimitConfig configures a sliding-window limiter. An attach request
// counts once, when it connects, however long the stream stays open.
type RateLimitConfig struct {
	RequestLimit int
	WindowSize   time.Duration
	// KeyFunc picks the bucket; nil means per client IP.
	KeyFunc func(r *http.Request) (string, error)
	// Whitelist entries are IPs or CIDR prefixes that bypass the limiter.
	Whitelist []string
}

const rateLimitedBody = `{"type":"about:blank","title":"Too Many Requests","status":429,"code":"RATE_LIMITED","detail":"request rate exceeded, retry later"}`

// RateLimit builds the limiter from cfg.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}
	retryAfter := strconv.Itoa(int(cfg.WindowSize.Seconds()))

	limiter := httprate.Limit(cfg.RequestLimit, cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger := log.WithComponentFromContext(r.Context(), "http")
			logger.Debug().
				Str(log.FieldEvent, "http.rate_limited").
				Str("remote_addr", r.RemoteAddr).
				Msg("request rejected by rate limit")
			w.Header().Set("Content-Type", "application/problem+json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(rateLimitedBody))
		}),
	)

	exempt := parsePrefixes(cfg.Whitelist)
	if len(exempt) == 0 {
		return limiter
	}
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if remoteIn(r, exempt) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// APIRateLimit is the per-IP, per-minute limiter used by the API stack.
func APIRateLimit(requestsPerMinute int, whitelist []string) func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestLimit: requestsPerMinute,
		WindowSize:   time.Minute,
		Whitelist:    whitelist,
	})
}

// parsePrefixes drops entries that are neither an IP nor a CIDR.
func parsePrefixes(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		logger := log.WithComponent("http")
		logger.Warn().Str("entry", e).Msg("ignoring malformed rate limit whitelist entry")
	}
	return out
}

func remoteIn(r *http.Request, prefixes []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
