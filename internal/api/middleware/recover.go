// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/ManuGH/jobstream/internal/log"
)

// Recoverer turns a handler panic into a 500 problem response. A panic
// after the response has started (an open event stream) can only be
// logged; the connection is then closed by returning.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapStatus(w)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			logger := log.WithComponentFromContext(r.Context(), "http")
			logger.Error().
				Str(log.FieldEvent, "http.panic").
				Str("method", r.Method).
				Str("path", strings.ToValidUTF8(r.URL.Path, "")).
				Bool("response_started", sw.Started()).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")

			if sw.Started() {
				return
			}
			sw.Header().Set("Content-Type", "application/problem+json")
			sw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(sw).Encode(map[string]any{
				"type":      "about:blank",
				"title":     http.StatusText(http.StatusInternalServerError),
				"status":    http.StatusInternalServerError,
				"code":      "INTERNAL",
				"requestId": log.RequestIDFromContext(r.Context()),
			})
		}()
		next.ServeHTTP(sw, r)
	})
}
