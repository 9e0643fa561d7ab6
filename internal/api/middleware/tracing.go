// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package middleware provides HTTP middleware for the jobstream API server.
package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/jobstream/internal/telemetry"
)

// Tracing starts a server span per request, continuing any W3C trace
// context the caller sent. Once routing is done the span is renamed to the
// matched chi pattern. Only 5xx responses mark the span as failed.
func Tracing(tracerName string) func(http.Handler) http.Handler {
	tracer := telemetry.Tracer(tracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			sw := wrapStatus(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			route := r.URL.Path
			if p := routeLabel(r); p != "unmatched" {
				route = p
				span.SetName(r.Method + " " + p)
			}
			status := sw.Status()
			span.SetAttributes(telemetry.HTTPAttributes(r.Method, route, r.URL.String(), status)...)
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}
