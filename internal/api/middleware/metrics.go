// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobstream_http_request_duration_seconds",
		Help:    "HTTP request latency; attach requests span the whole stream",
		Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120, 600, 3600},
	}, []string{"method", "route", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobstream_http_requests_in_flight",
		Help: "Requests currently being served, open streams included",
	})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobstream_http_response_size_bytes",
		Help:    "Response body sizes; stream responses include padding",
		Buckets: prometheus.ExponentialBuckets(128, 8, 8),
	}, []string{"method", "route"})
)

// routeLabel returns the chi pattern that matched, keeping job ids out of
// label values.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Metrics records request latency, in-flight count and response size.
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			sw := wrapStatus(w)
			next.ServeHTTP(sw, r)

			route := routeLabel(r)
			httpRequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(sw.Status())).
				Observe(time.Since(start).Seconds())
			if sw.bytes > 0 {
				httpResponseSize.WithLabelValues(r.Method, route).Observe(float64(sw.bytes))
			}
		})
	}
}
