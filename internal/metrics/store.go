// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the Prometheus collectors of the job event stream.
// Labels never carry job or subscriber ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_store_ops_total",
		Help: "Total event store operations, by backend, op and result (success/rejected/error).",
	}, []string{"backend", "op", "result"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobstream_store_op_seconds",
		Help:    "Event store operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	eventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_events_appended_total",
		Help: "Total events durably appended, by event type.",
	}, []string{"type"})
)

// ObserveStoreOp records one store call.
func ObserveStoreOp(backend, op, result string, d time.Duration) {
	storeOps.WithLabelValues(backend, op, result).Inc()
	storeLatency.WithLabelValues(backend, op).Observe(d.Seconds())
}

// IncEventsAppended counts a successful append.
func IncEventsAppended(eventType string) {
	eventsAppended.WithLabelValues(eventType).Inc()
}
