// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_bus_published_total",
		Help: "Total append notifications published, by driver and result.",
	}, []string{"driver", "result"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_bus_dropped_total",
		Help: "Total notification drops by driver and reason",
	}, []string{"driver", "reason"})
)

// IncBusPublish records a publish attempt.
func IncBusPublish(driver string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	BusPublishedTotal.WithLabelValues(driver, result).Inc()
}

// IncBusDropReason records a dropped notification with a concrete reason.
func IncBusDropReason(driver, reason string) {
	if driver == "" {
		driver = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(driver, reason).Inc()
}
