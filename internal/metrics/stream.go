// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSubscribers tracks live subscriber queues across all hubs.
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobstream_active_subscribers",
		Help: "Current number of registered live subscribers.",
	})

	// ActiveHubs tracks jobs with at least one local subscriber or producer.
	ActiveHubs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobstream_active_hubs",
		Help: "Current number of per-job fan-out hubs, by role (producer/follower).",
	}, []string{"role"})

	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobstream_events_delivered_total",
		Help: "Total events handed to live subscriber queues.",
	})

	subscriberOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobstream_subscriber_overruns_total",
		Help: "Total subscribers disconnected because their queue was full.",
	})

	hubSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_hub_syncs_total",
		Help: "Total store catch-up reads performed by hubs, by trigger (gap/notify/poll) and result.",
	}, []string{"trigger", "result"})

	sweptSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobstream_swept_subscribers_total",
		Help: "Total subscribers removed by the idle sweep.",
	})
)

// AddDelivered counts events handed to subscriber queues.
func AddDelivered(n int) {
	if n > 0 {
		eventsDelivered.Add(float64(n))
	}
}

// IncOverrun counts one overrun disconnect.
func IncOverrun() {
	subscriberOverruns.Inc()
}

// RecordHubSync counts one catch-up read.
func RecordHubSync(trigger, result string) {
	if trigger == "" {
		trigger = "unknown"
	}
	hubSyncs.WithLabelValues(trigger, result).Inc()
}

// AddSwept counts subscribers dropped by the sweep.
func AddSwept(n int) {
	if n > 0 {
		sweptSubscribers.Add(float64(n))
	}
}
