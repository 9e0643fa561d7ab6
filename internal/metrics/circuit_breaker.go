// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// breakerStates mirrors gobreaker.State.String().
var breakerStates = [...]string{"closed", "half-open", "open"}

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobstream_store_breaker_state",
		Help: "1 for the current state of each store circuit breaker, 0 for the others",
	}, []string{"breaker", "state"})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_store_breaker_trips_total",
		Help: "Times a store circuit breaker opened",
	}, []string{"breaker"})
)

// SetBreakerState makes state the only series set to 1 for breaker.
func SetBreakerState(breaker, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		breakerState.WithLabelValues(breaker, s).Set(v)
	}
	if state == "open" {
		breakerTrips.WithLabelValues(breaker).Inc()
	}
}
