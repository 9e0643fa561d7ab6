// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// ReplaySessions tracks open client sessions by transport (sse/ws).
	ReplaySessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobstream_replay_sessions",
		Help: "Current number of open replay sessions, by transport.",
	}, []string{"transport"})

	replayEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_replay_sessions_ended_total",
		Help: "Total replay sessions ended, by transport and reason (done/client_gone/overrun/error).",
	}, []string{"transport", "reason"})

	replayFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_replay_frames_total",
		Help: "Total frames written to clients, by phase (catchup/live/heartbeat/done).",
	}, []string{"phase"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobstream_cache_lookups_total",
		Help: "Recent-event cache lookups, by result (hit/partial/miss).",
	}, []string{"result"})
)

// RecordReplayEnd counts a finished session.
func RecordReplayEnd(transport, reason string) {
	replayEnded.WithLabelValues(transport, reason).Inc()
}

// IncFrame counts one frame written in the given phase.
func IncFrame(phase string) {
	replayFrames.WithLabelValues(phase).Inc()
}

// RecordCacheLookup counts one cache lookup.
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// GetReplaySessions returns the current gauge value (for testing).
func GetReplaySessions(transport string) float64 {
	var m dto.Metric
	if err := ReplaySessions.WithLabelValues(transport).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
