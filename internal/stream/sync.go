// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/jobstream/internal/bus"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
	"github.com/ManuGH/jobstream/internal/telemetry"
)

// maxSyncRounds bounds how often a sync re-joins the per-job singleflight to
// reach a target seq that an in-flight read may have missed.
const maxSyncRounds = 3

// Run drives the background work of the manager until ctx ends: the idle
// sweep, the follower poll and, if a bus is configured, the notification
// outbox plus append notifications from other instances.
func (m *Manager) Run(ctx context.Context) error {
	var notes <-chan bus.Notification
	if m.bus != nil {
		sub, err := m.bus.Subscribe(ctx)
		if err != nil {
			m.logger.Warn().Err(err).
				Str(log.FieldEvent, "stream.bus_subscribe_failed").
				Msg("bus unavailable, following other instances by polling only")
		} else {
			defer func() { _ = sub.Close() }()
			notes = sub.C()
		}
	}

	if m.outbox != nil {
		published := make(chan struct{})
		go func() {
			defer close(published)
			m.publishOutbox(ctx)
		}()
		defer func() { <-published }()
	}

	m.readyOnce.Do(func() { close(m.ready) })

	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	m.logger.Info().
		Str(log.FieldEvent, "stream.run_started").
		Dur("sweep_interval", m.cfg.SweepInterval).
		Dur("poll_interval", m.cfg.PollInterval).
		Bool("bus", notes != nil).
		Msg("stream manager running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			m.Sweep()
		case <-poll.C:
			m.PollFollowers()
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			m.onNotification(n)
		}
	}
}

// Sweep removes subscribers whose context has ended and deletes hubs left
// without subscribers. It returns the number of subscribers removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, hubsDropped := 0, 0
	for id, h := range m.hubs {
		h.mu.Lock()
		removed += h.sweepLocked()
		if len(h.subs) == 0 {
			delete(m.hubs, id)
			metrics.ActiveHubs.WithLabelValues(h.role()).Dec()
			hubsDropped++
			if h.terminal {
				m.cache.Forget(id)
			}
		}
		h.mu.Unlock()
	}
	metrics.AddSwept(removed)
	if removed > 0 || hubsDropped > 0 {
		m.logger.Debug().
			Str(log.FieldEvent, "stream.swept").
			Int("subscribers", removed).
			Int("hubs", hubsDropped).
			Msg("idle sweep")
	}
	return removed
}

// PollFollowers schedules a store sync for every hub whose producer lives
// elsewhere.
func (m *Manager) PollFollowers() {
	m.mu.Lock()
	jobs := make([]string, 0, len(m.hubs))
	for id, h := range m.hubs {
		if h.needsPoll() {
			jobs = append(jobs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range jobs {
		m.syncAsync(id, 0, "poll")
	}
}

func (m *Manager) onNotification(n bus.Notification) {
	if n.Origin == m.cfg.InstanceID {
		return
	}
	h := m.lookupHub(n.JobID)
	if h == nil || h.watermark() >= n.Seq {
		return
	}
	m.syncAsync(n.JobID, n.Seq, "notify")
}

func (m *Manager) syncAsync(jobID string, target uint64, trigger string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.syncJob(m.bgCtx, jobID, target, trigger); err != nil && m.bgCtx.Err() == nil {
			m.logger.Warn().Err(err).
				Str(log.FieldEvent, "stream.sync_failed").
				Str(log.FieldJobID, jobID).
				Str("trigger", trigger).
				Msg("hub catch-up from store failed")
		}
	}()
}

// syncJob brings the job's hub up to the store. Concurrent callers for the
// same job share one read loop; a caller with a target seq re-joins when the
// shared loop finished short of it.
func (m *Manager) syncJob(ctx context.Context, jobID string, target uint64, trigger string) error {
	for round := 0; round < maxSyncRounds; round++ {
		h := m.lookupHub(jobID)
		if h == nil {
			return nil
		}
		_, err, _ := m.sf.Do(jobID, func() (any, error) {
			return nil, m.catchUp(ctx, h, trigger)
		})
		if err != nil {
			return err
		}
		if h.watermark() >= target {
			return nil
		}
	}
	return nil
}

func (m *Manager) catchUp(ctx context.Context, h *hub, trigger string) (err error) {
	ctx, span := m.tracer.Start(ctx, "stream.sync",
		trace.WithAttributes(telemetry.StreamAttributes(h.jobID, "", h.watermark())...),
		trace.WithAttributes(telemetry.StreamTriggerKey.String(trigger)))
	defer func() { telemetry.EndSpan(span, err, false) }()

	total := 0
	for {
		evs, err := m.store.Read(ctx, h.jobID, h.watermark(), m.cfg.SyncBatch)
		if err != nil {
			metrics.RecordHubSync(trigger, "error")
			return err
		}
		for _, ev := range evs {
			m.cache.Push(ev)
		}
		res := h.deliver(evs)
		m.afterDeliver(h, res)
		total += res.advanced
		if len(evs) < m.cfg.SyncBatch || res.advanced == 0 {
			break
		}
	}
	span.SetAttributes(telemetry.StreamEventsKey.Int(total))
	if total > 0 {
		metrics.RecordHubSync(trigger, "advanced")
	} else {
		metrics.RecordHubSync(trigger, "current")
	}
	return nil
}
