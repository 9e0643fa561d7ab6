// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"sync"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/lifecycle"
	"github.com/ManuGH/jobstream/internal/metrics"
)

const (
	roleFollower = "follower"
	roleProducer = "producer"
)

// hub is the per-job fan-out point. lastSeq is the highest seq handed to
// subscribers; events are only ever fanned out as lastSeq+1, so every
// subscriber sees a contiguous run.
type hub struct {
	jobID string

	mu       sync.Mutex
	lastSeq  uint64
	subs     map[uint64]*Subscriber
	terminal bool
	producer bool
}

func newHub(jobID string, lastSeq uint64) *hub {
	metrics.ActiveHubs.WithLabelValues(roleFollower).Inc()
	return &hub{
		jobID:   jobID,
		lastSeq: lastSeq,
		subs:    make(map[uint64]*Subscriber),
	}
}

type deliverResult struct {
	advanced int
	sends    int
	gap      bool
	overruns []*Subscriber
}

// deliver fans out the contiguous prefix of evs that follows lastSeq. Sends
// never block: a full queue marks the subscriber overrun and removes it.
func (h *hub) deliver(evs []eventlog.Event) deliverResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	var res deliverResult
	for _, ev := range evs {
		if ev.Seq <= h.lastSeq {
			continue
		}
		if ev.Seq != h.lastSeq+1 {
			res.gap = true
			break
		}
		h.lastSeq = ev.Seq
		res.advanced++
		if isTerminalEvent(ev) {
			h.terminal = true
		}
		for _, sub := range h.subs {
			if ev.Seq <= sub.after {
				continue
			}
			select {
			case sub.ch <- ev:
				res.sends++
			default:
				sub.overrun.Store(true)
				h.removeLocked(sub)
				res.overruns = append(res.overruns, sub)
			}
		}
	}
	return res
}

func (h *hub) watermark() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq
}

// markProducer records that events for this job are emitted locally; the
// poll loop skips such hubs.
func (h *hub) markProducer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.producer {
		return
	}
	h.producer = true
	metrics.ActiveHubs.WithLabelValues(roleFollower).Dec()
	metrics.ActiveHubs.WithLabelValues(roleProducer).Inc()
}

func (h *hub) role() string {
	if h.producer {
		return roleProducer
	}
	return roleFollower
}

// needsPoll reports whether the follower poll should sync this hub.
func (h *hub) needsPoll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.producer && !h.terminal && len(h.subs) > 0
}

func (h *hub) addLocked(sub *Subscriber) {
	h.subs[sub.id] = sub
	metrics.ActiveSubscribers.Inc()
}

func (h *hub) removeLocked(sub *Subscriber) bool {
	if sub.closed {
		return false
	}
	sub.closed = true
	close(sub.ch)
	delete(h.subs, sub.id)
	metrics.ActiveSubscribers.Dec()
	return true
}

func (h *hub) remove(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(sub)
}

// sweepLocked drops subscribers whose context has ended and reports how many
// were removed.
func (h *hub) sweepLocked() int {
	n := 0
	for _, sub := range h.subs {
		if sub.ctx.Err() != nil && h.removeLocked(sub) {
			n++
		}
	}
	return n
}

func (h *hub) closeAllLocked() {
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
}

// isTerminalEvent reports whether ev moved its job into a terminal status.
func isTerminalEvent(ev eventlog.Event) bool {
	status, carries, err := lifecycle.Target(ev.Type, ev.Payload)
	return err == nil && carries && status.IsTerminal()
}
