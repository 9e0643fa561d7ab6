// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"sync/atomic"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// Subscriber is a process-local live registration for one job. Events are
// delivered on C in strictly increasing seq order. The channel is closed when
// the subscriber is removed: by Unsubscribe, by the sweep, by Manager.Close,
// or because the queue overran.
type Subscriber struct {
	id    uint64
	jobID string
	ctx   context.Context
	ch    chan eventlog.Event
	// events at or below after are never delivered
	after uint64

	// guarded by the owning hub's mutex
	closed bool

	overrun atomic.Bool
	hub     *hub
}

// ID is unique within the manager.
func (s *Subscriber) ID() uint64 { return s.id }

// JobID is the job this subscriber follows.
func (s *Subscriber) JobID() string { return s.jobID }

// C returns the delivery channel.
func (s *Subscriber) C() <-chan eventlog.Event { return s.ch }

// Overrun reports whether the channel was closed because the subscriber fell
// behind. The client should reconnect with its last seen seq.
func (s *Subscriber) Overrun() bool { return s.overrun.Load() }

// Err returns ErrOverrun after an overrun, nil otherwise.
func (s *Subscriber) Err() error {
	if s.overrun.Load() {
		return ErrOverrun
	}
	return nil
}
