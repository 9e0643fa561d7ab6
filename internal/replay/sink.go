// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package replay

import (
	"time"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// DoneFrame is the closing record of a stream.
type DoneFrame struct {
	JobID   string             `json:"job_id"`
	Status  eventlog.JobStatus `json:"status"`
	LastSeq uint64             `json:"last_seq"`
}

// HeartbeatFrame keeps intermediaries from buffering and lets the client
// detect a dead connection.
type HeartbeatFrame struct {
	TS time.Time `json:"ts"`
}

// Sink is a client connection as the session sees it. Any error means the
// client is gone; the session stops without further writes.
type Sink interface {
	Event(ev eventlog.Event) error
	Heartbeat(f HeartbeatFrame) error
	Done(f DoneFrame) error
	Flush() error
}
