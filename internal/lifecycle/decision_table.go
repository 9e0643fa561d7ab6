// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import "github.com/ManuGH/jobstream/internal/eventlog"

const (
	ForbiddenTerminalAbsorbing = "terminal_absorbing"
	ForbiddenOutOfOrder        = "out_of_order"
	ForbiddenUnknownStatus     = "unknown_status"
)

// Decision records whether a transition is allowed and why it is forbidden.
type Decision struct {
	Allowed bool
	Reason  string
}

func allowed() Decision        { return Decision{Allowed: true} }
func forbid(r string) Decision { return Decision{Allowed: false, Reason: r} }

// Statuses lists every job status in lifecycle order.
var Statuses = []eventlog.JobStatus{
	eventlog.StatusStarted,
	eventlog.StatusRunning,
	eventlog.StatusCompleted,
	eventlog.StatusFailed,
	eventlog.StatusCanceled,
}

// decisionTable defines an explicit decision for every status×target.
// Re-announcing the current non-terminal status is allowed.
var decisionTable = map[eventlog.JobStatus]map[eventlog.JobStatus]Decision{
	eventlog.StatusStarted: {
		eventlog.StatusStarted:   allowed(),
		eventlog.StatusRunning:   allowed(),
		eventlog.StatusCompleted: allowed(),
		eventlog.StatusFailed:    allowed(),
		eventlog.StatusCanceled:  allowed(),
	},
	eventlog.StatusRunning: {
		eventlog.StatusStarted:   forbid(ForbiddenOutOfOrder),
		eventlog.StatusRunning:   allowed(),
		eventlog.StatusCompleted: allowed(),
		eventlog.StatusFailed:    allowed(),
		eventlog.StatusCanceled:  allowed(),
	},
	eventlog.StatusCompleted: {
		eventlog.StatusStarted:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusRunning:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCompleted: forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusFailed:    forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCanceled:  forbid(ForbiddenTerminalAbsorbing),
	},
	eventlog.StatusFailed: {
		eventlog.StatusStarted:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusRunning:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCompleted: forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusFailed:    forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCanceled:  forbid(ForbiddenTerminalAbsorbing),
	},
	eventlog.StatusCanceled: {
		eventlog.StatusStarted:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusRunning:   forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCompleted: forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusFailed:    forbid(ForbiddenTerminalAbsorbing),
		eventlog.StatusCanceled:  forbid(ForbiddenTerminalAbsorbing),
	},
}

// DecisionFor returns the explicit decision for from×to.
func DecisionFor(from, to eventlog.JobStatus) (Decision, bool) {
	m, ok := decisionTable[from]
	if !ok {
		return Decision{}, false
	}
	d, ok := m[to]
	return d, ok
}
