// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lifecycle derives a job's status from its own lifecycle events.
//
// Only two event types carry lifecycle information:
//   - status: payload {"status": "<started|running|completed|failed|canceled>"}
//   - done:   payload {"status": "<terminal status>"}, status defaults to completed
//
// Every other type leaves the status untouched.
package lifecycle

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

type statusPayload struct {
	Status eventlog.JobStatus `json:"status"`
}

// Target extracts the status an event announces. carries is false for
// event types that do not affect the lifecycle.
func Target(t eventlog.EventType, payload []byte) (status eventlog.JobStatus, carries bool, err error) {
	switch t {
	case eventlog.TypeStatus, eventlog.TypeDone:
	default:
		return "", false, nil
	}

	var p statusPayload
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return "", true, fmt.Errorf("%w: %s payload: %v", eventlog.ErrInvalidEvent, t, err)
		}
	}

	if t == eventlog.TypeDone {
		if p.Status == "" {
			p.Status = eventlog.StatusCompleted
		}
		if !p.Status.IsTerminal() {
			return "", true, fmt.Errorf("%w: done must carry a terminal status, got %q", eventlog.ErrInvalidEvent, p.Status)
		}
		return p.Status, true, nil
	}

	if p.Status == "" {
		return "", true, fmt.Errorf("%w: status event without status", eventlog.ErrInvalidEvent)
	}
	if !p.Status.Valid() {
		return "", true, fmt.Errorf("%w: unknown status %q", eventlog.ErrInvalidEvent, p.Status)
	}
	return p.Status, true, nil
}

// Check validates from -> to against the decision table.
func Check(from, to eventlog.JobStatus) error {
	d, ok := DecisionFor(from, to)
	if !ok {
		return &TransitionError{From: from, To: to, Reason: ForbiddenUnknownStatus}
	}
	if !d.Allowed {
		return &TransitionError{From: from, To: to, Reason: d.Reason}
	}
	return nil
}

// Project returns the status the job will have after the event is appended.
// For events that carry no lifecycle information it returns "" and nil; a
// terminal job still rejects them with eventlog.ErrJobTerminal.
func Project(current eventlog.JobStatus, t eventlog.EventType, payload []byte) (eventlog.JobStatus, error) {
	to, carries, err := Target(t, payload)
	if err != nil {
		return "", err
	}
	if !carries {
		if current.IsTerminal() {
			return "", eventlog.ErrJobTerminal
		}
		return "", nil
	}
	if err := Check(current, to); err != nil {
		return "", err
	}
	return to, nil
}
