// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable classifies any I/O failure of the underlying store.
	// Producers must treat it as a hard error (retry or fail the job).
	ErrStoreUnavailable = errors.New("event store unavailable")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	// ErrJobTerminal is returned for appends to a job that already reached
	// completed, failed or canceled.
	ErrJobTerminal  = errors.New("job is terminal")
	ErrInvalidEvent = errors.New("invalid event")
)

// EventType is the closed set of event tags.
type EventType string

const (
	TypeStatus     EventType = "status"
	TypeProgress   EventType = "progress"
	TypeInsight    EventType = "insight"
	TypeMetric     EventType = "metric"
	TypeValidation EventType = "validation"
	TypeError      EventType = "error"
	TypeHeartbeat  EventType = "heartbeat"
	TypeDone       EventType = "done"
)

var knownTypes = map[EventType]struct{}{
	TypeStatus:     {},
	TypeProgress:   {},
	TypeInsight:    {},
	TypeMetric:     {},
	TypeValidation: {},
	TypeError:      {},
	TypeHeartbeat:  {},
	TypeDone:       {},
}

// Valid reports whether t belongs to the closed tag set.
func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// JobStatus is the lifecycle projection of a job.
type JobStatus string

const (
	StatusStarted   JobStatus = "started"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further events are accepted in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusStarted, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job is the persisted record of one pipeline run.
type Job struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	LastSeq   uint64    `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one immutable, ordered record of a job's log.
type Event struct {
	JobID   string          `json:"job_id"`
	Seq     uint64          `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"ts"`
}

// AppendRequest is what a producer hands to the store. Seq is never part of
// it: the store assigns it.
type AppendRequest struct {
	JobID   string
	Type    EventType
	Payload json.RawMessage
	TS      time.Time
	// Status, when set, is applied to the job record in the same atomic
	// unit as the event insert.
	Status JobStatus
}

// Normalize validates the request and fills defaults (empty payload becomes
// an empty object, zero TS becomes now). Payloads are stored compacted.
func (r *AppendRequest) Normalize(now time.Time) error {
	if r.JobID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidEvent)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, r.Type)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, r.Status)
	}
	trimmed := bytes.TrimSpace(r.Payload)
	if len(trimmed) == 0 {
		r.Payload = json.RawMessage("{}")
	} else {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEvent)
		}
		r.Payload = json.RawMessage(buf.Bytes())
	}
	if r.TS.IsZero() {
		r.TS = now
	}
	// Stores persist millisecond precision; normalizing here keeps the
	// returned event identical to what a later Read yields.
	r.TS = r.TS.UTC().Truncate(time.Millisecond)
	return nil
}

// event builds the stored event from a normalized request.
func (r AppendRequest) event(seq uint64) Event {
	return Event{
		JobID:   r.JobID,
		Seq:     seq,
		Type:    r.Type,
		Payload: r.Payload,
		TS:      r.TS,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
