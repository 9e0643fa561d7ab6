// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"encoding/json"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// JobReader is the slice of the store the tracker needs.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (eventlog.Job, error)
}

// Tracker answers status queries and validates lifecycle events before
// they are appended. The job record it reads is updated by the store in
// the same atomic unit as the event, so a status is never ahead of the log.
type Tracker struct {
	jobs JobReader
}

// NewTracker creates a tracker over the given store.
func NewTracker(jobs JobReader) *Tracker {
	return &Tracker{jobs: jobs}
}

// GetStatus returns the job record (status, last seq). Unknown jobs yield
// eventlog.ErrJobNotFound, which is how callers tell "never existed" from
// "no events yet".
func (t *Tracker) GetStatus(ctx context.Context, jobID string) (eventlog.Job, error) {
	return t.jobs.GetJob(ctx, jobID)
}

// Decide returns the status to store alongside the event, or "" when the
// event leaves the status unchanged. Only lifecycle-carrying events cost a
// job read; the store enforces terminal rejection for the rest.
func (t *Tracker) Decide(ctx context.Context, jobID string, typ eventlog.EventType, payload json.RawMessage) (eventlog.JobStatus, error) {
	to, carries, err := Target(typ, payload)
	if err != nil || !carries {
		return "", err
	}
	job, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if err := Check(job.Status, to); err != nil {
		return "", err
	}
	return to, nil
}
