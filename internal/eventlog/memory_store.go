// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not shared across processes.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	events map[string][]Event

	// failAppend, when set, simulates an I/O failure for tests.
	failAppend error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		events: make(map[string][]Event),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, jobID string) (Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; ok {
		return Job{}, ErrJobExists
	}
	job := &Job{JobID: jobID, Status: StatusStarted, CreatedAt: now, UpdatedAt: now}
	m.jobs[jobID] = job
	return *job, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

func (m *MemoryStore) Append(_ context.Context, req AppendRequest) (Event, error) {
	now := time.Now().UTC()
	if err := req.Normalize(now); err != nil {
		return Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return Event{}, unavailable("memory append", m.failAppend)
	}
	job, ok := m.jobs[req.JobID]
	if !ok {
		return Event{}, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return Event{}, ErrJobTerminal
	}

	job.LastSeq++
	ev := req.event(job.LastSeq)
	m.events[req.JobID] = append(m.events[req.JobID], ev)
	if req.Status != "" {
		job.Status = req.Status
	}
	job.UpdatedAt = now
	return ev, nil
}

func (m *MemoryStore) Read(_ context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.events[jobID]
	// seq is gapless from 1, so seq n lives at index n-1.
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })
	if start >= len(log) {
		return []Event{}, nil
	}
	end := start + limit
	if end > len(log) {
		end = len(log)
	}
	out := make([]Event, end-start)
	copy(out, log[start:end])
	return out, nil
}

// SetAppendFailure makes subsequent appends fail with ErrStoreUnavailable
// (nil restores normal behaviour).
func (m *MemoryStore) SetAppendFailure(err error) {
	m.mu.Lock()
	m.failAppend = err
	m.mu.Unlock()
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
