// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/jobstream/internal/metrics"
)

// instrumentedStore wraps any Store to capture metrics.
type instrumentedStore struct {
	inner   Store
	backend string
}

// NewInstrumentedStore decorates inner with per-operation counters and
// latency histograms labeled by backend.
func NewInstrumentedStore(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	metrics.ObserveStoreOp(i.backend, op, resultLabel(err), time.Since(start))
}

// resultLabel separates domain rejections from I/O failures.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStoreUnavailable):
		return "error"
	default:
		return "rejected"
	}
}

func (i *instrumentedStore) CreateJob(ctx context.Context, jobID string) (job Job, err error) {
	start := time.Now()
	defer func() { i.observe("create_job", start, err) }()
	return i.inner.CreateJob(ctx, jobID)
}

func (i *instrumentedStore) GetJob(ctx context.Context, jobID string) (job Job, err error) {
	start := time.Now()
	defer func() { i.observe("get_job", start, err) }()
	return i.inner.GetJob(ctx, jobID)
}

func (i *instrumentedStore) Append(ctx context.Context, req AppendRequest) (ev Event, err error) {
	start := time.Now()
	defer func() {
		i.observe("append", start, err)
		if err == nil {
			metrics.IncEventsAppended(string(ev.Type))
		}
	}()
	return i.inner.Append(ctx, req)
}

func (i *instrumentedStore) Read(ctx context.Context, jobID string, afterSeq uint64, limit int) (evs []Event, err error) {
	start := time.Now()
	defer func() { i.observe("read", start, err) }()
	return i.inner.Read(ctx, jobID, afterSeq, limit)
}

func (i *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { i.observe("ping", start, err) }()
	return i.inner.Ping(ctx)
}

func (i *instrumentedStore) Close() error { return i.inner.Close() }
