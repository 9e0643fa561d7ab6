// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package export writes a job's event history to disk as JSON lines.
package export

import (
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/google/renameio/v2"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/log"
)

// Source is the read side of the event log. *stream.Manager satisfies it.
type Source interface {
	GetStatus(ctx context.Context, jobID string) (eventlog.Job, error)
	ReadAfter(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]eventlog.Event, error)
}

// FromStore reads directly from a store, for offline exports with no
// daemon running.
func FromStore(s eventlog.Store) Source { return storeSource{s} }

type storeSource struct{ s eventlog.Store }

func (s storeSource) GetStatus(ctx context.Context, jobID string) (eventlog.Job, error) {
	return s.s.GetJob(ctx, jobID)
}

func (s storeSource) ReadAfter(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]eventlog.Event, error) {
	return s.s.Read(ctx, jobID, afterSeq, limit)
}

// Summary describes what an export wrote.
type Summary struct {
	Job    eventlog.Job
	Events int
}

// WriteJSONL streams every event up to the job's last_seq at call time to w,
// one JSON object per line. Events appended while the export runs are not
// included, so the output always matches the returned job record.
func WriteJSONL(ctx context.Context, src Source, jobID string, w io.Writer) (Summary, error) {
	job, err := src.GetStatus(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Job: job}
	enc := json.NewEncoder(w)
	var cursor uint64
	for cursor < job.LastSeq {
		batch, err := src.ReadAfter(ctx, jobID, cursor, eventlog.MaxReadLimit)
		if err != nil {
			return sum, fmt.Errorf("read after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return sum, fmt.Errorf("event log ends at seq %d, job reports last_seq %d", cursor, job.LastSeq)
		}
		for _, ev := range batch {
			if ev.Seq > job.LastSeq {
				return sum, nil
			}
			if err := enc.Encode(ev); err != nil {
				return sum, fmt.Errorf("encode seq %d: %w", ev.Seq, err)
			}
			sum.Events++
			cursor = ev.Seq
		}
	}
	return sum, nil
}

// ToFile writes the export to path atomically: readers see either the
// previous file or the complete new one.
func ToFile(ctx context.Context, src Source, jobID, path string) (Summary, error) {
	logger := log.WithComponentFromContext(ctx, "export")

	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("create pending export file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending export file")
		}
	}()

	sum, err := WriteJSONL(ctx, src, jobID, pendingFile)
	if err != nil {
		return sum, err
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return sum, fmt.Errorf("atomically replace export file: %w", err)
	}

	logger.Info().
		Str(log.FieldEvent, "export.written").
		Str(log.FieldJobID, jobID).
		Uint64(log.FieldSeq, sum.Job.LastSeq).
		Int("events", sum.Events).
		Str("path", path).
		Msg("job history exported")
	return sum, nil
}
