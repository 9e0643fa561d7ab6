// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package replay implements the attach protocol for one client connection:
// catch up from the durable log starting at the client's cursor, hand over
// to live delivery without a gap, and close with a done frame once the job
// is terminal.
//
// Delivery to a client is at-least-once across reconnects and exactly-once
// within a session: the session drops every event whose seq is not above
// the cursor it already delivered, including the overlap at the catch-up to
// live handoff. Clients still resume by seq, so a reconnect never needs
// server-side state.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/lifecycle"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
	"github.com/ManuGH/jobstream/internal/stream"
	"github.com/ManuGH/jobstream/internal/telemetry"
)

// ErrSubscriptionClosed is returned when the manager ended the live
// subscription for a reason other than overrun (shutdown).
var ErrSubscriptionClosed = errors.New("live subscription closed")

// ErrCursorAhead is returned when a client resumes from a seq the job has
// not reached yet.
var ErrCursorAhead = errors.New("cursor beyond the job's last event")

// Source is what a session needs from the stream manager.
type Source interface {
	GetStatus(ctx context.Context, jobID string) (eventlog.Job, error)
	ReadAfter(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]eventlog.Event, error)
	Subscribe(ctx context.Context, jobID string, afterSeq uint64) (*stream.Subscriber, error)
	Unsubscribe(sub *stream.Subscriber)
}

// State of a session.
type State string

const (
	StateCatchingUp   State = "catching_up"
	StateLive         State = "live"
	StateTerminal     State = "terminal"
	StateDisconnected State = "disconnected"
)

// Config tunes a session.
type Config struct {
	BatchSize         int
	HeartbeatInterval time.Duration
	Transport         string // sse, ws; used for metrics and logs
}

const (
	DefaultBatchSize         = 100
	DefaultHeartbeatInterval = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchSize > eventlog.MaxReadLimit {
		c.BatchSize = eventlog.MaxReadLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Transport == "" {
		c.Transport = "unknown"
	}
	return c
}

// Session streams one job to one client.
type Session struct {
	src    Source
	sink   Sink
	cfg    Config
	jobID  string
	cursor uint64
	state  State

	// set once the event that made the job terminal was delivered
	final eventlog.JobStatus

	logger zerolog.Logger
}

// NewSession prepares a session resuming after cursor (0 = from the start).
func NewSession(src Source, sink Sink, jobID string, cursor uint64, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		src:    src,
		sink:   sink,
		cfg:    cfg,
		jobID:  jobID,
		cursor: cursor,
		state:  StateCatchingUp,
		logger: log.WithComponent("replay").With().
			Str(log.FieldJobID, jobID).
			Str(log.FieldTransport, cfg.Transport).
			Logger(),
	}
}

// Cursor is the seq of the last event written to the sink.
func (s *Session) Cursor() uint64 { return s.cursor }

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// Run drives the session until the job is terminal (nil after the done
// frame), the client goes away (ctx error or sink error), or the live
// subscription overran (stream.ErrOverrun). An unknown job yields
// eventlog.ErrJobNotFound before anything is written to the sink.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, span := telemetry.Tracer("jobstream/replay").Start(ctx, "replay.Session",
		trace.WithAttributes(telemetry.StreamAttributes(s.jobID, s.cfg.Transport, s.cursor)...))
	defer func() { telemetry.EndSpan(span, err, !errors.Is(err, eventlog.ErrStoreUnavailable)) }()

	job, err := s.src.GetStatus(ctx, s.jobID)
	if err != nil {
		return err
	}
	if s.cursor > job.LastSeq {
		return fmt.Errorf("%w: cursor %d, last seq %d", ErrCursorAhead, s.cursor, job.LastSeq)
	}

	gauge := metrics.ReplaySessions.WithLabelValues(s.cfg.Transport)
	gauge.Inc()
	start := time.Now()
	s.logger.Debug().
		Str(log.FieldEvent, "replay.attached").
		Uint64(log.FieldCursor, s.cursor).
		Msg("client attached")
	defer func() {
		gauge.Dec()
		if s.state != StateTerminal {
			s.state = StateDisconnected
		}
		reason := endReason(ctx, err)
		metrics.RecordReplayEnd(s.cfg.Transport, reason)
		s.logger.Debug().
			Str(log.FieldEvent, "replay.detached").
			Str("reason", reason).
			Uint64(log.FieldCursor, s.cursor).
			Dur("duration", time.Since(start)).
			Msg("client detached")
	}()

	done, err := s.catchUp(ctx)
	if err != nil || done {
		return err
	}
	return s.live(ctx)
}

// catchUp drains the log from the cursor. It reports done once the closing
// frame was sent.
func (s *Session) catchUp(ctx context.Context) (bool, error) {
	for {
		if err := s.drain(ctx, "catchup"); err != nil {
			return false, err
		}
		if s.final != "" {
			return true, s.finish(s.final)
		}
		job, err := s.src.GetStatus(ctx, s.jobID)
		if err != nil {
			return false, err
		}
		if !job.Status.IsTerminal() {
			return false, nil
		}
		if s.cursor >= job.LastSeq {
			// resumed past the terminal event
			return true, s.finish(job.Status)
		}
		// the job finished while we were reading; drain the rest
	}
}

func (s *Session) live(ctx context.Context) error {
	sub, err := s.src.Subscribe(ctx, s.jobID, s.cursor)
	if err != nil {
		return err
	}
	defer s.src.Unsubscribe(sub)

	// Events appended between the last read and the registration are only
	// in the store.
	if err := s.drain(ctx, "catchup"); err != nil {
		return err
	}
	if s.final != "" {
		return s.finish(s.final)
	}

	s.state = StateLive
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ErrSubscriptionClosed
			}
			if ev.Seq <= s.cursor {
				continue
			}
			if ev.Seq != s.cursor+1 {
				// the store has what the hub skipped for us
				if err := s.drain(ctx, "live"); err != nil {
					return err
				}
				if ev.Seq <= s.cursor {
					if s.final != "" {
						return s.finish(s.final)
					}
					continue
				}
			}
			if err := s.send(ev, "live"); err != nil {
				return err
			}
			if err := s.sink.Flush(); err != nil {
				return err
			}
			if s.final != "" {
				return s.finish(s.final)
			}

		case now := <-heartbeat.C:
			if err := s.sink.Heartbeat(HeartbeatFrame{TS: now.UTC()}); err != nil {
				return err
			}
			if err := s.sink.Flush(); err != nil {
				return err
			}
			metrics.IncFrame("heartbeat")
		}
	}
}

// drain reads windows from the cursor until a short batch, writing every
// event above the cursor.
func (s *Session) drain(ctx context.Context, phase string) error {
	for {
		batch, err := s.src.ReadAfter(ctx, s.jobID, s.cursor, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			if ev.Seq <= s.cursor {
				continue
			}
			if ev.Seq != s.cursor+1 {
				return fmt.Errorf("replay %s: expected seq %d, store returned %d", s.jobID, s.cursor+1, ev.Seq)
			}
			if err := s.send(ev, phase); err != nil {
				return err
			}
			if s.final != "" {
				return s.sink.Flush()
			}
		}
		if len(batch) > 0 {
			if err := s.sink.Flush(); err != nil {
				return err
			}
		}
		if len(batch) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Session) send(ev eventlog.Event, phase string) error {
	if err := s.sink.Event(ev); err != nil {
		return err
	}
	s.cursor = ev.Seq
	metrics.IncFrame(phase)
	if status, carries, err := lifecycle.Target(ev.Type, ev.Payload); err == nil && carries && status.IsTerminal() {
		s.final = status
	}
	return nil
}

func (s *Session) finish(status eventlog.JobStatus) error {
	s.state = StateTerminal
	if err := s.sink.Done(DoneFrame{JobID: s.jobID, Status: status, LastSeq: s.cursor}); err != nil {
		return err
	}
	metrics.IncFrame("done")
	return s.sink.Flush()
}

func endReason(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, stream.ErrOverrun):
		return "overrun"
	case ctx.Err() != nil:
		return "client_gone"
	case errors.Is(err, eventlog.ErrStoreUnavailable), errors.Is(err, ErrSubscriptionClosed):
		return "error"
	default:
		return "client_gone"
	}
}
