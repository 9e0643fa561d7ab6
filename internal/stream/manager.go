// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stream owns the live side of a job's event log: accepting events
// from the producer, appending them to the durable store, and fanning them
// out to process-local subscribers.
//
// The store stays the system of record. Hubs only ever forward events that
// were appended, in seq order and without holes; when a hub notices it is
// behind (a gap, a bus notification, the follower poll) it catches up by
// reading the store, never another instance's memory.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/jobstream/internal/bus"
	"github.com/ManuGH/jobstream/internal/cache"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/lifecycle"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
	"github.com/ManuGH/jobstream/internal/telemetry"
)

// outboxDriver labels notifications dropped before they reach any bus.
const outboxDriver = "outbox"

var (
	// ErrOverrun ends a subscription whose queue filled up. The client
	// reconnects with its last seen seq and resumes from the store.
	ErrOverrun = errors.New("subscriber overrun")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("stream manager closed")
)

// Config tunes the manager. Zero values fall back to DefaultConfig.
type Config struct {
	QueueSize     int           // per-subscriber buffered events
	SyncBatch     int           // store read window for hub catch-up
	SweepInterval time.Duration // idle subscriber sweep
	PollInterval  time.Duration // follower store poll
	NotifyTimeout time.Duration // bus publish deadline
	NotifyQueue   int           // pending bus notifications before drops
	InstanceID    string        // identifies this process on the bus
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     64,
		SyncBatch:     100,
		SweepInterval: 30 * time.Second,
		PollInterval:  2 * time.Second,
		NotifyTimeout: time.Second,
		NotifyQueue:   256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.SyncBatch <= 0 {
		c.SyncBatch = d.SyncBatch
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.NotifyQueue <= 0 {
		c.NotifyQueue = d.NotifyQueue
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// Manager is the stream manager for one process instance.
type Manager struct {
	store   eventlog.Store
	cache   cache.Cache
	tracker *lifecycle.Tracker
	bus     bus.Bus
	cfg     Config
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool

	nextID atomic.Uint64
	sf     singleflight.Group

	// append notifications waiting for the publisher started by Run
	outbox chan bus.Notification

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	ready     chan struct{}
	readyOnce sync.Once

	overrunLog rate.Sometimes
	notifyLog  rate.Sometimes
}

// New creates a manager. c may be nil (no cache) and b may be nil (no
// cross-instance notifications; followers rely on polling).
func New(store eventlog.Store, c cache.Cache, b bus.Bus, cfg Config) *Manager {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	cfg = cfg.withDefaults()
	bgCtx, cancel := context.WithCancel(context.Background())
	var outbox chan bus.Notification
	if b != nil {
		outbox = make(chan bus.Notification, cfg.NotifyQueue)
	}
	return &Manager{
		store:   store,
		cache:   c,
		tracker: lifecycle.NewTracker(store),
		bus:     b,
		cfg:     cfg,
		logger: log.WithComponent("stream").With().
			Str(log.FieldInstanceID, cfg.InstanceID).Logger(),
		tracer:     telemetry.Tracer("jobstream/stream"),
		hubs:       make(map[string]*hub),
		outbox:     outbox,
		bgCtx:      bgCtx,
		bgCancel:   cancel,
		ready:      make(chan struct{}),
		overrunLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		notifyLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Ready is closed once Run has attached to the bus (or found none).
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// InstanceID identifies this manager on the bus.
func (m *Manager) InstanceID() string { return m.cfg.InstanceID }

// Store exposes the underlying event store.
func (m *Manager) Store() eventlog.Store { return m.store }

// CreateJob registers a new run. An empty id generates one.
func (m *Manager) CreateJob(ctx context.Context, jobID string) (eventlog.Job, error) {
	job, err := m.store.CreateJob(ctx, jobID)
	if err != nil {
		return eventlog.Job{}, err
	}
	m.logger.Info().
		Str(log.FieldEvent, "stream.job_created").
		Str(log.FieldJobID, job.JobID).
		Msg("job registered")
	return job, nil
}

// GetStatus returns the job record as the store currently holds it.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (eventlog.Job, error) {
	return m.tracker.GetStatus(ctx, jobID)
}

// Emit validates, appends and fans out one event. It returns once the event
// is durable; delivery to subscribers never blocks it.
func (m *Manager) Emit(ctx context.Context, jobID string, typ eventlog.EventType, payload json.RawMessage) (ev eventlog.Event, err error) {
	ctx, span := m.tracer.Start(ctx, "stream.Emit",
		trace.WithAttributes(telemetry.EventAttributes(jobID, string(typ), 0)...))
	defer func() { telemetry.EndSpan(span, err, isRejection(err)) }()

	if !typ.Valid() {
		return eventlog.Event{}, fmt.Errorf("%w: unknown type %q", eventlog.ErrInvalidEvent, typ)
	}
	status, err := m.tracker.Decide(ctx, jobID, typ, payload)
	if err != nil {
		return eventlog.Event{}, err
	}
	ev, err = m.store.Append(ctx, eventlog.AppendRequest{
		JobID:   jobID,
		Type:    typ,
		Payload: payload,
		Status:  status,
	})
	if err != nil {
		if errors.Is(err, eventlog.ErrStoreUnavailable) {
			m.logger.Error().Err(err).
				Str(log.FieldEvent, "stream.append_failed").
				Str(log.FieldJobID, jobID).
				Str(log.FieldEventType, string(typ)).
				Msg("append failed")
		}
		return eventlog.Event{}, err
	}
	span.SetAttributes(telemetry.EventAttributes(jobID, string(typ), ev.Seq)...)

	if status != "" {
		m.logger.Debug().
			Str(log.FieldEvent, "stream.status_changed").
			Str(log.FieldJobID, jobID).
			Str(log.FieldNewStatus, string(status)).
			Uint64(log.FieldSeq, ev.Seq).
			Msg("job status changed")
	}

	m.cache.Push(ev)
	m.fanOut(ev)
	m.notify(ev)
	return ev, nil
}

// EmitJSON marshals v and emits it as the payload.
func (m *Manager) EmitJSON(ctx context.Context, jobID string, typ eventlog.EventType, v any) (eventlog.Event, error) {
	payload, err := marshalPayload(v)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("%w: %v", eventlog.ErrInvalidEvent, err)
	}
	return m.Emit(ctx, jobID, typ, payload)
}

// Fail maps a producer-side failure to the terminal failed status.
func (m *Manager) Fail(ctx context.Context, jobID string, cause error) (eventlog.Event, error) {
	msg := "job failed"
	if cause != nil {
		msg = cause.Error()
	}
	return m.EmitJSON(ctx, jobID, eventlog.TypeDone, failPayload{
		Status: eventlog.StatusFailed,
		Error:  msg,
	})
}

type failPayload struct {
	Status eventlog.JobStatus `json:"status"`
	Error  string             `json:"error"`
}

func isRejection(err error) bool {
	return err != nil && !errors.Is(err, eventlog.ErrStoreUnavailable)
}

// fanOut hands a freshly appended event to the local hub, if any. A gap
// means an earlier event has not reached the hub yet (concurrent emits, or a
// hub created after the fact), so the hub catches up from the store.
func (m *Manager) fanOut(ev eventlog.Event) {
	h := m.lookupHub(ev.JobID)
	if h == nil {
		return
	}
	h.markProducer()
	res := h.deliver([]eventlog.Event{ev})
	m.afterDeliver(h, res)
	if res.gap {
		m.syncAsync(ev.JobID, ev.Seq, "gap")
	}
}

func (m *Manager) afterDeliver(h *hub, res deliverResult) {
	metrics.AddDelivered(res.sends)
	for _, sub := range res.overruns {
		metrics.IncOverrun()
		m.overrunLog.Do(func() {
			m.logger.Warn().
				Str(log.FieldEvent, "stream.subscriber_overrun").
				Str(log.FieldJobID, h.jobID).
				Uint64(log.FieldSubscriberID, sub.id).
				Int("queue_size", m.cfg.QueueSize).
				Msg("subscriber fell behind, disconnecting")
		})
	}
}

// notify queues an append notification for other instances. It never
// blocks the producer: with the outbox full the notification is dropped and
// followers learn about the append from their poll.
func (m *Manager) notify(ev eventlog.Event) {
	if m.outbox == nil {
		return
	}
	n := bus.Notification{
		JobID:  ev.JobID,
		Seq:    ev.Seq,
		Origin: m.cfg.InstanceID,
	}
	select {
	case m.outbox <- n:
	default:
		metrics.IncBusDropReason(outboxDriver, "full")
		m.notifyLog.Do(func() {
			m.logger.Warn().
				Str(log.FieldEvent, "stream.notify_dropped").
				Str(log.FieldJobID, ev.JobID).
				Uint64(log.FieldSeq, ev.Seq).
				Int("queue_size", m.cfg.NotifyQueue).
				Msg("notification outbox full, followers fall back to polling")
		})
	}
}

// publishOutbox hands queued notifications to the bus until ctx ends or the
// manager is closed.
func (m *Manager) publishOutbox(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.bgCtx, cancel)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.outbox:
			m.publish(ctx, n)
		}
	}
}

func (m *Manager) publish(ctx context.Context, n bus.Notification) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.NotifyTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, n); err != nil {
		m.notifyLog.Do(func() {
			m.logger.Warn().Err(err).
				Str(log.FieldEvent, "stream.notify_failed").
				Str(log.FieldJobID, n.JobID).
				Msg("append notification not published, followers fall back to polling")
		})
	}
}

// Subscribe registers a live subscriber for events with seq > afterSeq.
// Events appended before the call may or may not be delivered; callers close
// that window by reading the store after subscribing.
//
// A hub is shared by every subscriber of the job, so a new one starts at
// the lower of afterSeq and the last seq the store confirms. A cursor ahead
// of the log only filters what its own subscriber receives.
func (m *Manager) Subscribe(ctx context.Context, jobID string, afterSeq uint64) (*Subscriber, error) {
	var start uint64
	if m.lookupHub(jobID) == nil {
		start = m.confirmedWatermark(ctx, jobID, afterSeq)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	h, ok := m.hubs[jobID]
	if !ok {
		h = newHub(jobID, start)
		m.hubs[jobID] = h
	}
	sub := &Subscriber{
		id:    m.nextID.Add(1),
		jobID: jobID,
		ctx:   ctx,
		ch:    make(chan eventlog.Event, m.cfg.QueueSize),
		after: afterSeq,
		hub:   h,
	}
	h.mu.Lock()
	h.addLocked(sub)
	behind := h.lastSeq < afterSeq
	h.mu.Unlock()
	m.mu.Unlock()

	if behind {
		// the subscriber has already seen more than this hub forwarded
		m.syncAsync(jobID, afterSeq, "subscribe")
	}
	m.logger.Debug().
		Str(log.FieldEvent, "stream.subscribed").
		Str(log.FieldJobID, jobID).
		Uint64(log.FieldSubscriberID, sub.id).
		Uint64(log.FieldCursor, afterSeq).
		Msg("subscriber registered")
	return sub, nil
}

// confirmedWatermark is where a new hub for jobID may start: afterSeq
// capped at the job's last stored seq. Anything the store cannot confirm,
// including an unknown job, starts the hub at 0 and leaves the rest to
// catch-up.
func (m *Manager) confirmedWatermark(ctx context.Context, jobID string, afterSeq uint64) uint64 {
	if afterSeq == 0 {
		return 0
	}
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return 0
	}
	return min(afterSeq, job.LastSeq)
}

// Unsubscribe removes the subscriber and closes its channel. It is safe to
// call more than once.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	if sub == nil || sub.hub == nil {
		return
	}
	if sub.hub.remove(sub) {
		m.logger.Debug().
			Str(log.FieldEvent, "stream.unsubscribed").
			Str(log.FieldJobID, sub.jobID).
			Uint64(log.FieldSubscriberID, sub.id).
			Msg("subscriber removed")
	}
}

// ReadAfter returns up to limit events with seq > afterSeq, from the recent
// cache when it covers the range and from the store for the remainder.
func (m *Manager) ReadAfter(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]eventlog.Event, error) {
	if limit <= 0 || limit > eventlog.MaxReadLimit {
		limit = eventlog.MaxReadLimit
	}

	out, ok := m.cache.After(jobID, afterSeq, limit)
	switch {
	case !ok:
		metrics.RecordCacheLookup("miss")
	case len(out) == 0:
		metrics.RecordCacheLookup("miss")
	case len(out) == limit:
		metrics.RecordCacheLookup("hit")
		return out, nil
	default:
		metrics.RecordCacheLookup("partial")
	}

	next := afterSeq
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	rest, err := m.store.Read(ctx, jobID, next, limit-len(out))
	if err != nil {
		if len(out) > 0 {
			// still a correct prefix; the caller reads again from its end
			return out, nil
		}
		return nil, err
	}
	return append(out, rest...), nil
}

func (m *Manager) lookupHub(jobID string) *hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[jobID]
}

// HubCount returns the number of jobs with a local hub.
func (m *Manager) HubCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// SubscriberCount returns the number of live subscribers for a job.
func (m *Manager) SubscriberCount(jobID string) int {
	h := m.lookupHub(jobID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops background syncs and closes every subscriber channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, h := range m.hubs {
		h.mu.Lock()
		h.closeAllLocked()
		metrics.ActiveHubs.WithLabelValues(h.role()).Dec()
		h.mu.Unlock()
		delete(m.hubs, id)
	}
	m.mu.Unlock()

	m.bgCancel()
	m.wg.Wait()
	return nil
}
