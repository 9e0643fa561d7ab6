// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/jobstream/internal/cache"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/metrics"
	"github.com/ManuGH/jobstream/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu         sync.Mutex
	events     []eventlog.Event
	heartbeats int
	done       *DoneFrame
	gate       chan struct{}
	failEvent  error
}

func (s *recordingSink) Event(ev eventlog.Event) error {
	s.mu.Lock()
	if s.failEvent != nil {
		s.mu.Unlock()
		return s.failEvent
	}
	s.events = append(s.events, ev)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (s *recordingSink) Heartbeat(HeartbeatFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *recordingSink) Done(f DoneFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = &f
	return nil
}

func (s *recordingSink) Flush() error { return nil }

func (s *recordingSink) snapshot() ([]eventlog.Event, *DoneFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Event(nil), s.events...), s.done
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newManager(t *testing.T, cfg stream.Config) *stream.Manager {
	t.Helper()
	c := cache.NewMemoryCache(16, 0, 0)
	m := stream.New(eventlog.NewMemoryStore(), c, nil, cfg)
	t.Cleanup(func() {
		_ = m.Close()
		cache.Stop(c)
	})
	return m
}

func emit(t *testing.T, m *stream.Manager, jobID string, typ eventlog.EventType, payload string) eventlog.Event {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	ev, err := m.Emit(context.Background(), jobID, typ, raw)
	require.NoError(t, err)
	return ev
}

type runResult struct {
	sink *recordingSink
	err  chan error
}

func start(ctx context.Context, m *stream.Manager, jobID string, cursor uint64, cfg Config) runResult {
	r := runResult{sink: &recordingSink{}, err: make(chan error, 1)}
	sess := NewSession(m, r.sink, jobID, cursor, cfg)
	go func() { r.err <- sess.Run(ctx) }()
	return r
}

func (r runResult) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.err:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func seqs(evs []eventlog.Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Seq
	}
	return out
}

func TestSession_J1Scenario(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(ctx, "J1")
	require.NoError(t, err)

	emit(t, m, "J1", eventlog.TypeProgress, `{"pct":10}`)
	emit(t, m, "J1", eventlog.TypeProgress, `{"pct":50}`)

	// attaches after the second event, no cursor
	first := start(ctx, m, "J1", 0, Config{Transport: "test"})
	require.Eventually(t, func() bool { return first.sink.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	emit(t, m, "J1", eventlog.TypeInsight, `{"text":"x"}`)
	emit(t, m, "J1", eventlog.TypeProgress, `{"pct":100}`)
	emit(t, m, "J1", eventlog.TypeDone, "")

	require.NoError(t, first.wait(t))
	firstEvents, firstDone := first.sink.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs(firstEvents))
	require.NotNil(t, firstDone)
	assert.Equal(t, DoneFrame{JobID: "J1", Status: eventlog.StatusCompleted, LastSeq: 5}, *firstDone)

	// attaches after all five with cursor 0
	second := start(ctx, m, "J1", 0, Config{Transport: "test"})
	require.NoError(t, second.wait(t))
	secondEvents, secondDone := second.sink.snapshot()
	if diff := cmp.Diff(firstEvents, secondEvents); diff != "" {
		t.Errorf("late client saw a different history (-live +late):\n%s", diff)
	}
	assert.Equal(t, firstDone, secondDone)

	// saw the first three, reconnects with cursor 3
	third := start(ctx, m, "J1", 3, Config{Transport: "test"})
	require.NoError(t, third.wait(t))
	thirdEvents, thirdDone := third.sink.snapshot()
	assert.Equal(t, []uint64{4, 5}, seqs(thirdEvents))
	assert.Equal(t, eventlog.TypeDone, thirdEvents[1].Type)
	require.NotNil(t, thirdDone)
	assert.Equal(t, uint64(5), thirdDone.LastSeq)

	// already past the terminal event
	fourth := start(ctx, m, "J1", 5, Config{Transport: "test"})
	require.NoError(t, fourth.wait(t))
	fourthEvents, fourthDone := fourth.sink.snapshot()
	assert.Empty(t, fourthEvents)
	require.NotNil(t, fourthDone)
	assert.Equal(t, eventlog.StatusCompleted, fourthDone.Status)
}

func TestSession_UnknownJobWritesNothing(t *testing.T) {
	m := newManager(t, stream.Config{})
	sink := &recordingSink{}
	err := NewSession(m, sink, "nope", 0, Config{}).Run(context.Background())
	assert.ErrorIs(t, err, eventlog.ErrJobNotFound)

	events, done := sink.snapshot()
	assert.Empty(t, events)
	assert.Nil(t, done)
}

func TestSession_CursorAheadOfLogIsRejected(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(ctx, "short")
	require.NoError(t, err)
	emit(t, m, "short", eventlog.TypeProgress, `{"pct":10}`)
	emit(t, m, "short", eventlog.TypeProgress, `{"pct":20}`)

	for _, cursor := range []uint64{3, 100, 1 << 63} {
		sink := &recordingSink{}
		err := NewSession(m, sink, "short", cursor, Config{}).Run(ctx)
		assert.ErrorIs(t, err, ErrCursorAhead, "cursor %d", cursor)
		events, done := sink.snapshot()
		assert.Empty(t, events)
		assert.Nil(t, done)
	}
	assert.Equal(t, 0, m.HubCount())
}

func TestSession_BadCursorDoesNotStallOtherClients(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(ctx, "shared")
	require.NoError(t, err)
	emit(t, m, "shared", eventlog.TypeProgress, `{"pct":10}`)

	bad := start(ctx, m, "shared", 100, Config{Transport: "test"})
	assert.ErrorIs(t, bad.wait(t), ErrCursorAhead)

	good := start(ctx, m, "shared", 0, Config{Transport: "test"})
	require.Eventually(t, func() bool { return good.sink.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	emit(t, m, "shared", eventlog.TypeProgress, `{"pct":60}`)
	emit(t, m, "shared", eventlog.TypeDone, "")

	require.NoError(t, good.wait(t))
	events, done := good.sink.snapshot()
	assert.Equal(t, []uint64{1, 2, 3}, seqs(events))
	require.NotNil(t, done)
	assert.Equal(t, uint64(3), done.LastSeq)
}

func TestSession_JobWithoutEventsWaitsLive(t *testing.T) {
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(context.Background(), "quiet")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := start(ctx, m, "quiet", 0, Config{HeartbeatInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		r.sink.mu.Lock()
		defer r.sink.mu.Unlock()
		return r.sink.heartbeats >= 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, r.wait(t), context.Canceled)
	events, done := r.sink.snapshot()
	assert.Empty(t, events)
	assert.Nil(t, done)
	assert.Equal(t, 0, m.SubscriberCount("quiet"))
}

func TestSession_ConcurrentAttachSeesEveryEventOnce(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{QueueSize: 512})
	_, err := m.CreateJob(ctx, "busy")
	require.NoError(t, err)

	const total = 300
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i := 1; i < total; i++ {
			if _, err := m.Emit(ctx, "busy", eventlog.TypeProgress, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
				t.Errorf("emit: %v", err)
				return
			}
			if i%60 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		if _, err := m.Emit(ctx, "busy", eventlog.TypeDone, nil); err != nil {
			t.Errorf("emit done: %v", err)
		}
	}()

	var runs []runResult
	for i := 0; i < 6; i++ {
		runs = append(runs, start(ctx, m, "busy", 0, Config{BatchSize: 25}))
		time.Sleep(2 * time.Millisecond)
	}
	<-producerDone

	want := make([]uint64, total)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	for i, r := range runs {
		require.NoError(t, r.wait(t), "session %d", i)
		events, done := r.sink.snapshot()
		if diff := cmp.Diff(want, seqs(events)); diff != "" {
			t.Errorf("session %d seq mismatch (-want +got):\n%s", i, diff)
		}
		require.NotNil(t, done, "session %d", i)
		assert.Equal(t, uint64(total), done.LastSeq)
	}
}

func TestSession_OverrunEndsWithErrOverrun(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{QueueSize: 1})
	_, err := m.CreateJob(ctx, "lag")
	require.NoError(t, err)

	sink := &recordingSink{gate: make(chan struct{})}
	errCh := make(chan error, 1)
	go func() { errCh <- NewSession(m, sink, "lag", 0, Config{}).Run(ctx) }()

	require.Eventually(t, func() bool { return m.SubscriberCount("lag") == 1 }, 5*time.Second, time.Millisecond)
	emit(t, m, "lag", eventlog.TypeProgress, `{"pct":1}`)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, time.Millisecond)

	// the session is stuck writing seq 1; its queue holds one more
	for i := 2; i <= 10; i++ {
		emit(t, m, "lag", eventlog.TypeProgress, fmt.Sprintf(`{"pct":%d}`, i))
	}
	close(sink.gate)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, stream.ErrOverrun)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after overrun")
	}

	// a reconnect from the last delivered cursor recovers the rest
	events, _ := sink.snapshot()
	resume := start(ctx, m, "lag", events[len(events)-1].Seq, Config{})
	emit(t, m, "lag", eventlog.TypeDone, "")
	require.NoError(t, resume.wait(t))
	rest, done := resume.sink.snapshot()
	all := append(seqs(events), seqs(rest)...)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, all)
	require.NotNil(t, done)
}

func TestSession_SinkErrorStopsSession(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(ctx, "gone")
	require.NoError(t, err)
	emit(t, m, "gone", eventlog.TypeProgress, `{"pct":1}`)

	broken := errors.New("broken pipe")
	sink := &recordingSink{failEvent: broken}
	err = NewSession(m, sink, "gone", 0, Config{Transport: "test"}).Run(ctx)
	assert.ErrorIs(t, err, broken)
}

func TestSession_GaugeReturnsToZero(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, stream.Config{})
	_, err := m.CreateJob(ctx, "g")
	require.NoError(t, err)
	emit(t, m, "g", eventlog.TypeDone, `{"status":"canceled"}`)

	before := metrics.GetReplaySessions("gauge-test")
	sink := &recordingSink{}
	require.NoError(t, NewSession(m, sink, "g", 0, Config{Transport: "gauge-test"}).Run(ctx))
	assert.Equal(t, before, metrics.GetReplaySessions("gauge-test"))

	_, done := sink.snapshot()
	require.NotNil(t, done)
	assert.Equal(t, eventlog.StatusCanceled, done.Status)
}
