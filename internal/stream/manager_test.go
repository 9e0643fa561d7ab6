// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/jobstream/internal/bus"
	"github.com/ManuGH/jobstream/internal/cache"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/lifecycle"
	"github.com/ManuGH/jobstream/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, store eventlog.Store, c cache.Cache, b bus.Bus, cfg Config) *Manager {
	t.Helper()
	m := New(store, c, b, cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func progress(pct int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"pct":%d}`, pct))
}

func recvN(t *testing.T, sub *Subscriber, n int) []eventlog.Event {
	t.Helper()
	out := make([]eventlog.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "channel closed after %d of %d events", len(out), n)
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func seqs(evs []eventlog.Event) []uint64 {
	out := make([]uint64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Seq
	}
	return out
}

func oneTo(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i + 1)
	}
	return out
}

func TestEmit_FanOutInSeqOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{QueueSize: 128})
	_, err := m.CreateJob(ctx, "j1")
	require.NoError(t, err)

	a, err := m.Subscribe(ctx, "j1", 0)
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "j1", 0)
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		ev, err := m.Emit(ctx, "j1", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), ev.Seq)
	}

	gotA := recvN(t, a, 100)
	gotB := recvN(t, b, 100)
	if diff := cmp.Diff(oneTo(100), seqs(gotA)); diff != "" {
		t.Errorf("subscriber a seq mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(gotA, gotB); diff != "" {
		t.Errorf("subscribers disagree (-a +b):\n%s", diff)
	}
}

func TestEmit_ConcurrentJobsStayIndependent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), cache.NewNoOpCache(), nil, Config{QueueSize: 64})

	const jobs, perJob = 4, 50
	subs := make([]*Subscriber, jobs)
	for i := range subs {
		id := fmt.Sprintf("job-%d", i)
		_, err := m.CreateJob(ctx, id)
		require.NoError(t, err)
		subs[i], err = m.Subscribe(ctx, id, 0)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= perJob; n++ {
				if _, err := m.Emit(ctx, id, eventlog.TypeProgress, progress(n)); err != nil {
					t.Errorf("emit %s: %v", id, err)
					return
				}
			}
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()

	for i, sub := range subs {
		got := recvN(t, sub, perJob)
		assert.Equal(t, oneTo(perJob), seqs(got), "job-%d", i)
		for _, ev := range got {
			assert.Equal(t, fmt.Sprintf("job-%d", i), ev.JobID)
		}
	}
}

func TestEmit_SlowSubscriberNeverBlocksProducer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{QueueSize: 4})
	_, err := m.CreateJob(ctx, "slow")
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, "slow", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 500; i++ {
			if _, err := m.Emit(ctx, "slow", eventlog.TypeProgress, progress(i%100)); err != nil {
				t.Errorf("emit: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("producer stalled behind a subscriber that never reads")
	}

	assert.True(t, sub.Overrun())
	assert.ErrorIs(t, sub.Err(), ErrOverrun)
	assert.Equal(t, 0, m.SubscriberCount("slow"))

	var buffered []eventlog.Event
	for ev := range sub.C() {
		buffered = append(buffered, ev)
	}
	assert.Equal(t, oneTo(4), seqs(buffered), "queue keeps the contiguous prefix it accepted")

	// the log itself lost nothing
	all, err := m.ReadAfter(ctx, "slow", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, oneTo(500), seqs(all))
}

func readAll(t *testing.T, m *Manager, jobID string, after uint64) []eventlog.Event {
	t.Helper()
	var out []eventlog.Event
	for {
		batch, err := m.ReadAfter(context.Background(), jobID, after, 100)
		require.NoError(t, err)
		if len(batch) == 0 {
			return out
		}
		out = append(out, batch...)
		after = batch[len(batch)-1].Seq
	}
}

func TestReadAfter_CacheIsTransparent(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	c := cache.NewMemoryCache(64, 0, 0)
	defer cache.Stop(c)

	cached := newTestManager(t, store, c, nil, Config{})
	uncached := newTestManager(t, store, nil, nil, Config{})

	_, err := cached.CreateJob(ctx, "j")
	require.NoError(t, err)
	for i := 1; i <= 600; i++ {
		_, err := cached.Emit(ctx, "j", eventlog.TypeMetric, progress(i))
		require.NoError(t, err)
	}

	for _, cursor := range []uint64{0, 1, 499, 536, 537, 550, 599, 600, 700} {
		t.Run(fmt.Sprintf("cursor=%d", cursor), func(t *testing.T) {
			want := readAll(t, uncached, "j", cursor)
			got := readAll(t, cached, "j", cursor)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("cached read differs (-store +cache):\n%s", diff)
			}
		})
	}

	c.Clear()
	if diff := cmp.Diff(readAll(t, uncached, "j", 0), readAll(t, cached, "j", 0)); diff != "" {
		t.Errorf("cleared cache changed the result:\n%s", diff)
	}
}

func TestEmit_TerminalJobRejectsFurtherEvents(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "t")
	require.NoError(t, err)
	sub, err := m.Subscribe(ctx, "t", 0)
	require.NoError(t, err)

	_, err = m.Emit(ctx, "t", eventlog.TypeStatus, json.RawMessage(`{"status":"running"}`))
	require.NoError(t, err)
	_, err = m.Emit(ctx, "t", eventlog.TypeProgress, progress(100))
	require.NoError(t, err)
	last, err := m.Emit(ctx, "t", eventlog.TypeDone, nil)
	require.NoError(t, err)

	got := recvN(t, sub, 3)
	assert.Equal(t, eventlog.TypeDone, got[2].Type)

	job, err := m.GetStatus(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusCompleted, job.Status)
	assert.Equal(t, last.Seq, job.LastSeq)

	_, err = m.Emit(ctx, "t", eventlog.TypeProgress, progress(1))
	assert.ErrorIs(t, err, eventlog.ErrJobTerminal)
	_, err = m.Emit(ctx, "t", eventlog.TypeStatus, json.RawMessage(`{"status":"running"}`))
	assert.ErrorIs(t, err, eventlog.ErrJobTerminal)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event after terminal: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmit_Rejections(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "r")
	require.NoError(t, err)

	_, err = m.Emit(ctx, "r", eventlog.EventType("bogus"), nil)
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)

	_, err = m.Emit(ctx, "missing", eventlog.TypeProgress, progress(1))
	assert.ErrorIs(t, err, eventlog.ErrJobNotFound)

	_, err = m.Emit(ctx, "r", eventlog.TypeStatus, json.RawMessage(`{"status":"running"}`))
	require.NoError(t, err)
	_, err = m.Emit(ctx, "r", eventlog.TypeStatus, json.RawMessage(`{"status":"started"}`))
	assert.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	_, err = m.Emit(ctx, "r", eventlog.TypeDone, json.RawMessage(`{"status":"running"}`))
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)

	_, err = m.CreateJob(ctx, "r")
	assert.ErrorIs(t, err, eventlog.ErrJobExists)
}

func TestEmit_StoreFailureSurfacesToProducer(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, Config{})
	_, err := m.CreateJob(ctx, "f")
	require.NoError(t, err)

	store.SetAppendFailure(errors.New("disk full"))
	_, err = m.Emit(ctx, "f", eventlog.TypeProgress, progress(1))
	assert.ErrorIs(t, err, eventlog.ErrStoreUnavailable)

	store.SetAppendFailure(nil)
	ev, err := m.Emit(ctx, "f", eventlog.TypeProgress, progress(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq, "a failed append must not consume a seq")
}

func TestFail_EmitsTerminalFailedEvent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "boom")
	require.NoError(t, err)

	ev, err := m.Fail(ctx, "boom", errors.New("step 3 crashed"))
	require.NoError(t, err)
	assert.Equal(t, eventlog.TypeDone, ev.Type)
	assert.JSONEq(t, `{"status":"failed","error":"step 3 crashed"}`, string(ev.Payload))

	job, err := m.GetStatus(ctx, "boom")
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusFailed, job.Status)

	_, err = m.Fail(ctx, "boom", nil)
	assert.ErrorIs(t, err, eventlog.ErrJobTerminal)
}

func TestSubscribe_AfterSeqFiltersOlderEvents(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "s")
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		_, err := m.Emit(ctx, "s", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
	}
	early, err := m.Subscribe(ctx, "s", 0)
	require.NoError(t, err)
	late, err := m.Subscribe(ctx, "s", 2)
	require.NoError(t, err)

	_, err = m.Emit(ctx, "s", eventlog.TypeProgress, progress(3))
	require.NoError(t, err)

	assert.Equal(t, []uint64{3}, seqs(recvN(t, late, 1)))
	// the hub was created at cursor 0; the gap is filled from the store
	assert.Equal(t, []uint64{1, 2, 3}, seqs(recvN(t, early, 3)))
}

func TestSubscribe_CursorAheadOfLogLeavesHubUsable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "ahead")
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err := m.Emit(ctx, "ahead", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
	}

	// first subscriber creates the hub with a cursor the job never reached
	bogus, err := m.Subscribe(ctx, "ahead", 100)
	require.NoError(t, err)
	good, err := m.Subscribe(ctx, "ahead", 2)
	require.NoError(t, err)
	fresh, err := m.Subscribe(ctx, "ahead", 0)
	require.NoError(t, err)

	for i := 3; i <= 5; i++ {
		_, err := m.Emit(ctx, "ahead", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{3, 4, 5}, seqs(recvN(t, good, 3)))
	// older history is the caller's store read, the hub only forwards
	assert.Equal(t, []uint64{3, 4, 5}, seqs(recvN(t, fresh, 3)))
	select {
	case ev := <-bogus.C():
		t.Fatalf("subscriber past the log received seq %d", ev.Seq)
	default:
	}
}

func TestSubscribe_UnknownJobStartsHubAtZero(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, Config{})

	sub, err := m.Subscribe(ctx, "later", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.lookupHub("later").watermark())

	_, err = store.CreateJob(ctx, "later")
	require.NoError(t, err)
	for i := 1; i <= 8; i++ {
		_, err := m.Emit(ctx, "later", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{8}, seqs(recvN(t, sub, 1)))
}

func TestFanOut_GapIsFilledFromStore(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	m := newTestManager(t, store, nil, nil, Config{SyncBatch: 2})
	_, err := m.CreateJob(ctx, "g")
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, "g", 0)
	require.NoError(t, err)

	// appended behind the manager's back
	for i := 1; i <= 5; i++ {
		_, err := store.Append(ctx, eventlog.AppendRequest{JobID: "g", Type: eventlog.TypeInsight, Payload: progress(i)})
		require.NoError(t, err)
	}
	_, err = m.Emit(ctx, "g", eventlog.TypeProgress, progress(6))
	require.NoError(t, err)

	assert.Equal(t, oneTo(6), seqs(recvN(t, sub, 6)))
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})

	sub, err := m.Subscribe(ctx, "u", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.SubscriberCount("u"))

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Overrun())
	assert.Equal(t, 0, m.SubscriberCount("u"))
}

func TestSweep_DropsEndedSubscribersAndEmptyHubs(t *testing.T) {
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})

	gone, cancel := context.WithCancel(context.Background())
	stale, err := m.Subscribe(gone, "a", 0)
	require.NoError(t, err)
	alive, err := m.Subscribe(context.Background(), "b", 0)
	require.NoError(t, err)
	cancel()

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.HubCount())
	_, ok := <-stale.C()
	assert.False(t, ok)

	m.Unsubscribe(alive)
	assert.Equal(t, 0, m.Sweep())
	assert.Equal(t, 0, m.HubCount())
}

func TestClose_EndsSubscribers(t *testing.T) {
	m := New(eventlog.NewMemoryStore(), nil, nil, Config{})
	sub, err := m.Subscribe(context.Background(), "c", 0)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)
	_, err = m.Subscribe(context.Background(), "c", 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	select {
	case <-m.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not become ready")
	}
}

func TestFollower_LearnsAppendsThroughBus(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	producer := newTestManager(t, store, nil, b, Config{InstanceID: "producer", PollInterval: time.Hour})
	follower := newTestManager(t, store, nil, b, Config{InstanceID: "follower", PollInterval: time.Hour})
	runManager(t, producer)
	runManager(t, follower)

	_, err := producer.CreateJob(ctx, "x")
	require.NoError(t, err)
	sub, err := follower.Subscribe(ctx, "x", 0)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		_, err := producer.Emit(ctx, "x", eventlog.TypeProgress, progress(i*10))
		require.NoError(t, err)
	}
	assert.Equal(t, oneTo(10), seqs(recvN(t, sub, 10)))
}

// stalledBus holds every publish until its context ends.
type stalledBus struct {
	attempts atomic.Int32
}

func (b *stalledBus) Publish(ctx context.Context, _ bus.Notification) error {
	b.attempts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (b *stalledBus) Subscribe(context.Context) (bus.Subscriber, error) {
	return nil, errors.New("stalled bus has no subscriptions")
}

func (b *stalledBus) Close() error { return nil }

func droppedFromOutbox(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.BusDroppedTotal.WithLabelValues(outboxDriver, "full").Write(&m))
	return m.GetCounter().GetValue()
}

func TestEmit_StalledBusNeverBlocksProducer(t *testing.T) {
	ctx := context.Background()
	b := &stalledBus{}
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, b, Config{NotifyTimeout: time.Hour, NotifyQueue: 4})
	runManager(t, m)

	_, err := m.CreateJob(ctx, "n")
	require.NoError(t, err)
	sub, err := m.Subscribe(ctx, "n", 0)
	require.NoError(t, err)

	before := droppedFromOutbox(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 20; i++ {
			_, err := m.Emit(ctx, "n", eventlog.TypeProgress, progress(i))
			assert.NoError(t, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a stalled bus")
	}

	assert.Equal(t, oneTo(20), seqs(recvN(t, sub, 20)))
	require.Eventually(t, func() bool { return b.attempts.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	// four queued, one in flight, the rest dropped
	assert.GreaterOrEqual(t, droppedFromOutbox(t)-before, float64(15))
}

func TestNotify_QueuedBeforeRunArePublished(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	b := bus.NewMemoryBus()
	defer b.Close()

	listener, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer listener.Close()

	m := newTestManager(t, store, nil, b, Config{InstanceID: "early"})
	_, err = m.CreateJob(ctx, "q")
	require.NoError(t, err)
	_, err = m.Emit(ctx, "q", eventlog.TypeProgress, progress(1))
	require.NoError(t, err)

	runManager(t, m)
	select {
	case n := <-listener.C():
		assert.Equal(t, bus.Notification{JobID: "q", Seq: 1, Origin: "early"}, n)
	case <-time.After(5 * time.Second):
		t.Fatal("queued notification never reached the bus")
	}
}

func TestFollower_PollsWithoutBus(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()

	producer := newTestManager(t, store, nil, nil, Config{})
	follower := newTestManager(t, store, nil, nil, Config{PollInterval: 20 * time.Millisecond})
	runManager(t, follower)

	_, err := producer.CreateJob(ctx, "p")
	require.NoError(t, err)
	sub, err := follower.Subscribe(ctx, "p", 0)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := producer.Emit(ctx, "p", eventlog.TypeProgress, progress(i))
		require.NoError(t, err)
	}
	_, err = producer.Emit(ctx, "p", eventlog.TypeDone, nil)
	require.NoError(t, err)

	got := recvN(t, sub, 6)
	assert.Equal(t, oneTo(6), seqs(got))
	assert.Equal(t, eventlog.TypeDone, got[5].Type)
}

func TestEmitJSON(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, eventlog.NewMemoryStore(), nil, nil, Config{})
	_, err := m.CreateJob(ctx, "e")
	require.NoError(t, err)

	ev, err := m.EmitJSON(ctx, "e", eventlog.TypeInsight, map[string]string{"text": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"x"}`, string(ev.Payload))

	_, err = m.EmitJSON(ctx, "e", eventlog.TypeInsight, func() {})
	assert.ErrorIs(t, err, eventlog.ErrInvalidEvent)
}
