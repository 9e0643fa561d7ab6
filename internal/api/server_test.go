// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/jobstream/internal/cache"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/health"
	"github.com/ManuGH/jobstream/internal/replay"
	"github.com/ManuGH/jobstream/internal/stream"
)

type fixture struct {
	store *eventlog.MemoryStore
	mgr   *stream.Manager
	srv   *Server
	http  *httptest.Server
}

func newFixture(t *testing.T, rs ReplaySettings) *fixture {
	t.Helper()
	store := eventlog.NewMemoryStore()
	c := cache.NewMemoryCache(32, 0, 0)
	mgr := stream.New(store, c, nil, stream.Config{})

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewStoreChecker(store))

	srv := New(mgr, hm, Config{Replay: rs})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = mgr.Close()
		cache.Stop(c)
	})
	return &fixture{store: store, mgr: mgr, srv: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) emit(t *testing.T, jobID string, typ eventlog.EventType, payload string) {
	t.Helper()
	var raw []byte
	if payload != "" {
		raw = []byte(payload)
	}
	_, err := f.mgr.Emit(context.Background(), jobID, typ, raw)
	require.NoError(t, err)
}

func problemCode(t *testing.T, body []byte) string {
	t.Helper()
	var p struct {
		Code   string `json:"code"`
		Status int    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &p), string(body))
	return p.Code
}

func TestCreateAndGetJob(t *testing.T) {
	f := newFixture(t, ReplaySettings{})

	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs", `{"job_id":"J1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "/api/v1/jobs/J1", resp.Header.Get("Location"))
	var job eventlog.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "J1", job.JobID)
	assert.Equal(t, eventlog.StatusStarted, job.Status)

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs", `{"job_id":"J1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_EXISTS", problemCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &job))
	assert.NotEmpty(t, job.JobID, "server generates an id")

	resp, body = f.do(t, http.MethodGet, "/api/v1/jobs/J1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, uint64(0), job.LastSeq)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, ReplaySettings{})

	tests := []struct {
		name, method, path, body string
		status                   int
		code                     string
	}{
		{"unknown job", http.MethodGet, "/api/v1/jobs/missing", "", http.StatusNotFound, "JOB_NOT_FOUND"},
		{"bad job id", http.MethodGet, "/api/v1/jobs/-x", "", http.StatusBadRequest, "INVALID_JOB_ID"},
		{"bad create id", http.MethodPost, "/api/v1/jobs", `{"job_id":"a/b"}`, http.StatusBadRequest, "INVALID_JOB_ID"},
		{"unknown body field", http.MethodPost, "/api/v1/jobs", `{"id":"x"}`, http.StatusBadRequest, "INVALID_BODY"},
		{"snapshot cursor", http.MethodGet, "/api/v1/jobs/x/snapshot?after=-1", "", http.StatusBadRequest, "INVALID_CURSOR"},
		{"snapshot limit", http.MethodGet, "/api/v1/jobs/x/snapshot?limit=5000", "", http.StatusBadRequest, "INVALID_LIMIT"},
		{"stream cursor", http.MethodGet, "/api/v1/jobs/x/stream?cursor=abc", "", http.StatusBadRequest, "INVALID_CURSOR"},
		{"stream unknown job", http.MethodGet, "/api/v1/jobs/missing/stream", "", http.StatusNotFound, "JOB_NOT_FOUND"},
		{"ws unknown job", http.MethodGet, "/api/v1/jobs/missing/ws", "", http.StatusNotFound, "JOB_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			assert.Equal(t, tt.code, problemCode(t, body))
		})
	}
}

func TestEmitEndpoint(t *testing.T) {
	f := newFixture(t, ReplaySettings{})
	_, err := f.mgr.CreateJob(context.Background(), "J1")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"progress","payload":{"pct": 10}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var ev eventlog.Event
	require.NoError(t, json.Unmarshal(body, &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.JSONEq(t, `{"pct":10}`, string(ev.Payload))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_EVENT", problemCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_EVENT", problemCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/nope/events", `{"type":"progress"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", problemCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"status","payload":{"status":"started"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"status","payload":{"status":"running"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"status","payload":{"status":"started"}}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ILLEGAL_TRANSITION", problemCode(t, body))

	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"done"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	resp, body = f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"progress"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_TERMINAL", problemCode(t, body))
}

func TestEmitEndpoint_StoreUnavailable(t *testing.T) {
	f := newFixture(t, ReplaySettings{})
	_, err := f.mgr.CreateJob(context.Background(), "J1")
	require.NoError(t, err)

	f.store.SetAppendFailure(errors.New("disk full"))
	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs/J1/events", `{"type":"progress"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "STORE_UNAVAILABLE", problemCode(t, body))
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t, ReplaySettings{})
	_, err := f.mgr.CreateJob(context.Background(), "J1")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		f.emit(t, "J1", eventlog.TypeProgress, "")
	}
	f.emit(t, "J1", eventlog.TypeDone, "")

	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs/J1/snapshot?after=2&limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, eventlog.StatusCompleted, snap.Job.Status)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, uint64(3), snap.Events[0].Seq)
	assert.Equal(t, uint64(4), snap.NextCursor)

	_, body = f.do(t, http.MethodGet, "/api/v1/jobs/J1/snapshot?after=5", "")
	assert.JSONEq(t, `[]`, string(mustField(t, body, "events")))
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, uint64(5), snap.NextCursor)
}

func mustField(t *testing.T, body []byte, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return m[key]
}

type sseFrame struct {
	id, event, data string
}

// readSSE reads frames until the server ends the response or until stop
// returns true for a frame.
func readSSE(t *testing.T, body io.Reader, stop func(sseFrame) bool) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
				if stop != nil && stop(cur) {
					return frames
				}
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestStreamSSE_ResumeFromLastEventID(t *testing.T) {
	f := newFixture(t, ReplaySettings{})
	_, err := f.mgr.CreateJob(context.Background(), "J1")
	require.NoError(t, err)
	f.emit(t, "J1", eventlog.TypeProgress, `{"pct":10}`)
	f.emit(t, "J1", eventlog.TypeProgress, `{"pct":50}`)
	f.emit(t, "J1", eventlog.TypeInsight, `{"text":"x"}`)
	f.emit(t, "J1", eventlog.TypeProgress, `{"pct":100}`)
	f.emit(t, "J1", eventlog.TypeDone, "")

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/jobs/J1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	frames := readSSE(t, resp.Body, nil)
	require.Len(t, frames, 3)
	assert.Equal(t, []string{"4", "5", ""}, []string{frames[0].id, frames[1].id, frames[2].id})
	assert.Equal(t, "done", frames[2].event)
	assert.JSONEq(t, `{"job_id":"J1","status":"completed","last_seq":5}`, frames[2].data)
}

func TestStreamSSE_LiveDelivery(t *testing.T) {
	f := newFixture(t, ReplaySettings{PadBytes: 0, HeartbeatInterval: time.Hour})
	_, err := f.mgr.CreateJob(context.Background(), "live")
	require.NoError(t, err)
	f.emit(t, "live", eventlog.TypeProgress, `{"pct":1}`)

	resp, err := http.Get(f.http.URL + "/api/v1/jobs/live/stream?cursor=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := make(chan []sseFrame, 1)
	go func() { got <- readSSE(t, resp.Body, func(f sseFrame) bool { return f.event == "done" && f.id == "" }) }()

	require.Eventually(t, func() bool { return f.mgr.SubscriberCount("live") == 1 }, 5*time.Second, 5*time.Millisecond)
	f.emit(t, "live", eventlog.TypeMetric, `{"loss":0.1}`)
	f.emit(t, "live", eventlog.TypeDone, `{"status":"failed","error":"oom"}`)

	select {
	case frames := <-got:
		require.Len(t, frames, 4)
		assert.Equal(t, []string{"1", "2", "3", ""}, []string{frames[0].id, frames[1].id, frames[2].id, frames[3].id})
		assert.Equal(t, "metric", frames[1].event)
		assert.JSONEq(t, `{"job_id":"live","status":"failed","last_seq":3}`, frames[3].data)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not deliver the terminal frame")
	}
}

func TestStream_CursorAheadOfLog(t *testing.T) {
	f := newFixture(t, ReplaySettings{HeartbeatInterval: time.Hour})
	_, err := f.mgr.CreateJob(context.Background(), "J2")
	require.NoError(t, err)
	f.emit(t, "J2", eventlog.TypeProgress, `{"pct":10}`)
	f.emit(t, "J2", eventlog.TypeProgress, `{"pct":20}`)

	resp, body := f.do(t, http.MethodGet, "/api/v1/jobs/J2/stream?cursor=99", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "INVALID_CURSOR", problemCode(t, body))

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/v1/jobs/J2/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CURSOR", problemCode(t, body))

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/jobs/J2/ws?cursor=99"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 0, f.mgr.HubCount(), "rejected clients never subscribe")
}

func TestStreamWS(t *testing.T) {
	f := newFixture(t, ReplaySettings{HeartbeatInterval: time.Hour})
	_, err := f.mgr.CreateJob(context.Background(), "ws")
	require.NoError(t, err)
	f.emit(t, "ws", eventlog.TypeProgress, `{"pct":1}`)
	f.emit(t, "ws", eventlog.TypeProgress, `{"pct":2}`)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/jobs/ws/ws?cursor=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() replay.WSMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg replay.WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	msg := read()
	require.Equal(t, "event", msg.Kind)
	assert.Equal(t, uint64(2), msg.Event.Seq)

	f.emit(t, "ws", eventlog.TypeDone, "")
	msg = read()
	require.Equal(t, "event", msg.Kind)
	assert.Equal(t, eventlog.TypeDone, msg.Event.Type)
	msg = read()
	require.Equal(t, "done", msg.Kind)
	assert.Equal(t, replay.DoneFrame{JobID: "ws", Status: eventlog.StatusCompleted, LastSeq: 3}, *msg.Done)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t, ReplaySettings{})

	resp, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "event_store")

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jobstream_")
}

func TestSetReplaySettings_AppliesToNewSessions(t *testing.T) {
	f := newFixture(t, ReplaySettings{PadBytes: 4096})
	_, err := f.mgr.CreateJob(context.Background(), "pad")
	require.NoError(t, err)
	f.emit(t, "pad", eventlog.TypeDone, "")

	_, padded := f.do(t, http.MethodGet, "/api/v1/jobs/pad/stream", "")
	assert.Greater(t, len(padded), 2*4096)

	f.srv.SetReplaySettings(ReplaySettings{PadBytes: 0})
	_, plain := f.do(t, http.MethodGet, "/api/v1/jobs/pad/stream", "")
	assert.Less(t, len(plain), 1024)
	assert.Contains(t, string(plain), "event: done")
}
