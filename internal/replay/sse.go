// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package replay

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// DefaultPadBytes is the minimum size of every SSE frame. Proxies and
// compression layers commonly hold back chunks smaller than a couple of KiB.
const DefaultPadBytes = 2048

// DefaultRetryMillis is the reconnect delay advertised to EventSource clients.
const DefaultRetryMillis = 2000

// SSEWriter writes session frames as text/event-stream. Headers are sent
// with the first frame, so a handler can still answer with an error status
// when the session fails before writing anything.
type SSEWriter struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	padBytes int
	started  bool
	buf      bytes.Buffer
}

// NewSSEWriter wraps w. padBytes <= 0 disables padding.
func NewSSEWriter(w http.ResponseWriter, padBytes int) *SSEWriter {
	return &SSEWriter{
		w:        w,
		rc:       http.NewResponseController(w),
		padBytes: padBytes,
	}
}

// Started reports whether the response headers have been written.
func (s *SSEWriter) Started() bool { return s.started }

func (s *SSEWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.buf.WriteString("retry: ")
	s.buf.WriteString(strconv.Itoa(DefaultRetryMillis))
	s.buf.WriteString("\n\n")
}

// Event writes one record with its seq as the SSE id, so EventSource
// reconnects carry it back in Last-Event-ID.
func (s *SSEWriter) Event(ev eventlog.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.frame(strconv.FormatUint(ev.Seq, 10), string(ev.Type), data)
}

func (s *SSEWriter) Heartbeat(f HeartbeatFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.frame("", string(eventlog.TypeHeartbeat), data)
}

func (s *SSEWriter) Done(f DoneFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.frame("", "done", data)
}

func (s *SSEWriter) frame(id, event string, data []byte) error {
	s.start()

	mark := s.buf.Len()
	if id != "" {
		s.buf.WriteString("id: ")
		s.buf.WriteString(id)
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString("event: ")
	s.buf.WriteString(event)
	s.buf.WriteString("\ndata: ")
	s.buf.Write(data)
	s.buf.WriteByte('\n')

	if pad := s.padBytes - (s.buf.Len() - mark) - 1; pad > 0 {
		// comment line; ignored by the client
		s.buf.WriteByte(':')
		s.buf.Write(bytes.Repeat([]byte{' '}, max(pad-2, 0)))
		s.buf.WriteByte('\n')
	}
	s.buf.WriteByte('\n')

	_, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	return err
}

// Flush pushes buffered bytes to the client.
func (s *SSEWriter) Flush() error {
	if !s.started {
		return nil
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

var _ Sink = (*SSEWriter)(nil)
