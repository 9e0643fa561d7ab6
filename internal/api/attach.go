// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/replay"
	"github.com/ManuGH/jobstream/internal/stream"
)

// handleStreamSSE attaches a client over text/event-stream. The resume
// cursor comes from Last-Event-ID (EventSource reconnects) or ?cursor=.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("cursor")
	}
	cursor, err := parseSeq(raw)
	if err != nil {
		badRequest(w, r, "INVALID_CURSOR", "cursor must be a non-negative integer")
		return
	}

	rs := s.replaySettings()
	sink := replay.NewSSEWriter(w, rs.PadBytes)
	sess := replay.NewSession(s.mgr, sink, jobID, cursor, replay.Config{
		BatchSize:         rs.BatchSize,
		HeartbeatInterval: rs.HeartbeatInterval,
		Transport:         "sse",
	})
	err = sess.Run(r.Context())
	if err == nil {
		return
	}
	if !sink.Started() {
		writeError(w, r, err)
		return
	}
	// Mid-stream failures just end the response; EventSource reconnects
	// with the last id it saw.
	s.logAttachEnd(r, jobID, "sse", sess.Cursor(), err)
}

// handleStreamWS attaches a client over WebSocket. Unknown jobs and cursors
// past the log are answered before the upgrade.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	cursor, err := parseSeq(r.URL.Query().Get("cursor"))
	if err != nil {
		badRequest(w, r, "INVALID_CURSOR", "cursor must be a non-negative integer")
		return
	}
	job, err := s.mgr.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cursor > job.LastSeq {
		badRequest(w, r, "INVALID_CURSOR", fmt.Sprintf("cursor %d is beyond last seq %d", cursor, job.LastSeq))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		return
	}

	rs := s.replaySettings()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		replay.ReadPump(conn, cancel, rs.WSPongWait)
	}()

	sink := replay.NewWSWriter(conn)
	sess := replay.NewSession(s.mgr, sink, jobID, cursor, replay.Config{
		BatchSize:         rs.BatchSize,
		HeartbeatInterval: rs.HeartbeatInterval,
		Transport:         "ws",
	})
	err = sess.Run(ctx)

	code, reason := websocket.CloseNormalClosure, "done"
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrOverrun):
		code, reason = websocket.CloseTryAgainLater, "overrun"
	case errors.Is(err, stream.ErrClosed):
		code, reason = websocket.CloseGoingAway, "shutting down"
	case ctx.Err() != nil:
		code, reason = websocket.CloseGoingAway, "disconnected"
	default:
		code, reason = websocket.CloseInternalServerErr, "internal error"
	}
	_ = sink.Close(code, reason)
	<-pumpDone
	if err != nil {
		s.logAttachEnd(r, jobID, "ws", sess.Cursor(), err)
	}
}

func (s *Server) logAttachEnd(r *http.Request, jobID, transport string, cursor uint64, err error) {
	logger := log.WithComponentFromContext(log.ContextWithJobID(r.Context(), jobID), "api")
	evt := logger.Debug()
	if !errors.Is(err, context.Canceled) && !errors.Is(err, stream.ErrOverrun) && !errors.Is(err, stream.ErrClosed) {
		evt = logger.Warn()
	}
	evt.Err(err).
		Str(log.FieldEvent, "api.attach_ended").
		Str(log.FieldTransport, transport).
		Uint64(log.FieldCursor, cursor).
		Msg("attach ended early")
}
