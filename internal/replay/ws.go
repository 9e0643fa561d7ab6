// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package replay

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/log"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxMessageSize = 4 * 1024
)

// WSMessage is the JSON envelope of every WebSocket text message.
type WSMessage struct {
	Kind      string          `json:"kind"` // event, heartbeat, done
	Event     *eventlog.Event `json:"event,omitempty"`
	Heartbeat *HeartbeatFrame `json:"heartbeat,omitempty"`
	Done      *DoneFrame      `json:"done,omitempty"`
}

// WSWriter writes session frames to a WebSocket connection. Heartbeats also
// send a ping control frame so the read side can enforce the pong deadline.
type WSWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSWriter wraps an upgraded connection.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

func (w *WSWriter) write(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSWriter) Event(ev eventlog.Event) error {
	return w.write(WSMessage{Kind: "event", Event: &ev})
}

func (w *WSWriter) Heartbeat(f HeartbeatFrame) error {
	w.mu.Lock()
	err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
	w.mu.Unlock()
	if err != nil {
		return err
	}
	return w.write(WSMessage{Kind: "heartbeat", Heartbeat: &f})
}

func (w *WSWriter) Done(f DoneFrame) error {
	return w.write(WSMessage{Kind: "done", Done: &f})
}

// Flush is a no-op: every message is written as a whole frame.
func (w *WSWriter) Flush() error { return nil }

// Close sends a normal-closure frame and closes the connection.
func (w *WSWriter) Close(code int, reason string) error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	w.mu.Unlock()
	return w.conn.Close()
}

// ReadPump consumes client frames (the protocol is server-push only) and
// calls cancel when the peer goes away or stops answering pings. It returns
// when the connection is closed.
func ReadPump(conn *websocket.Conn, cancel context.CancelFunc, pongWait time.Duration) {
	defer cancel()
	if pongWait <= 0 {
		pongWait = wsPongWait
	}
	conn.SetReadLimit(wsMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger := log.WithComponent("replay")
				logger.Debug().Err(err).
					Str(log.FieldEvent, "replay.ws_read_ended").
					Msg("websocket read ended")
			}
			return
		}
	}
}

var _ Sink = (*WSWriter)(nil)
