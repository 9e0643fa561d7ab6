// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
)

// NATSOptions configures the NATS driver. With Embedded set, an in-process
// server is started on Host:Port and the bus connects to it.
type NATSOptions struct {
	URL      string
	Embedded bool
	Host     string
	Port     int
}

// NATSBus publishes notifications as core NATS messages.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	srv     *server.Server
}

// NewNATSBus connects (starting an embedded server first if requested).
func NewNATSBus(opts NATSOptions, subject string) (*NATSBus, error) {
	if subject == "" {
		subject = DefaultChannel
	}
	b := &NATSBus{subject: subject}

	url := opts.URL
	if opts.Embedded {
		srv, err := StartEmbeddedNATS(opts.Host, opts.Port)
		if err != nil {
			return nil, err
		}
		b.srv = srv
		url = srv.ClientURL()
	}
	if url == "" {
		url = nats.DefaultURL
	}

	logger := log.WithComponent("bus")
	nc, err := nats.Connect(url,
		nats.Name("jobstream"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		b.shutdownServer()
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b.nc = nc
	return b, nil
}

// StartEmbeddedNATS runs a NATS server inside this process. Port -1 picks a
// random free port.
func StartEmbeddedNATS(host string, port int) (*server.Server, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "jobstream-bus",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}
	return ns, nil
}

func (b *NATSBus) Publish(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		metrics.IncBusPublish("nats", false)
		return fmt.Errorf("nats publish: %w", err)
	}
	metrics.IncBusPublish("nats", true)
	return nil
}

func (b *NATSBus) Subscribe(context.Context) (Subscriber, error) {
	s := &natsSub{ch: make(chan Notification, subscriberBuffer)}
	sub, err := b.nc.Subscribe(b.subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	// Flush so the server has registered interest before we return.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close closes the connection and stops the embedded server, if any.
func (b *NATSBus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *NATSBus) shutdownServer() {
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
		b.srv = nil
	}
}

type natsSub struct {
	mu     sync.Mutex
	sub    *nats.Subscription
	ch     chan Notification
	closed bool
}

// handle runs on the nats delivery goroutine.
func (s *natsSub) handle(msg *nats.Msg) {
	var n Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		recordDrop("nats", "decode")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
	default:
		recordDrop("nats", "full")
	}
}

func (s *natsSub) C() <-chan Notification { return s.ch }

func (s *natsSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

var _ Bus = (*NATSBus)(nil)
