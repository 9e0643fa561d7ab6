// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
)

// MemoryBus is an in-memory pub/sub used for unit tests and for wiring two
// managers inside one process. Delivery is non-blocking: a full subscriber
// buffer drops the notification.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []chan Notification
	closed bool
}

const dropLogEvery = 100

var dropCount atomic.Uint64

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func recordDrop(driver, reason string) {
	metrics.IncBusDropReason(driver, reason)
	count := dropCount.Add(1)
	if count%dropLogEvery == 0 {
		logger := log.WithComponent("bus")
		logger.Warn().
			Str("driver", driver).
			Str("reason", reason).
			Uint64("dropped", count).
			Msg("bus dropped append notifications")
	}
}

func (b *MemoryBus) Publish(ctx context.Context, n Notification) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			recordDrop("memory", "full")
		}
	}
	metrics.IncBusPublish("memory", true)
	return nil
}

func (b *MemoryBus) Subscribe(context.Context) (Subscriber, error) {
	ch := make(chan Notification, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs = append(b.subs, ch)
	return &memSub{b: b, ch: ch}, nil
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

type memSub struct {
	b    *MemoryBus
	ch   chan Notification
	once sync.Once
}

func (s *memSub) C() <-chan Notification {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		out := s.b.subs[:0]
		found := false
		for _, c := range s.b.subs {
			if c != s.ch {
				out = append(out, c)
			} else {
				found = true
			}
		}
		s.b.subs = out
		if found {
			close(s.ch) // Signal subscriber to stop
		}
	})
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
