// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
)

// RedisOptions holds Redis connection configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBus fans notifications out through Redis pub/sub. Pub/sub is
// fire-and-forget; followers poll the store to cover anything missed.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, opts RedisOptions, channel string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus connection failed: %w", err)
	}

	logger := log.WithComponent("bus")
	logger.Info().
		Str("addr", opts.Addr).
		Str("channel", channel).
		Msg("connected to Redis bus")

	b := NewRedisBusFromClient(client, channel)
	b.owned = true
	return b, nil
}

// NewRedisBusFromClient uses an existing client; Close leaves it open.
func NewRedisBusFromClient(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		metrics.IncBusPublish("redis", false)
		return fmt.Errorf("redis publish: %w", err)
	}
	metrics.IncBusPublish("redis", true)
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no publish after Subscribe
	// returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSub{
		ps:   ps,
		ch:   make(chan Notification, subscriberBuffer),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (b *RedisBus) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Notification
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *redisSub) pump() {
	defer s.wg.Done()
	defer close(s.ch)

	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				recordDrop("redis", "decode")
				continue
			}
			select {
			case s.ch <- n:
			default:
				recordDrop("redis", "full")
			}
		}
	}
}

func (s *redisSub) C() <-chan Notification { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
