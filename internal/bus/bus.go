// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus carries append notifications between process instances.
//
// A notification only says "job X has events up to seq N"; it never carries
// the events themselves. Receivers always read from the durable store, so a
// lost or duplicated notification costs latency, never correctness.
package bus

import (
	"context"
	"fmt"
)

// Notification announces that a job's log reached Seq.
type Notification struct {
	JobID  string `json:"job_id"`
	Seq    uint64 `json:"seq"`
	Origin string `json:"origin"` // instance id of the publisher
}

// Bus publishes and delivers notifications on a single channel.
type Bus interface {
	// Publish is best effort and must not block the producer for long.
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context) (Subscriber, error)
	Close() error
}

// Subscriber receives notifications until closed.
type Subscriber interface {
	C() <-chan Notification
	Close() error
}

// Options selects a bus driver.
type Options struct {
	Driver  string // none, memory, redis, nats
	Channel string // redis channel / nats subject
	Redis   RedisOptions
	NATS    NATSOptions
}

// DefaultChannel is the redis channel and nats subject used when unset.
const DefaultChannel = "jobstream.appends"

const subscriberBuffer = 256

// Open builds the configured bus. "none" (or empty) returns nil: the
// manager then relies on polling alone.
func Open(ctx context.Context, opts Options) (Bus, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	switch opts.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryBus(), nil
	case "redis":
		return NewRedisBus(ctx, opts.Redis, opts.Channel)
	case "nats":
		return NewNATSBus(opts.NATS, opts.Channel)
	default:
		return nil, fmt.Errorf("unknown bus driver: %s (supported: none, memory, redis, nats)", opts.Driver)
	}
}
