// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

// StoreChecker pings the event store. An open breaker short-circuits the
// ping; a half-open one caps the result at degraded.
type StoreChecker struct {
	store eventlog.Store
}

func NewStoreChecker(store eventlog.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string { return "event_store" }

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	breaker := eventlog.BreakerState(c.store)
	if breaker == "open" {
		return CheckResult{Status: StatusUnhealthy, Message: "circuit breaker open"}
	}
	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if breaker == "half-open" {
		return CheckResult{Status: StatusDegraded, Message: "circuit breaker half-open"}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// ChannelChecker is unhealthy until ready is closed. The stream manager's
// Ready channel is the usual source.
type ChannelChecker struct {
	name  string
	ready <-chan struct{}
}

func NewChannelChecker(name string, ready <-chan struct{}) *ChannelChecker {
	return &ChannelChecker{name: name, ready: ready}
}

func (c *ChannelChecker) Name() string { return c.name }

func (c *ChannelChecker) Check(context.Context) CheckResult {
	select {
	case <-c.ready:
		return CheckResult{Status: StatusHealthy}
	default:
		return CheckResult{Status: StatusUnhealthy, Message: "starting"}
	}
}
