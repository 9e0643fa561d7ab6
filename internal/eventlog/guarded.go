// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker in front of a remote store.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state count reset
	Timeout      time.Duration // open -> half-open
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig returns conservative defaults for a networked store.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      15 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// guardedStore fails fast with ErrStoreUnavailable while the backend is
// known to be down, instead of letting every producer wait out its own
// timeout. Only ErrStoreUnavailable counts as a failure; domain errors
// such as ErrJobTerminal prove the backend is answering.
type guardedStore struct {
	inner Store
	name  string
	cb    *gobreaker.CircuitBreaker[any]
}

// NewGuardedStore wraps inner with a circuit breaker.
func NewGuardedStore(inner Store, cfg BreakerConfig) Store {
	if cfg.Name == "" {
		cfg.Name = "event-store"
	}
	logger := log.WithComponent("eventlog")
	metrics.SetBreakerState(cfg.Name, "closed")

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state change")
			metrics.SetBreakerState(name, to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrStoreUnavailable)
		},
	})
	return &guardedStore{inner: inner, name: cfg.Name, cb: cb}
}

func (g *guardedStore) execute(op string, fn func() (any, error)) (any, error) {
	res, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, unavailable(op, err)
	}
	return res, err
}

func (g *guardedStore) CreateJob(ctx context.Context, jobID string) (Job, error) {
	res, err := g.execute("create job", func() (any, error) {
		return g.inner.CreateJob(ctx, jobID)
	})
	if err != nil {
		return Job{}, err
	}
	return res.(Job), nil
}

func (g *guardedStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	res, err := g.execute("get job", func() (any, error) {
		return g.inner.GetJob(ctx, jobID)
	})
	if err != nil {
		return Job{}, err
	}
	return res.(Job), nil
}

func (g *guardedStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	res, err := g.execute("append", func() (any, error) {
		return g.inner.Append(ctx, req)
	})
	if err != nil {
		return Event{}, err
	}
	return res.(Event), nil
}

func (g *guardedStore) Read(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	res, err := g.execute("read", func() (any, error) {
		return g.inner.Read(ctx, jobID, afterSeq, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Event), nil
}

// Ping bypasses the breaker so readiness reflects the backend itself.
func (g *guardedStore) Ping(ctx context.Context) error { return g.inner.Ping(ctx) }

func (g *guardedStore) Close() error { return g.inner.Close() }

// BreakerState reports the breaker state of a store built by NewGuardedStore,
// or "" for any other store.
func BreakerState(s Store) string {
	if g, ok := s.(*guardedStore); ok {
		return g.cb.State().String()
	}
	return ""
}
