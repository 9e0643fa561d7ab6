// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventlog is the durable, append-only event log keyed by job and
// sequence number. It is the single source of truth for every process
// instance: caches and subscriber registries sit in front of it, never
// beside it.
package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sync"
)

// Store is the system of record for jobs and their events.
//
// Append assigns the next seq for the job and must not return before the
// event is durable. Appends to the same job are serialized; appends to
// different jobs may proceed concurrently. Read never fails for an unknown
// job, it returns an empty slice.
type Store interface {
	CreateJob(ctx context.Context, jobID string) (Job, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	Append(ctx context.Context, req AppendRequest) (Event, error)
	Read(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a store backend.
type Options struct {
	Backend string // memory, sqlite, badger, redis, postgres
	DataDir string // sqlite and badger
	DSN     string // postgres
	Redis   RedisOptions
}

// RedisOptions holds Redis connection configuration.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// OpenStore creates a Store based on the backend configuration.
func OpenStore(opts Options) (Store, error) {
	backend := opts.Backend
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if opts.DataDir == "" {
			return NewMemoryStore(), nil
		}
		return NewSqliteStore(filepath.Join(opts.DataDir, "events.sqlite"))
	case "badger":
		if opts.DataDir == "" {
			return nil, fmt.Errorf("badger backend requires a data directory")
		}
		return OpenBadgerStore(filepath.Join(opts.DataDir, "events.badger"))
	case "redis":
		return NewRedisStore(opts.Redis)
	case "postgres":
		return NewPostgresStore(opts.DSN)
	default:
		return nil, fmt.Errorf("unknown event store backend: %s (supported: memory, sqlite, badger, redis, postgres)", backend)
	}
}

const jobLockStripes = 64

// jobLocks serializes appends per job inside one process. Striping keeps
// memory bounded for an unbounded number of job ids; two jobs sharing a
// stripe only ever wait on each other for the duration of one append.
type jobLocks struct {
	stripes [jobLockStripes]sync.Mutex
}

func (l *jobLocks) lock(jobID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	m := &l.stripes[h.Sum32()%jobLockStripes]
	m.Lock()
	return m.Unlock
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxReadLimit {
		return MaxReadLimit
	}
	return limit
}

// MaxReadLimit caps a single Read window.
const MaxReadLimit = 1000

// MaxSeq is the highest seq any backend can hold; the SQL and Redis
// backends store seqs as signed 64-bit integers.
const MaxSeq = math.MaxInt64

// pastEnd reports whether no event can follow afterSeq. Backends answer
// such reads with an empty slice instead of converting the cursor.
func pastEnd(afterSeq uint64) bool {
	return afterSeq >= MaxSeq
}
