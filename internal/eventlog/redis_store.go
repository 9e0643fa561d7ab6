// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "jobstream:"

// Each job is a hash plus a list. The list index is the seq (index 0 holds
// seq 1), so RPUSH's reply is the assigned seq and reads are LRANGE slices.
// The braces keep both keys of one job in the same cluster slot.
var (
	redisCreateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'last_seq', 0, 'created_at_ms', ARGV[2], 'updated_at_ms', ARGV[2])
return 1
`)

	// Returns the new seq, -1 for an unknown job, -2 for a terminal one.
	redisAppendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'completed' or st == 'failed' or st == 'canceled' then
	return -2
end
local seq = redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'last_seq', seq, 'updated_at_ms', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'status', ARGV[3])
end
return seq
`)
)

// redisEntry is the list element; seq and job id are implied by position
// and key. The payload is kept as a string so encoding never rewrites it.
type redisEntry struct {
	Type    EventType `json:"t"`
	Payload string    `json:"p"`
	TSMs    int64     `json:"ts"`
}

// RedisStore implements Store on Redis. Atomicity of append comes from the
// server-side script, so any number of instances may share it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("redis connect", err)
	}
	return NewRedisStoreFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes
// ownership and closes it on Close.
func NewRedisStoreFromClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.prefix + "job:{" + jobID + "}"
}

func (s *RedisStore) eventsKey(jobID string) string {
	return s.prefix + "events:{" + jobID + "}"
}

func (s *RedisStore) CreateJob(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	created, err := redisCreateScript.Run(ctx, s.client,
		[]string{s.jobKey(jobID)},
		string(StatusStarted), now.UnixMilli(),
	).Int64()
	if err != nil {
		return Job{}, unavailable("redis create job", err)
	}
	if created == 0 {
		return Job{}, ErrJobExists
	}
	return Job{JobID: jobID, Status: StatusStarted, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, unavailable("redis get job", err)
	}
	if len(fields) == 0 {
		return Job{}, ErrJobNotFound
	}
	return parseRedisJob(jobID, fields)
}

func parseRedisJob(jobID string, fields map[string]string) (Job, error) {
	lastSeq, err := strconv.ParseUint(fields["last_seq"], 10, 64)
	if err != nil {
		return Job{}, unavailable("redis get job", fmt.Errorf("last_seq: %w", err))
	}
	created, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return Job{}, unavailable("redis get job", fmt.Errorf("created_at_ms: %w", err))
	}
	updated, err := strconv.ParseInt(fields["updated_at_ms"], 10, 64)
	if err != nil {
		return Job{}, unavailable("redis get job", fmt.Errorf("updated_at_ms: %w", err))
	}
	return Job{
		JobID:     jobID,
		Status:    JobStatus(fields["status"]),
		LastSeq:   lastSeq,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	now := time.Now().UTC()
	if err := req.Normalize(now); err != nil {
		return Event{}, err
	}
	entry, err := json.Marshal(redisEntry{Type: req.Type, Payload: string(req.Payload), TSMs: req.TS.UnixMilli()})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	seq, err := redisAppendScript.Run(ctx, s.client,
		[]string{s.jobKey(req.JobID), s.eventsKey(req.JobID)},
		string(entry), now.UnixMilli(), string(req.Status),
	).Int64()
	if err != nil {
		return Event{}, unavailable("redis append", err)
	}
	switch {
	case seq == -1:
		return Event{}, ErrJobNotFound
	case seq == -2:
		return Event{}, ErrJobTerminal
	case seq <= 0:
		return Event{}, unavailable("redis append", fmt.Errorf("unexpected seq %d", seq))
	}
	return req.event(uint64(seq)), nil
}

func (s *RedisStore) Read(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	limit = clampLimit(limit)
	if pastEnd(afterSeq) {
		return []Event{}, nil
	}
	start := int64(afterSeq)
	stop := start + int64(limit) - 1
	if stop < start {
		stop = MaxSeq
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(jobID), start, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("redis read", err)
	}

	out := make([]Event, 0, len(raw))
	for i, r := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, unavailable("redis read", err)
		}
		out = append(out, Event{
			JobID:   jobID,
			Seq:     afterSeq + uint64(i) + 1,
			Type:    e.Type,
			Payload: []byte(e.Payload),
			TS:      time.UnixMilli(e.TSMs).UTC(),
		})
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
