// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for deployments with several
// instances writing to one shared log. The row lock taken by the seq bump
// serializes appends per job across every instance.
type PostgresStore struct {
	DB *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobstream_jobs (
	job_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_seq BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobstream_events (
	job_id TEXT NOT NULL REFERENCES jobstream_jobs(job_id),
	seq BIGINT NOT NULL,
	type TEXT NOT NULL,
	payload JSON NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, seq)
);
`

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, unavailable("postgres open", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("postgres ping", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: migration failed: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobstream_jobs (job_id, status, last_seq, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
	`, jobID, string(StatusStarted), now)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return Job{}, ErrJobExists
	}
	if err != nil {
		return Job{}, unavailable("postgres create job", err)
	}
	return Job{JobID: jobID, Status: StatusStarted, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	var (
		job     Job
		status  string
		lastSeq int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT job_id, status, last_seq, created_at, updated_at
		FROM jobstream_jobs WHERE job_id = $1
	`, jobID).Scan(&job.JobID, &status, &lastSeq, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, unavailable("postgres get job", err)
	}
	job.Status = JobStatus(status)
	job.LastSeq = uint64(lastSeq)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	now := time.Now().UTC()
	if err := req.Normalize(now); err != nil {
		return Event{}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, unavailable("postgres append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE jobstream_jobs
		SET last_seq = last_seq + 1, updated_at = $2,
		    status = COALESCE(NULLIF($3, ''), status)
		WHERE job_id = $1 AND status <> ALL($4)
		RETURNING last_seq
	`, req.JobID, now, string(req.Status),
		pq.Array([]string{string(StatusCompleted), string(StatusFailed), string(StatusCanceled)}),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM jobstream_jobs WHERE job_id = $1)`, req.JobID).Scan(&exists); err != nil {
			return Event{}, unavailable("postgres append", err)
		}
		if !exists {
			return Event{}, ErrJobNotFound
		}
		return Event{}, ErrJobTerminal
	}
	if err != nil {
		return Event{}, unavailable("postgres append", err)
	}

	ev := req.event(uint64(seq))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobstream_events (job_id, seq, type, payload, ts) VALUES ($1, $2, $3, $4, $5)
	`, ev.JobID, seq, string(ev.Type), string(ev.Payload), ev.TS); err != nil {
		return Event{}, unavailable("postgres append", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, unavailable("postgres append commit", err)
	}
	return ev, nil
}

func (s *PostgresStore) Read(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	limit = clampLimit(limit)
	if pastEnd(afterSeq) {
		return []Event{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, type, payload::text, ts FROM jobstream_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, jobID, int64(afterSeq), limit)
	if err != nil {
		return nil, unavailable("postgres read", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			seq     int64
			typ     string
			payload string
			ts      time.Time
		)
		if err := rows.Scan(&seq, &typ, &payload, &ts); err != nil {
			return nil, unavailable("postgres read", err)
		}
		out = append(out, Event{
			JobID:   jobID,
			Seq:     uint64(seq),
			Type:    EventType(typ),
			Payload: []byte(payload),
			TS:      ts.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres read", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return unavailable("postgres ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.DB.Close() }

var _ Store = (*PostgresStore)(nil)
