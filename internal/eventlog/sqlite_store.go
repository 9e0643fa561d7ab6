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

	"github.com/ManuGH/jobstream/internal/persistence/sqlite"
	"github.com/google/uuid"
)

const sqliteSchemaVersion = 1

// SqliteStore implements Store on a local SQLite database in WAL mode.
// Several processes may share the file; SQLite's write lock serializes
// appends across them, jobLocks serializes them inside this one.
type SqliteStore struct {
	DB    *sql.DB
	path  string
	locks jobLocks
}

// NewSqliteStore opens (and migrates) the event log at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db, path: dbPath}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seq INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		PRIMARY KEY (job_id, seq)
	) WITHOUT ROWID;
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Path returns the database file location.
func (s *SqliteStore) Path() string { return s.path }

func (s *SqliteStore) CreateJob(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (job_id, status, last_seq, created_at_ms, updated_at_ms)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, jobID, string(StatusStarted), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Job{}, unavailable("sqlite create job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Job{}, ErrJobExists
	}
	return Job{JobID: jobID, Status: StatusStarted, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SqliteStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	var (
		job                Job
		status             string
		lastSeq            int64
		createdMs, updated int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT job_id, status, last_seq, created_at_ms, updated_at_ms
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&job.JobID, &status, &lastSeq, &createdMs, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, unavailable("sqlite get job", err)
	}
	job.Status = JobStatus(status)
	job.LastSeq = uint64(lastSeq)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	return job, nil
}

func (s *SqliteStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	now := time.Now().UTC()
	if err := req.Normalize(now); err != nil {
		return Event{}, err
	}
	unlock := s.locks.lock(req.JobID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, unavailable("sqlite append", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The seq bump takes the write lock first, so the read of last_seq and
	// the insert below cannot interleave with another writer.
	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs SET last_seq = last_seq + 1, updated_at_ms = ?
		WHERE job_id = ? AND status NOT IN (?, ?, ?)
		RETURNING last_seq
	`, now.UnixMilli(), req.JobID,
		string(StatusCompleted), string(StatusFailed), string(StatusCanceled)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, s.rejectReason(ctx, tx, req.JobID)
	}
	if err != nil {
		return Event{}, unavailable("sqlite append", err)
	}

	ev := req.event(uint64(seq))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (job_id, seq, type, payload, ts_ms) VALUES (?, ?, ?, ?, ?)
	`, ev.JobID, seq, string(ev.Type), string(ev.Payload), ev.TS.UnixMilli()); err != nil {
		return Event{}, unavailable("sqlite append", err)
	}
	if req.Status != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE job_id = ?`,
			string(req.Status), req.JobID); err != nil {
			return Event{}, unavailable("sqlite append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Event{}, unavailable("sqlite append commit", err)
	}
	return ev, nil
}

// rejectReason tells a missing job apart from a terminal one after the
// guarded seq bump matched no row.
func (s *SqliteStore) rejectReason(ctx context.Context, tx *sql.Tx, jobID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return unavailable("sqlite append", err)
	}
	return ErrJobTerminal
}

func (s *SqliteStore) Read(ctx context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	limit = clampLimit(limit)
	if pastEnd(afterSeq) {
		return []Event{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, type, payload, ts_ms FROM events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, jobID, int64(afterSeq), limit)
	if err != nil {
		return nil, unavailable("sqlite read", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			seq     int64
			typ     string
			payload string
			tsMs    int64
		)
		if err := rows.Scan(&seq, &typ, &payload, &tsMs); err != nil {
			return nil, unavailable("sqlite read", err)
		}
		out = append(out, Event{
			JobID:   jobID,
			Seq:     uint64(seq),
			Type:    EventType(typ),
			Payload: []byte(payload),
			TS:      time.UnixMilli(tsMs).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite read", err)
	}
	return out, nil
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return unavailable("sqlite ping", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

var _ Store = (*SqliteStore)(nil)
