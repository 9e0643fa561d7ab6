// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// BadgerStore keeps the log in an embedded Badger database. It is
// single-process: Badger holds an exclusive directory lock.
//
// Layout:
//   - jobs:   key = "job:<id>" (JSON Job)
//   - events: key = "ev:" + uint32(len(id)) + id + uint64(seq), big endian,
//     so a prefix scan yields one job's events in seq order.
type BadgerStore struct {
	db    *badger.DB
	locks jobLocks
}

const badgerConflictRetries = 5

// badgerEvent is the stored value; the payload is kept as a string so
// encoding never rewrites it.
type badgerEvent struct {
	Type    EventType `json:"t"`
	Payload string    `json:"p"`
	TS      time.Time `json:"ts"`
}

// OpenBadgerStore opens the Badger directory at path. An empty path opens an
// in-memory instance (tests).
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("badger open", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerJobKey(jobID string) []byte {
	return []byte("job:" + jobID)
}

func badgerEventPrefix(jobID string) []byte {
	k := make([]byte, 0, 3+4+len(jobID)+8)
	k = append(k, "ev:"...)
	k = binary.BigEndian.AppendUint32(k, uint32(len(jobID)))
	return append(k, jobID...)
}

func badgerEventKey(jobID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(badgerEventPrefix(jobID), seq)
}

func (s *BadgerStore) CreateJob(_ context.Context, jobID string) (Job, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	job := Job{JobID: jobID, Status: StatusStarted, CreatedAt: now, UpdatedAt: now}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerJobKey(jobID))
		if err == nil {
			return ErrJobExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		buf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set(badgerJobKey(jobID), buf)
	})
	if errors.Is(err, ErrJobExists) {
		return Job{}, err
	}
	if err != nil {
		return Job{}, unavailable("badger create job", err)
	}
	return job, nil
}

func getBadgerJob(txn *badger.Txn, jobID string) (Job, error) {
	var job Job
	item, err := txn.Get(badgerJobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	return job, err
}

func (s *BadgerStore) GetJob(_ context.Context, jobID string) (Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getBadgerJob(txn, jobID)
		return err
	})
	if errors.Is(err, ErrJobNotFound) {
		return Job{}, err
	}
	if err != nil {
		return Job{}, unavailable("badger get job", err)
	}
	return job, nil
}

func (s *BadgerStore) Append(ctx context.Context, req AppendRequest) (Event, error) {
	now := time.Now().UTC()
	if err := req.Normalize(now); err != nil {
		return Event{}, err
	}
	unlock := s.locks.lock(req.JobID)
	defer unlock()

	var ev Event
	update := func(txn *badger.Txn) error {
		job, err := getBadgerJob(txn, req.JobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return ErrJobTerminal
		}
		job.LastSeq++
		if req.Status != "" {
			job.Status = req.Status
		}
		job.UpdatedAt = now.Truncate(time.Millisecond)

		ev = req.event(job.LastSeq)
		evBuf, err := json.Marshal(badgerEvent{Type: ev.Type, Payload: string(ev.Payload), TS: ev.TS})
		if err != nil {
			return err
		}
		jobBuf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerEventKey(req.JobID, job.LastSeq), evBuf); err != nil {
			return err
		}
		return txn.Set(badgerJobKey(req.JobID), jobBuf)
	}

	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Event{}, unavailable("badger append", ctxErr)
		}
		err = s.db.Update(update)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrJobTerminal):
		return Event{}, err
	default:
		return Event{}, unavailable("badger append", err)
	}
}

func (s *BadgerStore) Read(_ context.Context, jobID string, afterSeq uint64, limit int) ([]Event, error) {
	limit = clampLimit(limit)
	if pastEnd(afterSeq) {
		return []Event{}, nil
	}
	prefix := badgerEventPrefix(jobID)
	out := make([]Event, 0, 16)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerEventKey(jobID, afterSeq+1)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			item := it.Item()
			key := item.Key()
			seq := binary.BigEndian.Uint64(key[len(key)-8:])
			var stored badgerEvent
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			out = append(out, Event{
				JobID:   jobID,
				Seq:     seq,
				Type:    stored.Type,
				Payload: []byte(stored.Payload),
				TS:      stored.TS.UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("badger read", err)
	}
	return out, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return unavailable("badger ping", errors.New("database closed"))
	}
	return nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

var _ Store = (*BadgerStore)(nil)
