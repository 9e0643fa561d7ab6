// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"context"
	"database/sql"
	"fmt"
)

// SequenceIssue reports a job whose stored events do not form the gapless
// run 1..last_seq.
type SequenceIssue struct {
	JobID   string
	LastSeq uint64
	Count   uint64
	MinSeq  uint64
	MaxSeq  uint64
}

func (i SequenceIssue) String() string {
	return fmt.Sprintf("job %s: last_seq=%d but %d events stored (seq %d..%d)",
		i.JobID, i.LastSeq, i.Count, i.MinSeq, i.MaxSeq)
}

// CheckSqliteSequences scans an event log database (which may be opened
// read-only) for jobs whose events are not exactly 1..last_seq.
func CheckSqliteSequences(ctx context.Context, db *sql.DB) (jobs int, issues []SequenceIssue, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT j.job_id, j.last_seq,
		       COUNT(e.seq), COALESCE(MIN(e.seq), 0), COALESCE(MAX(e.seq), 0)
		FROM jobs j LEFT JOIN events e ON e.job_id = j.job_id
		GROUP BY j.job_id, j.last_seq
		ORDER BY j.job_id
	`)
	if err != nil {
		return 0, nil, fmt.Errorf("sequence scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			si                  SequenceIssue
			last, count, lo, hi int64
		)
		if err := rows.Scan(&si.JobID, &last, &count, &lo, &hi); err != nil {
			return jobs, issues, fmt.Errorf("sequence scan: %w", err)
		}
		jobs++
		si.LastSeq, si.Count, si.MinSeq, si.MaxSeq = uint64(last), uint64(count), uint64(lo), uint64(hi)
		if count == last && hi == last && (count == 0 || lo == 1) {
			continue
		}
		issues = append(issues, si)
	}
	if err := rows.Err(); err != nil {
		return jobs, issues, fmt.Errorf("sequence scan: %w", err)
	}
	return jobs, issues, nil
}
