// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
)

// Verification modes.
const (
	ModeQuick = "quick"
	ModeFull  = "full"
)

// VerifyIntegrity checks the database file for structural corruption.
// Mode "quick" runs PRAGMA quick_check, "full" runs PRAGMA integrity_check.
// A healthy database yields (nil, nil); otherwise the diagnostic rows are returned.
// The file is opened read-only and must already exist.
func VerifyIntegrity(ctx context.Context, path string, mode string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}
	db, err := OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	pragma := "PRAGMA quick_check;"
	switch mode {
	case "", ModeQuick:
	case ModeFull:
		pragma = "PRAGMA integrity_check;"
	default:
		return nil, fmt.Errorf("unknown verify mode %q (supported: quick, full)", mode)
	}

	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("integrity pragma failed: %w", err)
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, fmt.Errorf("scan integrity row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate integrity rows: %w", err)
	}

	if len(results) == 1 && strings.EqualFold(results[0], "ok") {
		return nil, nil
	}
	if len(results) == 0 {
		return []string{"no results returned from integrity check"}, nil
	}
	return results, nil
}

// OpenReadOnly opens an existing database without taking the write lock.
func OpenReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open read-only: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
