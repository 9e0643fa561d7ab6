// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sqlite opens the event log database and checks its integrity.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Config holds the connection settings for a writable database.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
	// Synchronous is the PRAGMA synchronous level; appends are only
	// acknowledged once durable, so the default is FULL.
	Synchronous string
}

func DefaultConfig() Config {
	return Config{BusyTimeout: 5 * time.Second, MaxOpenConns: 16, Synchronous: "FULL"}
}

// dsn encodes the pragmas as _pragma parameters so the driver applies them
// to every connection in the pool, not just the first.
func (c Config) dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	if c.Synchronous != "" {
		q.Add("_pragma", "synchronous("+c.Synchronous+")")
	}
	return "file:" + path + "?" + q.Encode()
}

// Open creates the parent directory if needed and returns a pinged pool in
// WAL mode.
func Open(path string, cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return db, nil
}
