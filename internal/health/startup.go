// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ManuGH/jobstream/internal/config"
	"github.com/ManuGH/jobstream/internal/log"
)

// PerformStartupChecks fails fast on an unusable data directory for the
// file-backed stores and warns about deployments that lose data or
// latency.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")

	switch backend := cfg.Store.Backend; backend {
	case "sqlite", "badger":
		if err := probeWritable(cfg.DataDir); err != nil {
			return fmt.Errorf("data directory check failed: %w", err)
		}
		logger.Debug().Str("path", cfg.DataDir).Msg("data directory is writable")
	case "memory":
		logger.Warn().Str("store_backend", backend).Msg("in-memory event store; job logs are lost on restart")
	case "redis", "postgres":
		if cfg.Bus.Driver == "none" {
			logger.Warn().
				Str("store_backend", backend).
				Dur("poll_interval", cfg.Stream.PollInterval).
				Msg("shared store without a bus; followers rely on polling alone")
		}
	}
	return nil
}

// probeWritable creates and removes a scratch file in dir.
func probeWritable(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("directory does not exist: %s", dir)
	case err != nil:
		return err
	case !info.IsDir():
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	f, err := os.CreateTemp(dir, ".write_test-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
