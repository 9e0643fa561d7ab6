// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"cmp"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the process logger. Zero values fall back to LOG_LEVEL,
// info, stdout and the "jobstream" service name.
type Config struct {
	Level   string
	Output  io.Writer
	Service string
	Version string
}

var root atomic.Pointer[zerolog.Logger]

func init() {
	Configure(Config{})
}

// Configure replaces the process logger. It runs once with defaults at
// startup and again after the configuration has been loaded.
func Configure(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cmp.Or(cfg.Level, os.Getenv("LOG_LEVEL"), "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Output != nil {
		out = cfg.Output
	}
	l := zerolog.New(out).With().
		Timestamp().
		Str("service", cmp.Or(cfg.Service, "jobstream")).
		Str("version", cfg.Version).
		Logger()
	root.Store(&l)
}

// SetLevel changes the global level in place. It reports false and leaves
// the level alone when level does not parse.
func SetLevel(level string) bool {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}

// WithComponent returns a child of the process logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return root.Load().With().Str(FieldComponent, component).Logger()
}
