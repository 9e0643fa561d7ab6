// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

// Construction and lifecycle errors.
var (
	ErrMissingLogger     = errors.New("daemon: logger not set")
	ErrMissingAPIHandler = errors.New("daemon: API handler not set")
	ErrMissingManager    = errors.New("daemon: app has no server manager")
	ErrManagerNotStarted = errors.New("daemon: shutdown before start")
)
