// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration.
//
// Precedence is defaults, then a strict YAML file, then JOBSTREAM_*
// environment variables. The merged result is validated before use;
// ConfigHolder re-runs the same pipeline when the file changes.
package config
