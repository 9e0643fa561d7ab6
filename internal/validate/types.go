// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"slices"
	"strings"
)

// Choice is the closed set of values a config key accepts.
type Choice []string

// Accepted values for the enumerated config keys.
var (
	LogLevels      = Choice{"debug", "info", "warn", "error"}
	StoreBackends  = Choice{"memory", "sqlite", "badger", "redis", "postgres"}
	BusDrivers     = Choice{"none", "memory", "redis", "nats"}
	TraceExporters = Choice{"grpc", "http"}
)

// Has reports whether s is a member. Matching is exact.
func (c Choice) Has(s string) bool { return slices.Contains(c, s) }

func (c Choice) String() string { return strings.Join(c, ", ") }
