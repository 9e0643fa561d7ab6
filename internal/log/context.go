// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log is the process-wide zerolog setup shared by every jobstream
// component.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	jobIDKey
)

// correlation maps context keys to the log field they populate, in the
// order they are added to a logger.
var correlation = []struct {
	key   ctxKey
	field string
}{
	{requestIDKey, FieldRequestID},
	{jobIDKey, FieldJobID},
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, v)
}

func value(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// ContextWithJobID tags ctx with the job a request or session works on.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return withValue(ctx, jobIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string { return value(ctx, requestIDKey) }

func JobIDFromContext(ctx context.Context) string { return value(ctx, jobIDKey) }

// WithContext returns logger with request_id and job_id from ctx attached.
// The logger is returned unchanged when ctx carries neither.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	lc := logger.With()
	added := false
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			lc = lc.Str(c.field, v)
			added = true
		}
	}
	if !added {
		return logger
	}
	return lc.Logger()
}

func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
