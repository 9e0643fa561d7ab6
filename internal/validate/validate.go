// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package validate checks configuration values and reports every
// problem at once.
package validate

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Error is one rejected config key.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator collects every problem in a config instead of stopping at the
// first one.
type Validator struct {
	errs []Error
}

// ValidationError is the error returned by Validator.Err.
type ValidationError struct {
	errs []Error
}

func New() *Validator { return &Validator{} }

func (v *Validator) AddError(field, message string, value any) {
	v.errs = append(v.errs, Error{Field: field, Value: value, Message: message})
}

func (v *Validator) IsValid() bool { return len(v.errs) == 0 }

func (v *Validator) Errors() []Error { return v.errs }

// Err returns nil when nothing was recorded.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return ValidationError{errs: slices.Clone(v.errs)}
}

func (e ValidationError) Errors() []Error { return e.errs }

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.errs))
	for i, fe := range e.errs {
		msgs[i] = fe.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// URL requires a parseable URL with a host and, when schemes is non-empty,
// one of those schemes.
func (v *Validator) URL(field, value string, schemes []string) {
	if value == "" {
		v.AddError(field, "URL is required", value)
		return
	}
	u, err := url.Parse(value)
	switch {
	case err != nil:
		v.AddError(field, fmt.Sprintf("unparseable URL: %v", err), value)
	case u.Host == "":
		v.AddError(field, "URL has no host", value)
	case len(schemes) > 0 && !slices.Contains(schemes, u.Scheme):
		v.AddError(field, fmt.Sprintf("scheme %q not in %v", u.Scheme, schemes), value)
	}
}

func (v *Validator) Port(field string, port int) {
	v.Range(field, port, 1, 65535)
}

// Range is inclusive on both ends.
func (v *Validator) Range(field string, value, minVal, maxVal int) {
	if value < minVal || value > maxVal {
		v.AddError(field, fmt.Sprintf("%d outside [%d, %d]", value, minVal, maxVal), value)
	}
}

// Directory checks a data directory. Missing directories are created
// unless mustExist is set.
func (v *Validator) Directory(field, path string, mustExist bool) {
	if path == "" {
		v.AddError(field, "directory is required", path)
		return
	}
	if strings.Contains(path, "..") {
		v.AddError(field, "path must not contain ..", path)
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		v.AddError(field, err.Error(), path)
		return
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist) && mustExist:
		v.AddError(field, "directory does not exist", path)
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, 0o750); err != nil {
			v.AddError(field, fmt.Sprintf("create: %v", err), path)
		}
	case err != nil:
		v.AddError(field, err.Error(), path)
	case !info.IsDir():
		v.AddError(field, "not a directory", path)
	}
}

func (v *Validator) NotEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "value is required", value)
	}
}

// OneOf checks value against a fixed list.
func (v *Validator) OneOf(field, value string, allowed Choice) {
	if !allowed.Has(value) {
		v.AddError(field, fmt.Sprintf("%q is not one of: %s", value, allowed), value)
	}
}

func (v *Validator) Positive(field string, value int) {
	if value <= 0 {
		v.AddError(field, fmt.Sprintf("must be > 0, got %d", value), value)
	}
}

func (v *Validator) NonNegative(field string, value int) {
	if value < 0 {
		v.AddError(field, fmt.Sprintf("must be >= 0, got %d", value), value)
	}
}

// ListenAddr accepts host:port with an optional host. Port 0 lets the
// kernel choose.
func (v *Validator) ListenAddr(field, addr string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError(field, err.Error(), addr)
		return
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		v.AddError(field, fmt.Sprintf("bad port %q", port), addr)
	}
}

func (v *Validator) MinDuration(field string, d, minVal time.Duration) {
	if d < minVal {
		v.AddError(field, fmt.Sprintf("%s is below the minimum %s", d, minVal), d)
	}
}
