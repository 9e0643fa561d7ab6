// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	jslog "github.com/ManuGH/jobstream/internal/log"
)

const reloadDebounce = 500 * time.Millisecond

// ConfigHolder serves the running configuration and reloads it from the
// loader's file. A reload applies the log level and the replay settings;
// any other difference is logged as needing a restart and ignored.
type ConfigHolder struct {
	loader  *Loader
	logger  zerolog.Logger
	current atomic.Pointer[AppConfig]

	reloading sync.Mutex // serializes Reload

	mu        sync.Mutex
	listeners []chan<- AppConfig

	wg sync.WaitGroup
}

func NewConfigHolder(initial AppConfig, loader *Loader) *ConfigHolder {
	h := &ConfigHolder{loader: loader, logger: jslog.WithComponent("config")}
	h.current.Store(&initial)
	return h
}

// Get returns a copy of the running configuration.
func (h *ConfigHolder) Get() AppConfig {
	return *h.current.Load()
}

// Reload re-reads and validates the configuration. A config that fails to
// load leaves the running one untouched.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.reloading.Lock()
	defer h.reloading.Unlock()

	loaded, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(jslog.FieldEvent, "config.reload_failed").Msg("configuration reload rejected")
		return fmt.Errorf("load config: %w", err)
	}

	old := h.Get()
	next := withReloadable(old, loaded)
	h.current.Store(&next)

	h.reportChanges(old, next, loaded)
	h.broadcast(next)
	h.logger.Info().Str(jslog.FieldEvent, "config.reload_success").Msg("configuration reloaded")
	return nil
}

// withReloadable returns base with the hot-reloadable fields taken from src.
func withReloadable(base, src AppConfig) AppConfig {
	base.LogLevel = src.LogLevel
	base.Replay.BatchSize = src.Replay.BatchSize
	base.Replay.HeartbeatInterval = src.Replay.HeartbeatInterval
	base.Replay.PadBytes = src.Replay.PadBytes
	return base
}

func (h *ConfigHolder) reportChanges(old, applied, loaded AppConfig) {
	if old.LogLevel != applied.LogLevel {
		h.logger.Info().Str("from", old.LogLevel).Str("to", applied.LogLevel).Msg("log level changed")
	}
	if old.Replay != applied.Replay {
		h.logger.Info().
			Int("batch_size", applied.Replay.BatchSize).
			Dur("heartbeat_interval", applied.Replay.HeartbeatInterval).
			Int("pad_bytes", applied.Replay.PadBytes).
			Msg("replay settings changed")
	}
	// With the reloadable fields blanked on both sides, any remaining
	// difference is one only a restart applies.
	if !reflect.DeepEqual(withReloadable(loaded, AppConfig{}), withReloadable(applied, AppConfig{})) {
		h.logger.Warn().
			Str(jslog.FieldEvent, "config.restart_required").
			Msg("changes outside logLevel and replay need a restart")
	}
}

// RegisterListener adds ch to the channels that receive the configuration
// after each successful reload. A listener whose channel is full misses
// that update.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
}

func (h *ConfigHolder) broadcast(cfg AppConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str(jslog.FieldEvent, "config.listener_skip").Msg("listener busy, update dropped")
		}
	}
}

// StartWatcher reloads whenever the config file changes, until ctx ends.
// It watches the parent directory so editors that save by rename are
// seen. Without a config file it does nothing.
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	path := h.loader.ConfigPath()
	if path == "" {
		h.logger.Info().Str(jslog.FieldEvent, "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.logger.Info().Str(jslog.FieldEvent, "config.watcher_started").Str("path", path).Msg("watching config file")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer w.Close()
		h.watch(ctx, w, filepath.Clean(path))
	}()
	return nil
}

// watch debounces bursts of file events into one reload.
func (h *ConfigHolder) watch(ctx context.Context, w *fsnotify.Watcher, target string) {
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&relevant != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(jslog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		case <-debounce.C:
			_ = h.Reload(ctx)
		}
	}
}

// Wait blocks until the watcher started by StartWatcher has exited.
func (h *ConfigHolder) Wait() { h.wg.Wait() }
