// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/jobstream/internal/config"
	"github.com/ManuGH/jobstream/internal/log"
)

// App runs the daemon: the HTTP server through Manager, the stream
// manager's background loops and the config reload paths. All of them
// share one errgroup, so the first fatal error stops the rest.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	cfgHolder    *config.ConfigHolder // nil disables reload
	runtime      *Runtime
	reloadSignal os.Signal
}

func NewApp(logger zerolog.Logger, manager Manager, cfgHolder *config.ConfigHolder, rt *Runtime) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		cfgHolder:    cfgHolder,
		runtime:      rt,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}
	g, ctx := errgroup.WithContext(ctx)

	if a.runtime != nil {
		a.manager.RegisterShutdownHook("runtime", a.runtime.Close)
		g.Go(func() error { return a.runtime.Streams.Run(ctx) })
	}
	if a.cfgHolder != nil {
		a.startReload(ctx, g)
	}
	g.Go(func() error { return a.manager.Start(ctx) })

	err := g.Wait()
	if a.cfgHolder != nil {
		a.cfgHolder.Wait()
	}
	return err
}

// startReload wires both reload triggers, the file watcher and the reload
// signal, to apply. A watcher that fails to start only costs the
// automatic path.
func (a *App) startReload(ctx context.Context, g *errgroup.Group) {
	if err := a.cfgHolder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_start_failed").Msg("config watcher unavailable")
	}

	updates := make(chan config.AppConfig, 1)
	a.cfgHolder.RegisterListener(updates)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-updates:
				a.apply(cfg)
			}
		}
	})

	if a.reloadSignal == nil {
		return
	}
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, a.reloadSignal)
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sig:
				a.logger.Info().Str(log.FieldEvent, "config.reload_signal").Msg("reload requested by signal")
				_ = a.cfgHolder.Reload(ctx)
			}
		}
	})
}

// apply hands the reloadable settings to the running components. Replay
// settings reach sessions that attach afterwards.
func (a *App) apply(cfg config.AppConfig) {
	if !log.SetLevel(cfg.LogLevel) {
		a.logger.Warn().Str("level", cfg.LogLevel).Msg("ignoring unknown log level")
	}
	if a.runtime != nil && a.runtime.API != nil {
		a.runtime.API.SetReplaySettings(ReplaySettings(cfg.Replay))
	}
	a.logger.Info().
		Str(log.FieldEvent, "config.applied").
		Str("log_level", cfg.LogLevel).
		Interface("replay", cfg.Replay).
		Msg("reloaded settings applied")
}
