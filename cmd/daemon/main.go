// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command daemon runs the jobstream server and its maintenance commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/jobstream/internal/config"
	"github.com/ManuGH/jobstream/internal/daemon"
	jslog "github.com/ManuGH/jobstream/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "storage":
			os.Exit(runStorageCLI(os.Args[2:]))
		case "export":
			os.Exit(runExportCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	os.Exit(serve(resolveConfigPath(*configPath)))
}

func serve(configPath string) int {
	// Safe defaults until config is loaded.
	jslog.Configure(jslog.Config{
		Level:   "info",
		Service: "jobstream",
		Version: version,
	})
	logger := jslog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Precedence: ENV > file > defaults.
	loader := config.NewLoader(configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(jslog.FieldEvent, "config.load_failed").
			Str("config_path", configPath).
			Msg("failed to load configuration")
		return 1
	}

	jslog.Configure(jslog.Config{
		Level:   cfg.LogLevel,
		Service: "jobstream",
		Version: cfg.Version,
	})

	source := "env+defaults"
	if configPath != "" {
		source = "file"
	}
	logger.Info().
		Str(jslog.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", configPath).
		Str(jslog.FieldBackend, cfg.Store.Backend).
		Str("bus", cfg.Bus.Driver).
		Str("bus_url", maskURL(cfg.Bus.URL)).
		Msg("configuration loaded")

	rt, err := daemon.Bootstrap(ctx, cfg)
	if err != nil {
		logger.Error().
			Err(err).
			Str(jslog.FieldEvent, "startup.failed").
			Msg("startup failed, verify configuration and permissions")
		return 1
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	mgr, err := daemon.NewManager(daemon.ServerConfigFrom(cfg.API), daemon.Deps{
		Logger:     logger,
		APIHandler: rt.API.Handler(),
		OnShutdown: func() { _ = rt.Streams.Close() },
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create daemon manager")
		return 1
	}

	app := daemon.NewApp(logger, mgr, config.NewConfigHolder(cfg, loader), rt)
	if err := app.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str(jslog.FieldEvent, "daemon.failed").
			Msg("daemon stopped with error")
		return 1
	}
	logger.Info().Str(jslog.FieldEvent, "daemon.stopped").Msg("daemon stopped")
	return 0
}
