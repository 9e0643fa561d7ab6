// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ManuGH/jobstream/internal/config"
)

var probePaths = map[string]string{
	"live":  "/healthz",
	"ready": "/readyz",
}

func runHealthcheckCLI(args []string) int {
	return healthcheck(args, os.Stdout, os.Stderr)
}

// healthcheck probes a running daemon for container HEALTHCHECK use. The
// default address follows JOBSTREAM_LISTEN, with an empty host meaning
// localhost.
func healthcheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jobstream healthcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", "ready", "probe to run: live or ready")
	addr := fs.String("addr", probeAddr(os.Getenv(config.EnvPrefix+"LISTEN")), "daemon host:port")
	timeout := fs.Duration("timeout", 5*time.Second, "probe timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, ok := probePaths[*mode]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown mode %q (want live or ready)\n", *mode)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+*addr+path, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Healthcheck failed: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Healthcheck failed (network): %v\n", err)
		return 1
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Healthcheck failed (%s): %s\n", *mode, resp.Status)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Healthcheck successful (%s)\n", *mode)
	return 0
}

func probeAddr(listen string) string {
	if listen == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
