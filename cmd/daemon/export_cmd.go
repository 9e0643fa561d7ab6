// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ManuGH/jobstream/internal/config"
	"github.com/ManuGH/jobstream/internal/daemon"
	"github.com/ManuGH/jobstream/internal/export"
)

func runExportCLI(args []string) int {
	return exportCLI(context.Background(), args, os.Stdout, os.Stderr)
}

// exportCLI writes one job's history as JSON lines, reading the configured
// store directly. Shared backends (redis, postgres) can be exported while
// the daemon runs; sqlite tolerates it through WAL.
func exportCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, file := configFlags("jobstream export", stderr)
	var jobID, out string
	fs.StringVar(&jobID, "job", "", "job id to export (required)")
	fs.StringVar(&out, "out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if jobID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --job is required")
		return 2
	}

	configPath := resolveConfigPath(*file)
	cfg, err := config.NewLoader(configPath, version).Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", displayPath(configPath), err)
		return 1
	}
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	src := export.FromStore(store)
	var sum export.Summary
	if out == "" {
		sum, err = export.WriteJSONL(ctx, src, jobID, stdout)
	} else {
		sum, err = export.ToFile(ctx, src, jobID, out)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "exported %d events of job %s (status %s)\n", sum.Events, jobID, sum.Job.Status)
	return 0
}
