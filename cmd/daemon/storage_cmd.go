// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/persistence/sqlite"
)

func runStorageCLI(args []string) int {
	return storageCLI(context.Background(), args, os.Stdout, os.Stderr)
}

func storageCLI(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printStorageUsage(stdout)
		return 0
	}

	switch args[0] {
	case "verify":
		return runStorageVerify(ctx, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown subcommand: %s\n\n", args[0])
		printStorageUsage(stderr)
		return 2
	}
}

func printStorageUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  jobstream storage verify [--path PATH | --data-dir DIR] [--mode quick|full]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Flags:")
	_, _ = fmt.Fprintln(w, "  --path string      Path to the SQLite event log")
	_, _ = fmt.Fprintln(w, "  --data-dir string  Data directory holding events.sqlite")
	_, _ = fmt.Fprintln(w, "  --mode string      Verification mode: quick (default) or full")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Subcommands:")
	_, _ = fmt.Fprintln(w, "  verify    Check database integrity and per-job sequence continuity")
}

func runStorageVerify(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("jobstream storage verify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var path, dataDir, mode string
	fs.StringVar(&path, "path", "", "Path to the SQLite event log")
	fs.StringVar(&dataDir, "data-dir", "", "Data directory holding events.sqlite")
	fs.StringVar(&mode, "mode", sqlite.ModeQuick, "Verification mode: quick or full")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, "events.sqlite")
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --path or --data-dir is required")
		return 2
	}

	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != sqlite.ModeQuick && mode != sqlite.ModeFull {
		_, _ = fmt.Fprintf(stderr, "Error: invalid mode %q. Use 'quick' or 'full'.\n", mode)
		return 2
	}

	return doVerify(ctx, path, mode, stdout, stderr)
}

func doVerify(ctx context.Context, path, mode string, stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stderr, "Verifying %s (mode: %s)...\n", path, mode)

	issues, err := sqlite.VerifyIntegrity(ctx, path, mode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Verification interrupted: %v\n", err)
		return 1
	}
	if issues != nil {
		_, _ = fmt.Fprintln(stderr, "CORRUPTION DETECTED:")
		for _, issue := range issues {
			_, _ = fmt.Fprintf(stderr, "  - %s\n", issue)
		}
		return 1
	}

	db, err := sqlite.OpenReadOnly(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Verification interrupted: %v\n", err)
		return 1
	}
	defer db.Close()

	jobs, gaps, err := eventlog.CheckSqliteSequences(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Verification interrupted: %v\n", err)
		return 1
	}
	if len(gaps) > 0 {
		_, _ = fmt.Fprintf(stderr, "SEQUENCE GAPS in %d of %d jobs:\n", len(gaps), jobs)
		for _, g := range gaps {
			_, _ = fmt.Fprintf(stderr, "  - %s\n", g)
		}
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "ok: integrity verified, %d jobs with gapless sequences\n", jobs)
	return 0
}
