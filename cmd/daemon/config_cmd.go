// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/jobstream/internal/config"
)

// configPathEnv names the config file when --config/--file is not given.
const configPathEnv = config.EnvPrefix + "CONFIG"

func resolveConfigPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(configPathEnv))
}

func runConfigCLI(args []string) int {
	return configCLI(args, os.Stdout, os.Stderr)
}

func configCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(stdout)
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], stdout, stderr)
	case "dump":
		return runConfigDump(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage(stderr)
		return 2
	}
}

func printConfigUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  jobstream config validate [--file|-f config.yaml]")
	_, _ = fmt.Fprintln(w, "  jobstream config dump [--file|-f config.yaml] [--format=yaml|json]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "Without --file, $%s is used; with neither, defaults + environment.\n", configPathEnv)
}

func configFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	return fs, &file
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs, file := configFlags("jobstream config validate", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := resolveConfigPath(*file)
	if _, err := config.NewLoader(configPath, version).Load(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", displayPath(configPath), err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "%s is valid\n", displayPath(configPath))
	return 0
}

func runConfigDump(args []string, stdout, stderr io.Writer) int {
	fs, file := configFlags("jobstream config dump", stderr)
	var format string
	fs.StringVar(&format, "format", "yaml", "output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := resolveConfigPath(*file)
	cfg, err := config.NewLoader(configPath, version).Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", displayPath(configPath), err)
		return 1
	}
	redactSecrets(&cfg)

	out, err := yaml.Marshal(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Failed to encode YAML: %v\n", err)
		return 1
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		_, _ = stdout.Write(out)
		return 0
	case "json":
		// Round-trip through YAML so the keys match the file format.
		var generic map[string]any
		if err := yaml.Unmarshal(out, &generic); err != nil {
			_, _ = fmt.Fprintf(stderr, "Failed to convert to JSON: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(generic); err != nil {
			_, _ = fmt.Fprintf(stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unsupported format: %s (use yaml or json)\n", format)
		return 2
	}
}

func displayPath(p string) string {
	if p == "" {
		return "<defaults+env>"
	}
	return p
}

func redactSecrets(cfg *config.AppConfig) {
	if cfg.Store.DSN != "" {
		cfg.Store.DSN = maskURL(cfg.Store.DSN)
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = "***"
	}
	if cfg.Bus.URL != "" {
		cfg.Bus.URL = maskURL(cfg.Bus.URL)
	}
}
