// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/jobstream/internal/eventlog"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// seedSqlite creates an event log with one job holding n progress events.
func seedSqlite(t *testing.T, dataDir string, n int) {
	t.Helper()
	ctx := context.Background()
	s, err := eventlog.NewSqliteStore(filepath.Join(dataDir, "events.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	_, err = s.CreateJob(ctx, "J1")
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := s.Append(ctx, eventlog.AppendRequest{
			JobID:   "J1",
			Type:    eventlog.TypeProgress,
			Payload: []byte(fmt.Sprintf(`{"pct":%d}`, i*10)),
		})
		require.NoError(t, err)
	}
}

func TestConfigCLI_Validate(t *testing.T) {
	var stdout, stderr bytes.Buffer
	good := writeFile(t, "good.yaml", "store:\n  backend: memory\n")
	assert.Equal(t, 0, configCLI([]string{"validate", "-f", good}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "is valid")

	stderr.Reset()
	bad := writeFile(t, "bad.yaml", "store:\n  backend: memory\n  flavour: x\n")
	assert.Equal(t, 1, configCLI([]string{"validate", "--file", bad}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "flavour")

	assert.Equal(t, 2, configCLI([]string{"frobnicate"}, &stdout, &stderr))
}

func TestConfigCLI_DumpRedactsSecrets(t *testing.T) {
	path := writeFile(t, "cfg.yaml", `
store:
  backend: postgres
  dsn: postgres://jobs:hunter2@db:5432/jobstream
  redis:
    password: topsecret
`)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, configCLI([]string{"dump", "-f", path, "--format", "json"}, &stdout, &stderr), stderr.String())
	assert.NotContains(t, stdout.String(), "hunter2")
	assert.NotContains(t, stdout.String(), "topsecret")

	var dumped map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &dumped))
	store := dumped["store"].(map[string]any)
	assert.Equal(t, "postgres", store["backend"])
	assert.Equal(t, "postgres://db:5432/jobstream", store["dsn"])

	stdout.Reset()
	require.Equal(t, 0, configCLI([]string{"dump", "-f", path}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "backend: postgres")
}

func TestStorageCLI_Verify(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	seedSqlite(t, dataDir, 3)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, storageCLI(ctx, []string{"verify", "--data-dir", dataDir, "--mode", "full"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "1 jobs with gapless sequences")

	s, err := eventlog.NewSqliteStore(filepath.Join(dataDir, "events.sqlite"))
	require.NoError(t, err)
	_, err = s.DB.Exec(`DELETE FROM events WHERE seq = 2`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	stderr.Reset()
	assert.Equal(t, 1, storageCLI(ctx, []string{"verify", "--data-dir", dataDir}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "SEQUENCE GAPS")

	assert.Equal(t, 2, storageCLI(ctx, []string{"verify"}, &stdout, &stderr))
	assert.Equal(t, 2, storageCLI(ctx, []string{"verify", "--path", "x", "--mode", "deep"}, &stdout, &stderr))
}

func TestExportCLI(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	seedSqlite(t, dataDir, 4)
	cfgPath := writeFile(t, "cfg.yaml", "dataDir: "+dataDir+"\nstore:\n  backend: sqlite\n")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, exportCLI(ctx, []string{"-f", cfgPath, "--job", "J1"}, &stdout, &stderr), stderr.String())
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 4)
	var last eventlog.Event
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, uint64(4), last.Seq)

	out := filepath.Join(t.TempDir(), "J1.jsonl")
	stdout.Reset()
	require.Equal(t, 0, exportCLI(ctx, []string{"-f", cfgPath, "--job", "J1", "--out", out}, &stdout, &stderr), stderr.String())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(data), "\n"))

	assert.Equal(t, 1, exportCLI(ctx, []string{"-f", cfgPath, "--job", "nope"}, &stdout, &stderr))
	assert.Equal(t, 2, exportCLI(ctx, []string{"-f", cfgPath}, &stdout, &stderr))
}

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, healthcheck([]string{"--addr", addr, "--mode", "live"}, &stdout, &stderr))
	assert.Equal(t, 1, healthcheck([]string{"--addr", addr}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "503")
}

func TestHealthcheck_RejectsUnknownMode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, healthcheck([]string{"--mode", "deep"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown mode")
}

func TestProbeAddr(t *testing.T) {
	for listen, want := range map[string]string{
		"":               "localhost:8080",
		":9000":          "localhost:9000",
		"0.0.0.0:81":     "localhost:81",
		"10.0.0.5:8080":  "10.0.0.5:8080",
		"[::]:7000":      "localhost:7000",
		"not-an-address": "not-an-address",
	} {
		assert.Equal(t, want, probeAddr(listen), listen)
	}
}
