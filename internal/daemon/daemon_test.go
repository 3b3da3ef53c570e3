// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/config"
	"github.com/tombee/fastflow/internal/executor/executortest"
	"github.com/tombee/fastflow/internal/store"
)

// startDaemon assembles a daemon on a fake backend and serves it on an
// ephemeral port.
func startDaemon(t *testing.T) (*Daemon, *executortest.Fake, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Paths.PipelinesDir = filepath.Join(dir, "pipelines")
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.LogsDir = filepath.Join(dir, "data", "logs")
	cfg.Paths.CacheDir = filepath.Join(dir, "data", "cache")
	cfg.Paths.SharedDir = filepath.Join(dir, "data", "shared")
	cfg.Runtime.UVBinary = filepath.Join(dir, "uv-not-installed")
	cfg.DevMode = true
	require.NoError(t, os.MkdirAll(cfg.Paths.PipelinesDir, 0o755))

	fake := executortest.NewFake()
	d, err := New(cfg, Options{Version: "test", Backend: fake})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr = d.Addr(); addr != "" {
			break
		}
		select {
		case err := <-errCh:
			t.Fatalf("daemon exited before binding: %v", err)
		default:
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, addr, "daemon never bound its listener")

	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		require.NoError(t, d.Shutdown(shutdownCtx))
		require.NoError(t, <-errCh)
	})
	return d, fake, "http://" + addr
}

func addPipeline(t *testing.T, cfg *config.Config, name string) {
	t.Helper()
	dir := filepath.Join(cfg.Paths.PipelinesDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDaemonServesHealthAndVersion(t *testing.T) {
	_, _, base := startDaemon(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, base+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var version map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/version", &version))
	assert.Equal(t, "test", version["version"])

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDaemonEndToEndRun(t *testing.T) {
	d, fake, base := startDaemon(t)
	addPipeline(t, d.cfg, "etl")
	fake.ScriptPipeline("etl", executortest.Script{Lines: []string{"hello from etl"}})

	resp, err := http.Post(base+"/v1/pipelines/etl/runs", "application/json",
		bytes.NewReader([]byte(`{"env":{"MODE":"smoke"}}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	require.NotEmpty(t, run.ID)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var got store.Run
		require.Equal(t, http.StatusOK, getJSON(t, fmt.Sprintf("%s/v1/runs/%s", base, run.ID), &got))
		if got.Status.Terminal() {
			assert.Equal(t, store.RunSuccess, got.Status)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal status")
}

func TestDaemonReconcilesOnStart(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Paths.PipelinesDir = filepath.Join(dir, "pipelines")
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.LogsDir = filepath.Join(dir, "data", "logs")
	cfg.Paths.CacheDir = filepath.Join(dir, "data", "cache")
	cfg.DevMode = true
	require.NoError(t, os.MkdirAll(cfg.Paths.PipelinesDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Paths.DataDir, 0o755))

	// A previous daemon left a running row whose workload is gone.
	st, err := store.New(store.Config{Path: filepath.Join(cfg.Paths.DataDir, "fastflow.db"), WAL: true})
	require.NoError(t, err)
	require.NoError(t, st.EnsurePipeline(context.Background(), "etl"))
	orphan := &store.Run{ID: "orphan-1", Pipeline: "etl", Status: store.RunPending, TriggeredBy: "manual"}
	require.NoError(t, st.CreateRun(context.Background(), orphan))
	require.NoError(t, st.Close())

	fake := executortest.NewFake()
	d, err := New(cfg, Options{Backend: fake})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()
	defer func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		require.NoError(t, d.Shutdown(shutdownCtx))
		<-errCh
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := d.store.GetRun(context.Background(), "orphan-1")
		require.NoError(t, err)
		if run.Status.Terminal() {
			assert.Equal(t, store.RunInterrupted, run.Status)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("orphaned run was never repaired")
}
