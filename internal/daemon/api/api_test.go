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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor/executortest"
	"github.com/tombee/fastflow/internal/gitsync"
	"github.com/tombee/fastflow/internal/orchestrator"
	"github.com/tombee/fastflow/internal/preheat"
	"github.com/tombee/fastflow/internal/scheduler"
	"github.com/tombee/fastflow/internal/store"
	"github.com/tombee/fastflow/internal/vault"
)

// harness assembles the API over real collaborators and a fake backend.
type harness struct {
	mux   *http.ServeMux
	st    *store.Store
	vlt   *vault.Vault
	disc  *discovery.Service
	orc   *orchestrator.Orchestrator
	sched *scheduler.Scheduler
	fake  *executortest.Fake
	root  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	root := filepath.Join(dir, "pipelines")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))

	st, err := store.New(store.Config{Path: filepath.Join(dir, "api.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	vlt, err := vault.New(st, key, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	disc, err := discovery.New(discovery.Config{Root: root}, logger)
	require.NoError(t, err)

	heater := preheat.New(preheat.Config{
		UVBinary:         filepath.Join(dir, "uv-not-installed"),
		CacheDir:         filepath.Join(dir, "uv_cache"),
		PythonInstallDir: filepath.Join(dir, "uv_python"),
		AppLink:          filepath.Join(dir, "applink"),
		CommandTimeout:   time.Second,
	}, st, logger)

	fake := executortest.NewFake()

	orc := orchestrator.New(orchestrator.Config{
		LogsDir:       filepath.Join(dir, "logs"),
		RunsDir:       filepath.Join(dir, "runs"),
		WorkerImage:   "fastflow-worker:test",
		CancelGrace:   time.Second,
		ShutdownGrace: time.Second,
	}, orchestrator.Deps{
		Store:     st,
		Discovery: disc,
		Vault:     vlt,
		Heater:    heater,
		Backend:   fake,
		Logger:    logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orc.Shutdown(ctx)
	})

	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Store:     st,
		Discovery: disc,
		Runner:    orc,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	NewRunsHandler(orc, st).RegisterRoutes(mux)
	NewPipelinesHandler(disc, st, heater).RegisterRoutes(mux)
	NewSchedulesHandler(sched).RegisterRoutes(mux)
	NewTriggersHandler(st, disc).RegisterRoutes(mux)
	NewSecretsHandler(vlt).RegisterRoutes(mux)
	NewSettingsHandler(st, vlt).RegisterRoutes(mux)

	return &harness{
		mux:   mux,
		st:    st,
		vlt:   vlt,
		disc:  disc,
		orc:   orc,
		sched: sched,
		fake:  fake,
		root:  root,
	}
}

// addPipeline lays a pipeline directory down under the discovery root.
func (h *harness) addPipeline(t *testing.T, name string, meta *discovery.Metadata) {
	t.Helper()
	dir := filepath.Join(h.root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))
	if meta != nil {
		payload, err := json.Marshal(meta)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.json"), payload, 0o644))
	}
}

// do runs one request through the mux and decodes the JSON body into out
// when out is non-nil.
func (h *harness) do(t *testing.T, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
			"undecodable response for %s %s: %s", method, path, rec.Body.String())
	}
	return rec
}

// waitTerminal polls until the run row reaches a terminal status.
func (h *harness) waitTerminal(t *testing.T, runID string) *store.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

// stubSyncer satisfies Syncer for the sync endpoint tests.
type stubSyncer struct {
	result *gitsync.Result
	err    error
	calls  int
}

func (s *stubSyncer) Sync(context.Context) (*gitsync.Result, error) {
	s.calls++
	return s.result, s.err
}

func TestRouterBaseline(t *testing.T) {
	router := NewRouter(RouterConfig{Version: "1.2.3", Commit: "abc1234"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var version map[string]string
	req = httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	require.Equal(t, "1.2.3", version["version"])
	require.Equal(t, "abc1234", version["commit"])
}

func TestSyncEndpoint(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		stub := &stubSyncer{result: &gitsync.Result{Updated: true, NewHead: "deadbeef", Message: "fast-forwarded"}}
		mux := http.NewServeMux()
		NewSyncHandler(stub).RegisterRoutes(mux)

		req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, stub.calls)

		var result gitsync.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.True(t, result.Updated)
		require.Equal(t, "deadbeef", result.NewHead)
	})

	t.Run("failure maps to error status", func(t *testing.T) {
		stub := &stubSyncer{err: fmt.Errorf("remote hung up")}
		mux := http.NewServeMux()
		NewSyncHandler(stub).RegisterRoutes(mux)

		req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
