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

// Package preheat warms a pipeline's Python environment ahead of its
// runs. uv keys its managed environments on the absolute path of the
// requirements file, so the warmup resolves dependencies through the
// same /app/requirements.txt.lock path the container will use; a run
// that starts afterwards finds its interpreter and packages already in
// the shared cache and never downloads on the hot path.
package preheat

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/store"
)

// Config configures the pre-heater.
type Config struct {
	// UVBinary is the uv executable. Default "uv".
	UVBinary string

	// CacheDir is the shared uv package cache (UV_CACHE_DIR).
	CacheDir string

	// PythonInstallDir is the shared interpreter cache
	// (UV_PYTHON_INSTALL_DIR).
	PythonInstallDir string

	// AppLink is the path the lock file must resolve through. Default
	// "/app"; overridable for layouts where /app is taken.
	AppLink string

	// CommandTimeout bounds each uv invocation. Default 10m.
	CommandTimeout time.Duration
}

// Heater runs uv warmups, one at a time per pipeline.
type Heater struct {
	cfg    Config
	store  *store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// appMu serialises use of the shared AppLink path across pipelines.
	appMu sync.Mutex

	versionOnce sync.Once
	version     string
}

// New creates a pre-heater.
func New(cfg Config, st *store.Store, logger *slog.Logger) *Heater {
	if cfg.UVBinary == "" {
		cfg.UVBinary = "uv"
	}
	if cfg.AppLink == "" {
		cfg.AppLink = "/app"
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heater{
		cfg:    cfg,
		store:  st,
		logger: log.WithComponent(logger, "preheat"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Preheat warms one pipeline's environment. Idempotent; serialised per
// pipeline while distinct pipelines proceed in parallel. The message is
// operator-facing either way.
func (h *Heater) Preheat(ctx context.Context, p *discovery.Pipeline) (bool, string) {
	ok, msg := h.preheat(ctx, p)
	metrics.RecordPreheat(p.Name, ok)
	return ok, msg
}

func (h *Heater) preheat(ctx context.Context, p *discovery.Pipeline) (bool, string) {
	lock := h.lockFor(p.Name)
	lock.Lock()
	defer lock.Unlock()

	logger := h.logger.With(log.String(log.PipelineKey, p.Name))
	started := time.Now()

	// Interpreter install failures are not fatal: the interpreter may
	// already be present, and a later attempt can still succeed.
	if v := p.Metadata.PythonVersion; v != "" {
		if _, err := h.runUV(ctx, p.Dir, "python", "install", v); err != nil {
			logger.Warn("python install failed", log.String("version", v), log.Error(err))
		}
	}

	reqPath := filepath.Join(p.Dir, "requirements.txt")
	if _, err := os.Stat(reqPath); os.IsNotExist(err) {
		h.recordWarmup(ctx, p.Name, logger)
		return true, "no requirements.txt; nothing to warm"
	}

	lockPath := filepath.Join(p.Dir, "requirements.txt.lock")
	if _, err := h.runUV(ctx, p.Dir, "pip", "compile", reqPath, "-o", lockPath); err != nil {
		logger.Warn("dependency compile failed", log.Error(err))
		return false, fmt.Sprintf("failed to compile requirements: %v", err)
	}

	ok, msg := h.warmThroughAppLink(ctx, p, logger)
	if !ok {
		return false, msg
	}

	h.recordWarmup(ctx, p.Name, logger)
	elapsed := time.Since(started).Round(100 * time.Millisecond)
	logger.Info("environment warmed", log.Duration(log.DurationKey, time.Since(started).Milliseconds()))
	return true, fmt.Sprintf("environment ready (%s)", elapsed)
}

// warmThroughAppLink resolves the lock file through the AppLink path.
// uv derives the environment cache key from the absolute requirements
// path, so warming through any other path would prime the wrong entry.
func (h *Heater) warmThroughAppLink(ctx context.Context, p *discovery.Pipeline, logger *slog.Logger) (bool, string) {
	h.appMu.Lock()
	defer h.appMu.Unlock()

	cleanup, err := h.stageAppLink(p.Dir)
	if err != nil {
		logger.Warn("cannot stage app link", log.Error(err))
		return false, fmt.Sprintf("cannot stage %s: %v", h.cfg.AppLink, err)
	}
	defer cleanup()

	args := []string{"run"}
	if v := p.Metadata.PythonVersion; v != "" {
		args = append(args, "--python", v)
	}
	args = append(args,
		"--with-requirements", filepath.Join(h.cfg.AppLink, "requirements.txt.lock"),
		"python", "-c", "")

	if _, err := h.runUV(ctx, p.Dir, args...); err != nil {
		logger.Warn("environment warmup failed", log.Error(err))
		return false, fmt.Sprintf("failed to build environment: %v", err)
	}
	return true, ""
}

// stageAppLink points AppLink at the pipeline directory, creating a
// temporary symlink when the path is vacant. The returned cleanup
// removes only links this call created.
func (h *Heater) stageAppLink(pipelineDir string) (func(), error) {
	link := h.cfg.AppLink

	if target, err := os.Readlink(link); err == nil {
		if target == pipelineDir {
			return func() {}, nil
		}
		return nil, fmt.Errorf("%s links to %s", link, target)
	}

	if _, err := os.Stat(link); err == nil {
		// A real directory. Usable only if it already is the pipeline
		// directory (daemon running inside a container with it mounted).
		if link == pipelineDir {
			return func() {}, nil
		}
		return nil, fmt.Errorf("%s exists and is not a symlink", link)
	}

	if err := os.Symlink(pipelineDir, link); err != nil {
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}
	return func() {
		if err := os.Remove(link); err != nil {
			h.logger.Warn("failed to remove app link", log.Error(err))
		}
	}, nil
}

// UVVersion returns the uv version string ("uv 0.5.11"), probed once
// and cached for run rows. Empty when uv is unavailable.
func (h *Heater) UVVersion(ctx context.Context) string {
	h.versionOnce.Do(func() {
		out, err := h.runUV(ctx, "", "--version")
		if err != nil {
			h.logger.Warn("uv version probe failed", log.Error(err))
			return
		}
		h.version = strings.TrimSpace(out)
	})
	return h.version
}

// recordWarmup persists last_cache_warmup; failure to record is logged,
// never surfaced — the cache itself is warm.
func (h *Heater) recordWarmup(ctx context.Context, name string, logger *slog.Logger) {
	if h.store == nil {
		return
	}
	if err := h.store.RecordCacheWarmup(ctx, name, time.Now().UTC()); err != nil {
		logger.Warn("failed to record cache warmup", log.Error(err))
	}
}

// runUV executes one uv command with the shared-cache environment and a
// bounded timeout.
func (h *Heater) runUV(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.cfg.UVBinary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	if h.cfg.CacheDir != "" {
		cmd.Env = append(cmd.Env, "UV_CACHE_DIR="+h.cfg.CacheDir)
	}
	if h.cfg.PythonInstallDir != "" {
		cmd.Env = append(cmd.Env, "UV_PYTHON_INSTALL_DIR="+h.cfg.PythonInstallDir)
	}
	cmd.Env = append(cmd.Env, "UV_LINK_MODE=copy")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return "", fmt.Errorf("uv %s: %s", strings.Join(args[:min(len(args), 2)], " "), errMsg)
	}
	return stdout.String(), nil
}

// lockFor returns the mutex serialising one pipeline's warmups.
func (h *Heater) lockFor(name string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[name] = lock
	}
	return lock
}
