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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.Listen.Addr != "127.0.0.1:8645" {
		t.Errorf("listen addr = %q", cfg.Listen.Addr)
	}
	if cfg.Backend.Type != "docker" {
		t.Errorf("backend type = %q, want docker", cfg.Backend.Type)
	}
	if cfg.Runtime.MaxParallelRuns != 10 {
		t.Errorf("max parallel runs = %d, want 10", cfg.Runtime.MaxParallelRuns)
	}
	if cfg.Runtime.DefaultTimeout != time.Hour {
		t.Errorf("default timeout = %v, want 1h", cfg.Runtime.DefaultTimeout)
	}
	if !cfg.WatchEnabled() {
		t.Error("watcher should default to enabled")
	}
	if cfg.DBPath() != filepath.Join("data", "fastflow.db") {
		t.Errorf("db path = %q", cfg.DBPath())
	}
	if cfg.Paths.LogsDir != filepath.Join("data", "logs") {
		t.Errorf("logs dir = %q", cfg.Paths.LogsDir)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fastflow.yaml")
	doc := `
listen:
  addr: 0.0.0.0:9000
paths:
  pipelines_dir: /srv/pipelines
  data_dir: /var/lib/fastflow
backend:
  type: kubernetes
  kubernetes:
    namespace: pipelines
    pvc_name: fastflow-shared
runtime:
  max_parallel_runs: 4
discovery:
  watch: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Listen.Addr != "0.0.0.0:9000" {
		t.Errorf("listen addr = %q", cfg.Listen.Addr)
	}
	if cfg.Backend.Type != "kubernetes" {
		t.Errorf("backend type = %q", cfg.Backend.Type)
	}
	if cfg.Backend.Kubernetes.Namespace != "pipelines" {
		t.Errorf("namespace = %q", cfg.Backend.Kubernetes.Namespace)
	}
	if cfg.Runtime.MaxParallelRuns != 4 {
		t.Errorf("max parallel runs = %d", cfg.Runtime.MaxParallelRuns)
	}
	if cfg.WatchEnabled() {
		t.Error("watch: false in the file should disable the watcher")
	}

	// Unset knobs still get defaults.
	if cfg.Runtime.WorkerImage == "" {
		t.Error("worker image default missing")
	}
	if cfg.Paths.LogsDir != filepath.Join("/var/lib/fastflow", "logs") {
		t.Errorf("logs dir = %q, want under data_dir", cfg.Paths.LogsDir)
	}
	if cfg.Cleanup.Schedule != "@hourly" {
		t.Errorf("cleanup schedule = %q", cfg.Cleanup.Schedule)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fastflow.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  addr: 1.2.3.4:1\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("FASTFLOW_LISTEN", "127.0.0.1:7777")
	t.Setenv("FASTFLOW_MAX_PARALLEL_RUNS", "3")
	t.Setenv("FASTFLOW_DEV_MODE", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Listen.Addr != "127.0.0.1:7777" {
		t.Errorf("listen addr = %q, env should beat file", cfg.Listen.Addr)
	}
	if cfg.Runtime.MaxParallelRuns != 3 {
		t.Errorf("max parallel runs = %d", cfg.Runtime.MaxParallelRuns)
	}
	if !cfg.DevMode {
		t.Error("FASTFLOW_DEV_MODE=1 should enable dev mode")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend.Type = "podman" },
			wantErr: true,
		},
		{
			name:    "kubernetes without pvc",
			mutate:  func(c *Config) { c.Backend.Type = "kubernetes" },
			wantErr: true,
		},
		{
			name: "kubernetes with pvc",
			mutate: func(c *Config) {
				c.Backend.Type = "kubernetes"
				c.Backend.Kubernetes.PVCName = "shared"
			},
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Runtime.MaxParallelRuns = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
