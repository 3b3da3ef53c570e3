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

// Package config loads the daemon's deploy-time configuration: an
// optional YAML file, overridden by FASTFLOW_* environment variables.
// Runtime-mutable knobs (retention, concurrency, notification wiring)
// live in the settings document in the store instead; values here are
// the defaults those settings override.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Config is the daemon's full deploy-time configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Paths      PathsConfig      `yaml:"paths"`
	Backend    BackendConfig    `yaml:"backend"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Backup     BackupConfig     `yaml:"backup"`

	// DevMode relaxes startup checks: a missing FASTFLOW_SECRET_KEY
	// becomes a warning with an ephemeral key instead of a fatal error.
	// Environment: FASTFLOW_DEV_MODE
	DevMode bool `yaml:"dev_mode"`
}

// ListenConfig configures the control-plane HTTP listener.
type ListenConfig struct {
	// Addr is the TCP listen address.
	// Environment: FASTFLOW_LISTEN
	// Default: 127.0.0.1:8645
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds the HTTP server drain at shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PathsConfig locates everything the daemon keeps on disk.
type PathsConfig struct {
	// PipelinesDir is the root the discovery service scans. When git
	// sync is configured this is the checkout directory.
	// Environment: FASTFLOW_PIPELINES_DIR
	// Default: ./pipelines
	PipelinesDir string `yaml:"pipelines_dir"`

	// DataDir holds the SQLite database, run artifacts and the
	// materialised notebook runner.
	// Environment: FASTFLOW_DATA_DIR
	// Default: ./data
	DataDir string `yaml:"data_dir"`

	// LogsDir holds one log file (and optionally one metrics file) per
	// run.
	// Environment: FASTFLOW_LOGS_DIR
	// Default: <data_dir>/logs
	LogsDir string `yaml:"logs_dir"`

	// CacheDir holds the shared uv package and interpreter caches.
	// Environment: FASTFLOW_CACHE_DIR
	// Default: <data_dir>/cache
	CacheDir string `yaml:"cache_dir"`

	// SharedDir is the Kubernetes backend's mount point of the
	// ReadWriteMany volume; pipeline sources are staged under
	// <shared_dir>/pipeline_runs/<run_id>.
	// Environment: FASTFLOW_SHARED_DIR
	// Default: <data_dir>/shared
	SharedDir string `yaml:"shared_dir"`
}

// BackendConfig selects and tunes the execution backend.
type BackendConfig struct {
	// Type is "docker" or "kubernetes".
	// Environment: FASTFLOW_BACKEND
	// Default: docker
	Type string `yaml:"type"`

	Docker     DockerConfig     `yaml:"docker"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// DockerConfig tunes the Docker Engine backend.
type DockerConfig struct {
	// Host is the engine endpoint, normally the hardened socket proxy
	// (e.g. tcp://docker-proxy:2375). Empty falls back to DOCKER_HOST.
	Host string `yaml:"host"`

	// HostDataDir maps the daemon's data directory onto the host
	// filesystem for bind mounts when self-inspection cannot.
	// Environment: FASTFLOW_HOST_DATA_DIR
	HostDataDir string `yaml:"host_data_dir"`
}

// KubernetesConfig tunes the Kubernetes Jobs backend.
type KubernetesConfig struct {
	// Kubeconfig is the path to a kubeconfig file. Empty tries the
	// in-cluster config first, then ~/.kube/config.
	Kubeconfig string `yaml:"kubeconfig"`

	// Namespace receives the Jobs.
	// Default: default
	Namespace string `yaml:"namespace"`

	// PVCName is the ReadWriteMany claim backing SharedDir in-cluster.
	PVCName string `yaml:"pvc_name"`
}

// RuntimeConfig carries run-execution defaults.
type RuntimeConfig struct {
	// WorkerImage is the container image pipelines execute in. The
	// settings document can override it at runtime.
	// Environment: FASTFLOW_WORKER_IMAGE
	// Default: ghcr.io/astral-sh/uv:python3.12-bookworm-slim
	WorkerImage string `yaml:"worker_image"`

	// MaxParallelRuns caps live runs across all pipelines. 0 means
	// unlimited. The settings document can override it at runtime.
	// Environment: FASTFLOW_MAX_PARALLEL_RUNS
	// Default: 10
	MaxParallelRuns int `yaml:"max_parallel_runs"`

	// DefaultTimeout applies when neither pipeline metadata nor the
	// selected schedule sets one. 0 means unbounded.
	// Default: 1h
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// CancelGrace is how long a cancelled workload gets to exit before
	// it is killed.
	// Default: 10s
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// ShutdownGrace is the stop grace applied to every live workload at
	// daemon shutdown.
	// Default: 30s
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// UVBinary is the uv executable used by the pre-heater.
	// Default: uv
	UVBinary string `yaml:"uv_binary"`
}

// DiscoveryConfig tunes pipeline discovery.
type DiscoveryConfig struct {
	// CacheTTL bounds how stale a cached scan may be.
	// Default: 30s
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Watch enables the filesystem watcher that invalidates the cache
	// on pipeline edits.
	// Default: true
	Watch *bool `yaml:"watch"`
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// DefaultRestartCooldown spaces daemon crash restarts when pipeline
	// metadata does not set restart_cooldown.
	// Default: 10s
	DefaultRestartCooldown time.Duration `yaml:"default_restart_cooldown"`

	// SubmitTimeout bounds each scheduled submission.
	// Default: 30s
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// CleanupConfig carries retention defaults; the settings document can
// override each at runtime. Negative values disable a dimension.
type CleanupConfig struct {
	// LogRetentionDays ages out terminal runs.
	// Default: 30
	LogRetentionDays int `yaml:"log_retention_days"`

	// PerPipelineKeepRuns keeps the newest N terminal runs per pipeline.
	// Default: 50
	PerPipelineKeepRuns int `yaml:"per_pipeline_keep_runs"`

	// MaxLogSizeMB truncates larger log files.
	// Default: 100
	MaxLogSizeMB int `yaml:"max_log_size_mb"`

	// Schedule is the cron expression sweeps fire on.
	// Default: @hourly
	Schedule string `yaml:"schedule"`
}

// ResilienceConfig carries the shared circuit-breaker thresholds.
type ResilienceConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// breaker.
	// Default: 5
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an open breaker blocks before allowing a
	// half-open probe.
	// Default: 30s
	Cooldown time.Duration `yaml:"cooldown"`
}

// BackupConfig tunes the object-storage log backup. Whether backups
// run at all, and where to, lives in the settings document.
type BackupConfig struct {
	// Endpoint overrides the S3 endpoint for MinIO and friends. Empty
	// means AWS.
	Endpoint string `yaml:"endpoint"`

	// UsePathStyle forces path-style addressing, required by most
	// self-hosted S3 implementations.
	UsePathStyle bool `yaml:"use_path_style"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	watch := true
	return &Config{
		Listen: ListenConfig{
			Addr:            "127.0.0.1:8645",
			ShutdownTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			PipelinesDir: "./pipelines",
			DataDir:      "./data",
		},
		Backend: BackendConfig{
			Type: "docker",
			Kubernetes: KubernetesConfig{
				Namespace: "default",
			},
		},
		Runtime: RuntimeConfig{
			WorkerImage:     "ghcr.io/astral-sh/uv:python3.12-bookworm-slim",
			MaxParallelRuns: 10,
			DefaultTimeout:  time.Hour,
			CancelGrace:     10 * time.Second,
			ShutdownGrace:   30 * time.Second,
			UVBinary:        "uv",
		},
		Discovery: DiscoveryConfig{
			CacheTTL: 30 * time.Second,
			Watch:    &watch,
		},
		Scheduler: SchedulerConfig{
			DefaultRestartCooldown: 10 * time.Second,
			SubmitTimeout:          30 * time.Second,
		},
		Cleanup: CleanupConfig{
			LogRetentionDays:    30,
			PerPipelineKeepRuns: 50,
			MaxLogSizeMB:        100,
			Schedule:            "@hourly",
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
	}
}

// Load reads the file at configPath (when non-empty), applies defaults
// to anything left unset, then applies environment overrides and
// validates. Environment variables always win over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, &fferrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to read %s", configPath),
				Cause:  err,
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &fferrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to parse %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values so a minimal file works without
// spelling out every knob.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Listen.Addr == "" {
		c.Listen.Addr = d.Listen.Addr
	}
	if c.Listen.ShutdownTimeout == 0 {
		c.Listen.ShutdownTimeout = d.Listen.ShutdownTimeout
	}

	if c.Paths.PipelinesDir == "" {
		c.Paths.PipelinesDir = d.Paths.PipelinesDir
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = d.Paths.DataDir
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = filepath.Join(c.Paths.DataDir, "cache")
	}
	if c.Paths.SharedDir == "" {
		c.Paths.SharedDir = filepath.Join(c.Paths.DataDir, "shared")
	}

	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.Kubernetes.Namespace == "" {
		c.Backend.Kubernetes.Namespace = d.Backend.Kubernetes.Namespace
	}

	if c.Runtime.WorkerImage == "" {
		c.Runtime.WorkerImage = d.Runtime.WorkerImage
	}
	if c.Runtime.MaxParallelRuns == 0 {
		c.Runtime.MaxParallelRuns = d.Runtime.MaxParallelRuns
	}
	if c.Runtime.DefaultTimeout == 0 {
		c.Runtime.DefaultTimeout = d.Runtime.DefaultTimeout
	}
	if c.Runtime.CancelGrace == 0 {
		c.Runtime.CancelGrace = d.Runtime.CancelGrace
	}
	if c.Runtime.ShutdownGrace == 0 {
		c.Runtime.ShutdownGrace = d.Runtime.ShutdownGrace
	}
	if c.Runtime.UVBinary == "" {
		c.Runtime.UVBinary = d.Runtime.UVBinary
	}

	if c.Discovery.CacheTTL == 0 {
		c.Discovery.CacheTTL = d.Discovery.CacheTTL
	}
	if c.Discovery.Watch == nil {
		c.Discovery.Watch = d.Discovery.Watch
	}

	if c.Scheduler.DefaultRestartCooldown == 0 {
		c.Scheduler.DefaultRestartCooldown = d.Scheduler.DefaultRestartCooldown
	}
	if c.Scheduler.SubmitTimeout == 0 {
		c.Scheduler.SubmitTimeout = d.Scheduler.SubmitTimeout
	}

	if c.Cleanup.LogRetentionDays == 0 {
		c.Cleanup.LogRetentionDays = d.Cleanup.LogRetentionDays
	}
	if c.Cleanup.PerPipelineKeepRuns == 0 {
		c.Cleanup.PerPipelineKeepRuns = d.Cleanup.PerPipelineKeepRuns
	}
	if c.Cleanup.MaxLogSizeMB == 0 {
		c.Cleanup.MaxLogSizeMB = d.Cleanup.MaxLogSizeMB
	}
	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = d.Cleanup.Schedule
	}

	if c.Resilience.FailureThreshold == 0 {
		c.Resilience.FailureThreshold = d.Resilience.FailureThreshold
	}
	if c.Resilience.Cooldown == 0 {
		c.Resilience.Cooldown = d.Resilience.Cooldown
	}
}

// loadFromEnv applies FASTFLOW_* overrides.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("FASTFLOW_LISTEN"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("FASTFLOW_PIPELINES_DIR"); v != "" {
		c.Paths.PipelinesDir = v
	}
	if v := os.Getenv("FASTFLOW_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("FASTFLOW_LOGS_DIR"); v != "" {
		c.Paths.LogsDir = v
	}
	if v := os.Getenv("FASTFLOW_CACHE_DIR"); v != "" {
		c.Paths.CacheDir = v
	}
	if v := os.Getenv("FASTFLOW_SHARED_DIR"); v != "" {
		c.Paths.SharedDir = v
	}
	if v := os.Getenv("FASTFLOW_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("FASTFLOW_HOST_DATA_DIR"); v != "" {
		c.Backend.Docker.HostDataDir = v
	}
	if v := os.Getenv("FASTFLOW_WORKER_IMAGE"); v != "" {
		c.Runtime.WorkerImage = v
	}
	if v := os.Getenv("FASTFLOW_MAX_PARALLEL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runtime.MaxParallelRuns = n
		}
	}
	if v := os.Getenv("FASTFLOW_NAMESPACE"); v != "" {
		c.Backend.Kubernetes.Namespace = v
	}
	if v := os.Getenv("FASTFLOW_PVC_NAME"); v != "" {
		c.Backend.Kubernetes.PVCName = v
	}
	if v := os.Getenv("FASTFLOW_DEV_MODE"); v == "true" || v == "1" {
		c.DevMode = true
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "docker", "kubernetes":
	default:
		return &fferrors.ConfigError{
			Key:    "backend.type",
			Reason: fmt.Sprintf("unknown backend %q (want docker or kubernetes)", c.Backend.Type),
		}
	}
	if c.Backend.Type == "kubernetes" && c.Backend.Kubernetes.PVCName == "" {
		return &fferrors.ConfigError{
			Key:    "backend.kubernetes.pvc_name",
			Reason: "the kubernetes backend needs a ReadWriteMany claim for pipeline sources and caches",
		}
	}
	if c.Runtime.MaxParallelRuns < 0 {
		return &fferrors.ConfigError{
			Key:    "runtime.max_parallel_runs",
			Reason: "must be zero (unlimited) or positive",
		}
	}
	return nil
}

// DBPath is the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.Paths.DataDir, "fastflow.db")
}

// RunsDir holds per-run artifact directories (notebook images).
func (c *Config) RunsDir() string {
	return filepath.Join(c.Paths.DataDir, "runs")
}

// UVCacheDir is the shared uv package cache.
func (c *Config) UVCacheDir() string {
	return filepath.Join(c.Paths.CacheDir, "uv_cache")
}

// UVPythonDir is the shared uv interpreter cache.
func (c *Config) UVPythonDir() string {
	return filepath.Join(c.Paths.CacheDir, "uv_python")
}

// RunnerDir holds the materialised notebook runner assets.
func (c *Config) RunnerDir() string {
	return filepath.Join(c.Paths.DataDir, "runner")
}

// WatchEnabled reports whether the discovery filesystem watcher should
// run.
func (c *Config) WatchEnabled() bool {
	return c.Discovery.Watch == nil || *c.Discovery.Watch
}
