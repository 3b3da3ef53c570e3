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

// Package executor defines the contract between the run orchestrator
// and the workload backends. A backend turns a RunSpec into one
// isolated workload (a Docker container or a Kubernetes Job), streams
// its logs and resource usage, and reports how it ended. Everything
// above this package is backend-agnostic.
package executor

import (
	"context"
	"time"
)

// Labels applied to every workload so ours can be told apart from the
// rest of the host, and mapped back to run rows during reconciliation.
const (
	LabelRunID    = "fastflow-run-id"
	LabelPipeline = "fastflow-pipeline"
)

// SentinelLine marks the end of environment setup inside the workload:
// it is printed immediately before user code starts. The log stream
// consumes it silently and surfaces it as a LogLine with Sentinel set.
const SentinelLine = "FASTFLOW_SETUP_READY"

// Paths inside every workload. Both backends mount the pipeline source
// and the shared caches at the same places, so command construction and
// the base environment are backend-independent.
const (
	AppDir      = "/app"
	UVCacheDir  = "/uv_cache"
	UVPythonDir = "/uv_python"
	RunnerDir   = "/runner"
)

// RunSpec is everything a backend needs to start one workload.
type RunSpec struct {
	RunID    string
	Pipeline string

	// PipelineDir is the pipeline source directory on this host. The
	// Docker backend bind-mounts it; the Kubernetes backend copies it
	// onto the shared volume.
	PipelineDir string

	Image   string
	Command []string
	Env     map[string]string

	// CPULimit is the hard limit in cores; 0 means unlimited.
	CPULimit float64
	// MemLimitBytes is the hard limit; 0 means unlimited. Swap is never
	// granted beyond it.
	MemLimitBytes int64

	// Timeout is enforced by the backend where the platform supports it
	// and by the orchestrator otherwise; 0 means unbounded.
	Timeout time.Duration

	// Notebook workloads additionally get the runner directory mounted.
	Notebook bool
}

// Handle identifies a submitted workload.
type Handle struct {
	// ID is backend-specific: a container ID or a Job name.
	ID       string
	RunID    string
	Pipeline string
}

// LogLine is one line of workload output. Sentinel lines carry no text;
// they mark the setup-finished instant for setup-duration measurement.
type LogLine struct {
	Text     string
	Sentinel bool
	At       time.Time
}

// Sample is one resource-usage measurement.
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RAMMB      float64   `json:"ram_mb"`
	RAMLimitMB float64   `json:"ram_limit_mb"`
}

// WaitResult is a workload's terminal state.
type WaitResult struct {
	ExitCode  int
	OOMKilled bool
}

// LiveWorkload is one labelled workload found on the platform,
// terminated or not, for zombie reconciliation.
type LiveWorkload struct {
	Handle    Handle
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// Backend launches and manages pipeline workloads. Implementations are
// safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and run rows.
	Name() string

	// Submit creates and starts the workload.
	Submit(ctx context.Context, spec RunSpec) (Handle, error)

	// StreamLogs follows the workload's output. The channel closes when
	// the stream ends; cancelling ctx detaches without affecting the
	// workload.
	StreamLogs(ctx context.Context, h Handle) (<-chan LogLine, error)

	// StreamMetrics follows resource usage. Closes when the workload
	// stops or ctx is cancelled.
	StreamMetrics(ctx context.Context, h Handle) (<-chan Sample, error)

	// Wait blocks until the workload terminates.
	Wait(ctx context.Context, h Handle) (WaitResult, error)

	// Cancel stops the workload, allowing it grace to exit cleanly
	// before it is killed.
	Cancel(ctx context.Context, h Handle, grace time.Duration) error

	// Cleanup removes the terminated workload and anything staged for
	// it. Idempotent.
	Cleanup(ctx context.Context, h Handle) error

	// ListLive enumerates all labelled workloads on the platform.
	ListLive(ctx context.Context) ([]LiveWorkload, error)

	// Close releases the backend's connections.
	Close() error
}

// Exit classifications recorded on run rows. Advisory: the UI groups
// failures by these.
const (
	ClassOOM            = "oom"
	ClassRuntimeRefused = "runtime_refused"
	ClassNotExecutable  = "not_executable"
	ClassNotFound       = "not_found"
	ClassTimeout        = "timeout"
	ClassPipelineError  = "pipeline_error"
)

// TimeoutExitCode is the synthetic exit code the orchestrator records
// when it killed the workload for exceeding its timeout.
const TimeoutExitCode = -1

// ClassifyExit maps a workload's terminal state to its classification.
// Returns "" for clean exits.
func ClassifyExit(exitCode int, oomKilled bool) string {
	if oomKilled || exitCode == 137 {
		return ClassOOM
	}
	switch exitCode {
	case 0:
		return ""
	case 125:
		return ClassRuntimeRefused
	case 126:
		return ClassNotExecutable
	case 127:
		return ClassNotFound
	case TimeoutExitCode:
		return ClassTimeout
	default:
		return ClassPipelineError
	}
}
