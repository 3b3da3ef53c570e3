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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for malformed pipeline metadata, trigger specs, schedule
// expressions, or secret keys.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "pipeline", "run", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// DisabledError is returned when a run is submitted for a pipeline whose
// metadata marks it disabled. Scheduled fires against disabled pipelines
// are skipped with the same classification.
type DisabledError struct {
	// Pipeline is the disabled pipeline's name
	Pipeline string
}

// Error implements the error interface.
func (e *DisabledError) Error() string {
	return fmt.Sprintf("pipeline %s is disabled", e.Pipeline)
}

// ErrorType implements ErrorClassifier.
func (e *DisabledError) ErrorType() string { return "disabled" }

// IsRetryable implements ErrorClassifier.
func (e *DisabledError) IsRetryable() bool { return false }

// ConcurrencyLimitError is returned at admission when the orchestrator-wide
// cap or a pipeline's max_instances would be exceeded. Submissions rejected
// this way are never queued or retried by the engine.
type ConcurrencyLimitError struct {
	// Scope is "orchestrator" for the global cap, or the pipeline name
	Scope string

	// Limit is the configured maximum
	Limit int

	// Active is the number of pending plus running runs counted at admission
	Active int
}

// Error implements the error interface.
func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached for %s: %d active, limit %d", e.Scope, e.Active, e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *ConcurrencyLimitError) ErrorType() string { return "concurrency_limit" }

// IsRetryable implements ErrorClassifier.
func (e *ConcurrencyLimitError) IsRetryable() bool { return false }

// InfrastructureError represents failures of the machinery around a run:
// container runtime or Kubernetes API errors, an open circuit breaker,
// object storage failures. Runs that die of infrastructure causes are
// marked failed with error_type "infrastructure".
type InfrastructureError struct {
	// Component names the failing subsystem (e.g., "docker", "kubernetes",
	// "object-storage", "git")
	Component string

	// Op describes the operation that failed (e.g., "create container")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InfrastructureError) Error() string {
	msg := fmt.Sprintf("%s error", e.Component)
	if e.Op != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Op)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil && e.Message == "" {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InfrastructureError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *InfrastructureError) ErrorType() string { return "infrastructure" }

// IsRetryable implements ErrorClassifier.
func (e *InfrastructureError) IsRetryable() bool { return true }

// PipelineError represents a pipeline process exiting non-zero on its own.
// The workload ran; the user's code failed.
type PipelineError struct {
	// Pipeline is the pipeline name
	Pipeline string

	// RunID identifies the failed run
	RunID string

	// ExitCode is the process exit status
	ExitCode int

	// Message carries extra detail when available (e.g., last log line)
	Message string
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("pipeline %s failed with exit code %d", e.Pipeline, e.ExitCode)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// ErrorType implements ErrorClassifier.
func (e *PipelineError) ErrorType() string { return "pipeline_error" }

// IsRetryable implements ErrorClassifier.
func (e *PipelineError) IsRetryable() bool { return true }

// TimeoutError represents operation timeouts.
// Use this when a run exceeds its effective timeout or an outbound call
// exceeds its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "run", "uv compile")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// OOMError indicates the kernel or kubelet killed the workload for
// exceeding its memory limit (exit 137 or an explicit OOMKilled flag).
type OOMError struct {
	// Pipeline is the pipeline name
	Pipeline string

	// RunID identifies the killed run
	RunID string

	// MemoryLimitMB is the limit the run was configured with, 0 if unknown
	MemoryLimitMB int64
}

// Error implements the error interface.
func (e *OOMError) Error() string {
	if e.MemoryLimitMB > 0 {
		return fmt.Sprintf("pipeline %s run %s killed: memory limit %dMB exceeded", e.Pipeline, e.RunID, e.MemoryLimitMB)
	}
	return fmt.Sprintf("pipeline %s run %s killed: out of memory", e.Pipeline, e.RunID)
}

// ErrorType implements ErrorClassifier.
func (e *OOMError) ErrorType() string { return "oom" }

// IsRetryable implements ErrorClassifier.
func (e *OOMError) IsRetryable() bool { return true }

// DecryptionError represents secret vault failures: a missing or wrong
// encryption key, or tampered ciphertext. Runs fail at submission when
// their environment cannot be assembled.
type DecryptionError struct {
	// Key is the secret key that failed to decrypt, empty for key setup errors
	Key string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *DecryptionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("failed to decrypt secret %s", e.Key)
	}
	return "secret decryption failed"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DecryptionError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *DecryptionError) ErrorType() string { return "decryption" }

// IsRetryable implements ErrorClassifier.
func (e *DecryptionError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "runtime.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
