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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// RunStatus is a pipeline run's lifecycle state.
type RunStatus string

// Run statuses. pending and running are live; the rest are terminal.
const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
	RunWarning     RunStatus = "warning"
)

// Terminal reports whether the status is final. Terminal runs never
// transition again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunInterrupted, RunWarning:
		return true
	}
	return false
}

// Run is one execution of a pipeline.
type Run struct {
	ID            string            `json:"id"`
	Pipeline      string            `json:"pipeline"`
	Status        RunStatus         `json:"status"`
	TriggeredBy   string            `json:"triggered_by"`
	RunConfigID   string            `json:"run_config_id,omitempty"`
	WorkloadID    string            `json:"workload_id,omitempty"`
	LogFile       string            `json:"log_file,omitempty"`
	MetricsFile   string            `json:"metrics_file,omitempty"`
	// Env is the caller-supplied layer only. The merged workload
	// environment holds decrypted secrets and is never persisted; a
	// retry re-merges the secret layers at plan time.
	Env           map[string]string `json:"env,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	ErrorType     string            `json:"error_type,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	RetryCount    int               `json:"retry_count"`
	PreviousRunID string            `json:"previous_run_id,omitempty"`
	UVVersion     string            `json:"uv_version,omitempty"`
	SetupSeconds  float64           `json:"setup_seconds,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Pipeline string
	Status   RunStatus
	Limit    int
	Offset   int
}

const runColumns = `id, pipeline_name, status, triggered_by, run_config_id, workload_id,
	log_file, metrics_file, env_snapshot, parameter_snapshot, exit_code,
	error_type, error_message, retry_count, previous_run_id, uv_version,
	setup_seconds, created_at, started_at, finished_at, updated_at`

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	envJSON, err := json.Marshal(run.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env snapshot: %w", err)
	}
	paramJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameter snapshot: %w", err)
	}

	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	_, err = s.exec(ctx, query,
		run.ID, run.Pipeline, string(run.Status), run.TriggeredBy,
		nullString(run.RunConfigID), nullString(run.WorkloadID),
		nullString(run.LogFile), nullString(run.MetricsFile),
		string(envJSON), string(paramJSON), run.ExitCode,
		nullString(run.ErrorType), nullString(run.ErrorMessage),
		run.RetryCount, nullString(run.PreviousRunID), nullString(run.UVVersion),
		run.SetupSeconds, run.CreatedAt.Format(time.RFC3339),
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &fferrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first with optional filtering.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.Pipeline != "" {
		query += " AND pipeline_name = ?"
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListLiveRuns returns all pending and running rows. Used by admission
// counting and the zombie reconciler.
func (s *Store) ListLiveRuns(ctx context.Context) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status IN (?, ?) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, string(RunPending), string(RunRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list live runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountLiveRuns returns the number of pending plus running rows, either
// globally (pipeline == "") or for one pipeline.
func (s *Store) CountLiveRuns(ctx context.Context, pipeline string) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE status IN (?, ?)`
	args := []any{string(RunPending), string(RunRunning)}
	if pipeline != "" {
		query += " AND pipeline_name = ?"
		args = append(args, pipeline)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count live runs: %w", err)
	}
	return n, nil
}

// MarkRunStarted transitions a pending run to running and records the
// workload it was placed on. A run that already left pending is not
// touched.
func (s *Store) MarkRunStarted(ctx context.Context, id, workloadID string, startedAt time.Time) error {
	query := `
		UPDATE runs SET status = ?, workload_id = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`
	now := time.Now().UTC()
	res, err := s.exec(ctx, query,
		string(RunRunning), workloadID, startedAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339), id, string(RunPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMissedTransition(ctx, id)
	}
	return nil
}

// RunCompletion carries the terminal fields written by FinishRun.
type RunCompletion struct {
	Status       RunStatus
	ExitCode     *int
	ErrorType    string
	ErrorMessage string
	UVVersion    string
	SetupSeconds float64
	FinishedAt   time.Time
}

// FinishRun moves a run to a terminal status. The transition only fires
// while the row is still live, which makes finalisation idempotent: a
// second finaliser (or the zombie reconciler racing a shutdown) leaves
// the first outcome in place. finished_at never moves backwards and
// terminal rows never change again.
func (s *Store) FinishRun(ctx context.Context, id string, c RunCompletion) error {
	if !c.Status.Terminal() {
		return &fferrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("%s is not a terminal status", c.Status),
		}
	}

	query := `
		UPDATE runs SET status = ?, exit_code = ?, error_type = ?, error_message = ?,
			uv_version = CASE WHEN ? != '' THEN ? ELSE uv_version END,
			setup_seconds = CASE WHEN ? > 0 THEN ? ELSE setup_seconds END,
			finished_at = MAX(COALESCE(finished_at, ''), ?),
			updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	now := time.Now().UTC()
	finishedAt := c.FinishedAt.UTC().Format(time.RFC3339)
	res, err := s.exec(ctx, query,
		string(c.Status), c.ExitCode, nullString(c.ErrorType), nullString(c.ErrorMessage),
		c.UVVersion, c.UVVersion,
		c.SetupSeconds, c.SetupSeconds,
		finishedAt, now.Format(time.RFC3339),
		id, string(RunPending), string(RunRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.explainMissedTransition(ctx, id)
	}
	return nil
}

// explainMissedTransition distinguishes "row missing" from "row already
// terminal" after a guarded UPDATE matched nothing. Already-terminal is
// not an error.
func (s *Store) explainMissedTransition(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return &fferrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to check run status: %w", err)
	}
	if RunStatus(status).Terminal() {
		return nil
	}
	// Live but the guarded update missed: the status changed between
	// statements. Callers treat this like the idempotent case.
	return nil
}

// UpdateRunFiles records the log and metrics file paths once the
// orchestrator has laid them out.
func (s *Store) UpdateRunFiles(ctx context.Context, id, logFile, metricsFile string) error {
	query := `UPDATE runs SET log_file = ?, metrics_file = ?, updated_at = ? WHERE id = ?`
	_, err := s.exec(ctx, query, nullString(logFile), nullString(metricsFile),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update run files: %w", err)
	}
	return nil
}

// DeleteRun removes a run row. Cleanup uses this after archiving logs.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, "DELETE FROM runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	// Cell records share the run's lifetime.
	if _, err := s.exec(ctx, "DELETE FROM notebook_cells WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete notebook cells: %w", err)
	}
	return nil
}

// ListRunsFinishedBefore returns terminal runs whose finished_at is older
// than the cutoff, oldest first. Used by retention sweeps.
func (s *Store) ListRunsFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE finished_at IS NOT NULL AND finished_at < ?
		ORDER BY finished_at ASC`
	args := []any{cutoff.UTC().Format(time.RFC3339)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list old runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsBeyondKeep returns, per pipeline, the terminal runs beyond the
// newest keep entries. Used by per-pipeline retention.
func (s *Store) ListRunsBeyondKeep(ctx context.Context, pipeline string, keep int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE pipeline_name = ? AND status NOT IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT -1 OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, pipeline, string(RunPending), string(RunRunning), keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs beyond keep: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var status, createdAt, updatedAt string
	var runConfigID, workloadID, logFile, metricsFile sql.NullString
	var envJSON, paramJSON, errorType, errorMessage sql.NullString
	var previousRunID, uvVersion sql.NullString
	var exitCode sql.NullInt64
	var setupSeconds sql.NullFloat64
	var startedAt, finishedAt sql.NullString

	err := sc.Scan(
		&run.ID, &run.Pipeline, &status, &run.TriggeredBy, &runConfigID, &workloadID,
		&logFile, &metricsFile, &envJSON, &paramJSON, &exitCode,
		&errorType, &errorMessage, &run.RetryCount, &previousRunID, &uvVersion,
		&setupSeconds, &createdAt, &startedAt, &finishedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.RunConfigID = runConfigID.String
	run.WorkloadID = workloadID.String
	run.LogFile = logFile.String
	run.MetricsFile = metricsFile.String
	run.ErrorType = errorType.String
	run.ErrorMessage = errorMessage.String
	run.PreviousRunID = previousRunID.String
	run.UVVersion = uvVersion.String
	if setupSeconds.Valid {
		run.SetupSeconds = setupSeconds.Float64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &run.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env snapshot: %w", err)
		}
	}
	if paramJSON.Valid && paramJSON.String != "" {
		if err := json.Unmarshal([]byte(paramJSON.String), &run.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameter snapshot: %w", err)
		}
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)

	return &run, nil
}
