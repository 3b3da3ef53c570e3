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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// TriggerType identifies how a scheduled job fires.
type TriggerType string

const (
	// TriggerCron fires on a 5-field cron expression.
	TriggerCron TriggerType = "cron"
	// TriggerInterval fires every N seconds; trigger_value holds N.
	TriggerInterval TriggerType = "interval"
	// TriggerOnce fires a single time; trigger_value holds an RFC3339
	// timestamp. The scheduler disables the row after it fires.
	TriggerOnce TriggerType = "once"
	// TriggerRestart recycles a long-lived daemon pipeline: cancel the
	// live run, submit a fresh one. trigger_value holds a cron
	// expression or a plain seconds count.
	TriggerRestart TriggerType = "restart"
)

// ScheduleSource records who owns a scheduled job row.
type ScheduleSource string

const (
	// SourceAPI marks jobs created through the control-plane API. They
	// survive metadata refreshes untouched.
	SourceAPI ScheduleSource = "api"
	// SourcePipelineJSON marks jobs mirrored from pipeline metadata.
	// Discovery refreshes replace them wholesale.
	SourcePipelineJSON ScheduleSource = "pipeline_json"
)

// ScheduledJob is a persistent recurring trigger for one pipeline.
type ScheduledJob struct {
	ID           string         `json:"id"`
	Pipeline     string         `json:"pipeline"`
	TriggerType  TriggerType    `json:"trigger_type"`
	TriggerValue string         `json:"trigger_value"`
	Enabled      bool           `json:"enabled"`
	Source       ScheduleSource `json:"source"`
	StartAt      *time.Time     `json:"start_at,omitempty"`
	EndAt        *time.Time     `json:"end_at,omitempty"`
	RunConfigID  string         `json:"run_config_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const scheduledJobColumns = `id, pipeline_name, trigger_type, trigger_value, enabled, source,
	start_at, end_at, run_config_id, created_at, updated_at`

// CreateScheduledJob inserts a job row, assigning an ID when absent.
// The (pipeline, type, value, source) identity is unique; duplicates
// return a ValidationError.
func (s *Store) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `INSERT INTO scheduled_jobs (` + scheduledJobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, query,
		job.ID, job.Pipeline, string(job.TriggerType), job.TriggerValue,
		boolToInt(job.Enabled), string(job.Source),
		formatTime(job.StartAt), formatTime(job.EndAt), nullString(job.RunConfigID),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &fferrors.ValidationError{
				Field:   "schedule",
				Message: fmt.Sprintf("schedule already exists for %s (%s %s)", job.Pipeline, job.TriggerType, job.TriggerValue),
			}
		}
		return fmt.Errorf("failed to create scheduled job: %w", err)
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetScheduledJob retrieves a job by ID.
func (s *Store) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return nil, &fferrors.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled job: %w", err)
	}
	return job, nil
}

// ListScheduledJobs returns jobs, optionally limited to one pipeline.
func (s *Store) ListScheduledJobs(ctx context.Context, pipeline string) ([]*ScheduledJob, error) {
	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	args := []any{}
	if pipeline != "" {
		query += " WHERE pipeline_name = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY pipeline_name, created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetScheduledJobEnabled flips a job's enabled flag.
func (s *Store) SetScheduledJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx,
		`UPDATE scheduled_jobs SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// DeleteScheduledJob removes a job row.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

// ReplaceMetadataJobs swaps the pipeline_json-sourced jobs for one
// pipeline with the given set in a single transaction. API-sourced rows
// are never touched, so operator-created schedules survive metadata
// edits.
func (s *Store) ReplaceMetadataJobs(ctx context.Context, pipeline string, jobs []*ScheduledJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE pipeline_name = ? AND source = ?`,
		pipeline, string(SourcePipelineJSON)); err != nil {
		return fmt.Errorf("failed to clear metadata jobs: %w", err)
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		job.Pipeline = pipeline
		job.Source = SourcePipelineJSON

		_, err := tx.ExecContext(ctx,
			`INSERT INTO scheduled_jobs (`+scheduledJobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Pipeline, string(job.TriggerType), job.TriggerValue,
			boolToInt(job.Enabled), string(job.Source),
			formatTime(job.StartAt), formatTime(job.EndAt), nullString(job.RunConfigID),
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert metadata job: %w", err)
		}
	}

	return tx.Commit()
}

func scanScheduledJob(sc scanner) (*ScheduledJob, error) {
	var job ScheduledJob
	var triggerType, source, createdAt, updatedAt string
	var enabled int
	var startAt, endAt, runConfigID sql.NullString

	err := sc.Scan(
		&job.ID, &job.Pipeline, &triggerType, &job.TriggerValue, &enabled, &source,
		&startAt, &endAt, &runConfigID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.TriggerType = TriggerType(triggerType)
	job.Source = ScheduleSource(source)
	job.Enabled = enabled == 1
	job.StartAt = parseTime(startAt)
	job.EndAt = parseTime(endAt)
	job.RunConfigID = runConfigID.String
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &job, nil
}

// isUniqueViolation detects SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT_UNIQUE")
}
