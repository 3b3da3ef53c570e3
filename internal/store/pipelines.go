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
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Pipeline is the persisted statistics row for a discovered pipeline.
// Metadata lives on disk; only counters and warmup bookkeeping persist.
type Pipeline struct {
	Name            string     `json:"name"`
	TotalRuns       int64      `json:"total_runs"`
	SuccessfulRuns  int64      `json:"successful_runs"`
	FailedRuns      int64      `json:"failed_runs"`
	WebhookRuns     int64      `json:"webhook_runs"`
	LastCacheWarmup *time.Time `json:"last_cache_warmup,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EnsurePipeline creates the stats row for a pipeline if it does not
// exist yet. Safe to call on every submission.
func (s *Store) EnsurePipeline(ctx context.Context, name string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO pipelines (name, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`
	if _, err := s.exec(ctx, query, name, now, now); err != nil {
		return fmt.Errorf("failed to ensure pipeline: %w", err)
	}
	return nil
}

// RunOutcome describes which counters a finished run bumps.
type RunOutcome struct {
	// Succeeded bumps successful_runs; Failed bumps failed_runs.
	// Interrupted runs bump neither (only total_runs).
	Succeeded bool
	Failed    bool

	// ViaWebhook additionally bumps webhook_runs.
	ViaWebhook bool
}

// IncrementRunStats applies a finished run's counter deltas in one
// statement. Counters are adjusted relative to their stored values, never
// read-modify-write, so concurrent finalisers cannot lose updates.
func (s *Store) IncrementRunStats(ctx context.Context, name string, outcome RunOutcome) error {
	query := `
		UPDATE pipelines SET
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?,
			failed_runs = failed_runs + ?,
			webhook_runs = webhook_runs + ?,
			updated_at = ?
		WHERE name = ?
	`
	res, err := s.exec(ctx, query,
		boolToInt(outcome.Succeeded), boolToInt(outcome.Failed), boolToInt(outcome.ViaWebhook),
		time.Now().UTC().Format(time.RFC3339), name,
	)
	if err != nil {
		return fmt.Errorf("failed to increment run stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return nil
}

// RecordCacheWarmup stores the time the pre-heater last refreshed the
// pipeline's environment.
func (s *Store) RecordCacheWarmup(ctx context.Context, name string, at time.Time) error {
	if err := s.EnsurePipeline(ctx, name); err != nil {
		return err
	}
	query := `UPDATE pipelines SET last_cache_warmup = ?, updated_at = ? WHERE name = ?`
	_, err := s.exec(ctx, query,
		at.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), name)
	if err != nil {
		return fmt.Errorf("failed to record cache warmup: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline stats row.
func (s *Store) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	query := `SELECT name, total_runs, successful_runs, failed_runs, webhook_runs,
		last_cache_warmup, created_at, updated_at FROM pipelines WHERE name = ?`

	var p Pipeline
	var lastWarmup sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&p.Name, &p.TotalRuns, &p.SuccessfulRuns, &p.FailedRuns, &p.WebhookRuns,
		&lastWarmup, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &fferrors.NotFoundError{Resource: "pipeline", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	p.LastCacheWarmup = parseTime(lastWarmup)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// ListPipelines returns all pipeline stats rows ordered by name.
func (s *Store) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	query := `SELECT name, total_runs, successful_runs, failed_runs, webhook_runs,
		last_cache_warmup, created_at, updated_at FROM pipelines ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		var p Pipeline
		var lastWarmup sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(
			&p.Name, &p.TotalRuns, &p.SuccessfulRuns, &p.FailedRuns, &p.WebhookRuns,
			&lastWarmup, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}

		p.LastCacheWarmup = parseTime(lastWarmup)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		pipelines = append(pipelines, &p)
	}
	return pipelines, rows.Err()
}
