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

	"github.com/google/uuid"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// DownstreamTrigger chains a downstream pipeline to an upstream's
// terminal status. Rows here are operator-managed; pipeline metadata can
// declare additional triggers that the resolver unions in at fire time.
type DownstreamTrigger struct {
	ID          string    `json:"id"`
	Upstream    string    `json:"upstream"`
	Downstream  string    `json:"downstream"`
	OnSuccess   bool      `json:"on_success"`
	OnFailure   bool      `json:"on_failure"`
	Enabled     bool      `json:"enabled"`
	RunConfigID string    `json:"run_config_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const downstreamTriggerColumns = `id, upstream, downstream, on_success, on_failure, enabled,
	run_config_id, created_at, updated_at`

// CreateDownstreamTrigger inserts a trigger row, assigning an ID when
// absent.
func (s *Store) CreateDownstreamTrigger(ctx context.Context, t *DownstreamTrigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	query := `INSERT INTO downstream_triggers (` + downstreamTriggerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, query,
		t.ID, t.Upstream, t.Downstream,
		boolToInt(t.OnSuccess), boolToInt(t.OnFailure), boolToInt(t.Enabled),
		nullString(t.RunConfigID),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create downstream trigger: %w", err)
	}

	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetDownstreamTrigger retrieves a trigger by ID.
func (s *Store) GetDownstreamTrigger(ctx context.Context, id string) (*DownstreamTrigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downstreamTriggerColumns+` FROM downstream_triggers WHERE id = ?`, id)
	t, err := scanDownstreamTrigger(row)
	if err == sql.ErrNoRows {
		return nil, &fferrors.NotFoundError{Resource: "trigger", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get downstream trigger: %w", err)
	}
	return t, nil
}

// ListDownstreamTriggers returns triggers, optionally for one upstream.
func (s *Store) ListDownstreamTriggers(ctx context.Context, upstream string) ([]*DownstreamTrigger, error) {
	query := `SELECT ` + downstreamTriggerColumns + ` FROM downstream_triggers`
	args := []any{}
	if upstream != "" {
		query += " WHERE upstream = ?"
		args = append(args, upstream)
	}
	query += " ORDER BY upstream, downstream"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list downstream triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*DownstreamTrigger
	for rows.Next() {
		t, err := scanDownstreamTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan downstream trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// SetDownstreamTriggerEnabled flips a trigger's enabled flag.
func (s *Store) SetDownstreamTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx,
		`UPDATE downstream_triggers SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update downstream trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "trigger", ID: id}
	}
	return nil
}

// DeleteDownstreamTrigger removes a trigger row.
func (s *Store) DeleteDownstreamTrigger(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM downstream_triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete downstream trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "trigger", ID: id}
	}
	return nil
}

func scanDownstreamTrigger(sc scanner) (*DownstreamTrigger, error) {
	var t DownstreamTrigger
	var onSuccess, onFailure, enabled int
	var runConfigID sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&t.ID, &t.Upstream, &t.Downstream, &onSuccess, &onFailure, &enabled,
		&runConfigID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.OnSuccess = onSuccess == 1
	t.OnFailure = onFailure == 1
	t.Enabled = enabled == 1
	t.RunConfigID = runConfigID.String
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}
