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
)

// NotebookCell is the persisted record of one notebook cell's execution
// within a run: stdout/stderr accumulated across retries, image outputs,
// and the latest status.
type NotebookCell struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Images    []string  `json:"images,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertNotebookCell writes a cell record, replacing any previous state
// for the same (run, index).
func (s *Store) UpsertNotebookCell(ctx context.Context, cell *NotebookCell) error {
	imagesJSON, err := json.Marshal(cell.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	now := time.Now().UTC()
	query := `INSERT INTO notebook_cells (run_id, cell_index, status, attempts, stdout, stderr, images, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, cell_index) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			stdout = excluded.stdout,
			stderr = excluded.stderr,
			images = excluded.images,
			updated_at = excluded.updated_at`
	_, err = s.exec(ctx, query,
		cell.RunID, cell.Index, cell.Status, cell.Attempts,
		nullString(cell.Stdout), nullString(cell.Stderr), string(imagesJSON),
		now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert notebook cell: %w", err)
	}

	cell.UpdatedAt = now
	return nil
}

// ListNotebookCells returns a run's cell records ordered by index.
func (s *Store) ListNotebookCells(ctx context.Context, runID string) ([]*NotebookCell, error) {
	query := `SELECT run_id, cell_index, status, attempts, stdout, stderr, images, updated_at
		FROM notebook_cells WHERE run_id = ? ORDER BY cell_index`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notebook cells: %w", err)
	}
	defer rows.Close()

	var cells []*NotebookCell
	for rows.Next() {
		var cell NotebookCell
		var stdout, stderr, imagesJSON sql.NullString
		var updatedAt string

		if err := rows.Scan(&cell.RunID, &cell.Index, &cell.Status, &cell.Attempts,
			&stdout, &stderr, &imagesJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notebook cell: %w", err)
		}

		cell.Stdout = stdout.String
		cell.Stderr = stderr.String
		if imagesJSON.Valid && imagesJSON.String != "" {
			if err := json.Unmarshal([]byte(imagesJSON.String), &cell.Images); err != nil {
				return nil, fmt.Errorf("failed to unmarshal images: %w", err)
			}
		}
		cell.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		cells = append(cells, &cell)
	}
	return cells, rows.Err()
}
