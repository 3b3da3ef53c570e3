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
	"testing"
)

func TestStore_NotebookCells(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	cells := []*NotebookCell{
		{RunID: "run-1", Index: 0, Status: "success", Attempts: 1, Stdout: "loaded 100 rows"},
		{RunID: "run-1", Index: 1, Status: "failed", Attempts: 3, Stderr: "KeyError: 'date'"},
		{RunID: "run-2", Index: 0, Status: "success", Attempts: 1},
	}
	for _, c := range cells {
		if err := s.UpsertNotebookCell(ctx, c); err != nil {
			t.Fatalf("failed to upsert cell %d: %v", c.Index, err)
		}
	}

	listed, err := s.ListNotebookCells(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list cells: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 cells for run-1, got %d", len(listed))
	}
	if listed[0].Index != 0 || listed[1].Index != 1 {
		t.Errorf("expected cells ordered by index, got %d, %d", listed[0].Index, listed[1].Index)
	}
	if listed[1].Stderr != "KeyError: 'date'" {
		t.Errorf("expected stderr to round-trip, got %q", listed[1].Stderr)
	}
}

func TestStore_NotebookCell_Upsert(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	cell := &NotebookCell{RunID: "run-1", Index: 2, Status: "running", Attempts: 1}
	if err := s.UpsertNotebookCell(ctx, cell); err != nil {
		t.Fatalf("failed to upsert cell: %v", err)
	}

	// A retried cell replaces its record with accumulated output.
	cell.Status = "success"
	cell.Attempts = 2
	cell.Stdout = "attempt 1 output\nattempt 2 output"
	cell.Images = []string{"cell2_img0.png", "cell2_img1.png"}
	if err := s.UpsertNotebookCell(ctx, cell); err != nil {
		t.Fatalf("failed to upsert cell again: %v", err)
	}

	listed, err := s.ListNotebookCells(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list cells: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 cell, got %d", len(listed))
	}
	got := listed[0]
	if got.Status != "success" || got.Attempts != 2 {
		t.Errorf("expected success after 2 attempts, got %s/%d", got.Status, got.Attempts)
	}
	if len(got.Images) != 2 || got.Images[0] != "cell2_img0.png" {
		t.Errorf("expected image list to round-trip, got %v", got.Images)
	}
}
