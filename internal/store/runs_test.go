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
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

func TestStore_CreateRun(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{
		ID:          "run-1",
		Pipeline:    "etl",
		Status:      RunPending,
		TriggeredBy: "api",
		Env:         map[string]string{"MODE": "full"},
		Parameters:  map[string]string{"region": "eu-west-1"},
	}

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Status != RunPending {
		t.Errorf("expected status pending, got %s", retrieved.Status)
	}
	if retrieved.Env["MODE"] != "full" {
		t.Errorf("expected env MODE=full, got %v", retrieved.Env)
	}
	if retrieved.Parameters["region"] != "eu-west-1" {
		t.Errorf("expected parameter region=eu-west-1, got %v", retrieved.Parameters)
	}
	if retrieved.ExitCode != nil {
		t.Errorf("expected nil exit code, got %d", *retrieved.ExitCode)
	}
}

func TestStore_GetRun_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	_, err := s.GetRun(context.Background(), "no-such-run")
	if !fferrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestStore_MarkRunStarted(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "etl", Status: RunPending, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	startedAt := time.Now().UTC()
	if err := s.MarkRunStarted(ctx, "run-1", "container-abc", startedAt); err != nil {
		t.Fatalf("failed to mark run started: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != RunRunning {
		t.Errorf("expected status running, got %s", retrieved.Status)
	}
	if retrieved.WorkloadID != "container-abc" {
		t.Errorf("expected workload container-abc, got %s", retrieved.WorkloadID)
	}
	if retrieved.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	// Marking a missing run reports not found.
	err = s.MarkRunStarted(ctx, "no-such-run", "c", startedAt)
	if !fferrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestStore_FinishRun(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "etl", Status: RunPending, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := s.MarkRunStarted(ctx, "run-1", "container-abc", time.Now().UTC()); err != nil {
		t.Fatalf("failed to mark run started: %v", err)
	}

	exitCode := 0
	completion := RunCompletion{
		Status:       RunSuccess,
		ExitCode:     &exitCode,
		UVVersion:    "0.5.11",
		SetupSeconds: 3.2,
		FinishedAt:   time.Now().UTC(),
	}
	if err := s.FinishRun(ctx, "run-1", completion); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != RunSuccess {
		t.Errorf("expected status success, got %s", retrieved.Status)
	}
	if retrieved.ExitCode == nil || *retrieved.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", retrieved.ExitCode)
	}
	if retrieved.UVVersion != "0.5.11" {
		t.Errorf("expected uv version 0.5.11, got %s", retrieved.UVVersion)
	}
	if retrieved.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestStore_FinishRun_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "etl", Status: RunRunning, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	exitCode := 1
	first := RunCompletion{
		Status:       RunFailed,
		ExitCode:     &exitCode,
		ErrorType:    "pipeline_error",
		ErrorMessage: "process exited with code 1",
		FinishedAt:   time.Now().UTC(),
	}
	if err := s.FinishRun(ctx, "run-1", first); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	// A second finaliser racing the first must not overwrite the outcome
	// and must not report an error.
	second := RunCompletion{Status: RunInterrupted, FinishedAt: time.Now().UTC()}
	if err := s.FinishRun(ctx, "run-1", second); err != nil {
		t.Fatalf("expected idempotent finish to succeed, got %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Status != RunFailed {
		t.Errorf("expected first outcome failed to stick, got %s", retrieved.Status)
	}
	if retrieved.ErrorType != "pipeline_error" {
		t.Errorf("expected error type pipeline_error, got %s", retrieved.ErrorType)
	}
}

func TestStore_FinishRun_RejectsNonTerminal(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "etl", Status: RunRunning, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	err := s.FinishRun(ctx, "run-1", RunCompletion{Status: RunRunning, FinishedAt: time.Now()})
	if !fferrors.IsValidation(err) {
		t.Errorf("expected validation error for non-terminal status, got %v", err)
	}
}

func TestStore_FinishRun_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	err := s.FinishRun(context.Background(), "no-such-run",
		RunCompletion{Status: RunSuccess, FinishedAt: time.Now()})
	if !fferrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	runs := []*Run{
		{ID: "run-1", Pipeline: "etl", Status: RunSuccess, TriggeredBy: "api", CreatedAt: base},
		{ID: "run-2", Pipeline: "report", Status: RunFailed, TriggeredBy: "schedule", CreatedAt: base.Add(time.Minute)},
		{ID: "run-3", Pipeline: "etl", Status: RunRunning, TriggeredBy: "api", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("failed to create run %s: %v", r.ID, err)
		}
	}

	// Unfiltered: newest first.
	all, err := s.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "run-3" || all[2].ID != "run-1" {
		t.Errorf("expected newest-first order run-3..run-1, got %s..%s", all[0].ID, all[2].ID)
	}

	// Filter by pipeline.
	etl, err := s.ListRuns(ctx, RunFilter{Pipeline: "etl"})
	if err != nil {
		t.Fatalf("failed to list etl runs: %v", err)
	}
	if len(etl) != 2 {
		t.Errorf("expected 2 etl runs, got %d", len(etl))
	}

	// Filter by status with limit.
	failed, err := s.ListRuns(ctx, RunFilter{Status: RunFailed, Limit: 1})
	if err != nil {
		t.Fatalf("failed to list failed runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-2" {
		t.Errorf("expected run-2, got %v", failed)
	}
}

func TestStore_CountLiveRuns(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	runs := []*Run{
		{ID: "run-1", Pipeline: "etl", Status: RunPending, TriggeredBy: "api"},
		{ID: "run-2", Pipeline: "etl", Status: RunRunning, TriggeredBy: "api"},
		{ID: "run-3", Pipeline: "report", Status: RunRunning, TriggeredBy: "api"},
		{ID: "run-4", Pipeline: "etl", Status: RunSuccess, TriggeredBy: "api"},
	}
	for _, r := range runs {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("failed to create run %s: %v", r.ID, err)
		}
	}

	global, err := s.CountLiveRuns(ctx, "")
	if err != nil {
		t.Fatalf("failed to count live runs: %v", err)
	}
	if global != 3 {
		t.Errorf("expected 3 live runs globally, got %d", global)
	}

	etl, err := s.CountLiveRuns(ctx, "etl")
	if err != nil {
		t.Fatalf("failed to count etl live runs: %v", err)
	}
	if etl != 2 {
		t.Errorf("expected 2 live etl runs, got %d", etl)
	}

	live, err := s.ListLiveRuns(ctx)
	if err != nil {
		t.Fatalf("failed to list live runs: %v", err)
	}
	if len(live) != 3 {
		t.Errorf("expected 3 live runs listed, got %d", len(live))
	}
}

func TestStore_DeleteRun_RemovesCells(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "nb", Status: RunSuccess, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	cell := &NotebookCell{RunID: "run-1", Index: 0, Status: "success", Attempts: 1, Stdout: "hello"}
	if err := s.UpsertNotebookCell(ctx, cell); err != nil {
		t.Fatalf("failed to upsert cell: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := s.GetRun(ctx, "run-1"); !fferrors.IsNotFound(err) {
		t.Errorf("expected run to be gone, got %v", err)
	}
	cells, err := s.ListNotebookCells(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list cells: %v", err)
	}
	if len(cells) != 0 {
		t.Errorf("expected cells to be deleted with run, got %d", len(cells))
	}
}

func TestStore_RetentionQueries(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		finished := base.Add(time.Duration(i) * time.Hour)
		run := &Run{
			ID:          string(rune('a'+i)) + "-run",
			Pipeline:    "etl",
			Status:      RunSuccess,
			TriggeredBy: "api",
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
			FinishedAt:  &finished,
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	old, err := s.ListRunsFinishedBefore(ctx, base.Add(150*time.Minute), 0)
	if err != nil {
		t.Fatalf("failed to list old runs: %v", err)
	}
	if len(old) != 3 {
		t.Errorf("expected 3 runs finished before cutoff, got %d", len(old))
	}
	if len(old) > 0 && old[0].ID != "a-run" {
		t.Errorf("expected oldest first, got %s", old[0].ID)
	}

	beyond, err := s.ListRunsBeyondKeep(ctx, "etl", 2)
	if err != nil {
		t.Fatalf("failed to list runs beyond keep: %v", err)
	}
	if len(beyond) != 3 {
		t.Errorf("expected 3 runs beyond keep=2, got %d", len(beyond))
	}
	for _, r := range beyond {
		if r.ID == "e-run" || r.ID == "d-run" {
			t.Errorf("expected the 2 newest runs to be kept, but %s was listed", r.ID)
		}
	}
}

func TestStore_UpdateRunFiles(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	run := &Run{ID: "run-1", Pipeline: "etl", Status: RunPending, TriggeredBy: "api"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if err := s.UpdateRunFiles(ctx, "run-1", "/data/logs/run-1.log", "/data/metrics/run-1.jsonl"); err != nil {
		t.Fatalf("failed to update run files: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.LogFile != "/data/logs/run-1.log" {
		t.Errorf("expected log file path, got %s", retrieved.LogFile)
	}
	if retrieved.MetricsFile != "/data/metrics/run-1.jsonl" {
		t.Errorf("expected metrics file path, got %s", retrieved.MetricsFile)
	}
}

func TestStore_RetryLineage(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	orig := &Run{ID: "run-1", Pipeline: "etl", Status: RunFailed, TriggeredBy: "manual"}
	if err := s.CreateRun(ctx, orig); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	retry := &Run{
		ID:            "run-2",
		Pipeline:      "etl",
		Status:        RunPending,
		TriggeredBy:   "manual_retry",
		RetryCount:    1,
		PreviousRunID: "run-1",
	}
	if err := s.CreateRun(ctx, retry); err != nil {
		t.Fatalf("failed to create retry run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-2")
	if err != nil {
		t.Fatalf("failed to get retry run: %v", err)
	}
	if retrieved.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", retrieved.RetryCount)
	}
	if retrieved.PreviousRunID != "run-1" {
		t.Errorf("expected previous run run-1, got %s", retrieved.PreviousRunID)
	}
}
