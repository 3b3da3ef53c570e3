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

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/executor/executortest"
	"github.com/tombee/fastflow/internal/store"
)

// seedRun inserts a run row the way a previous daemon would have left
// it, including the pipeline stats row the counters need.
func (h *harness) seedRun(t *testing.T, run *store.Run) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.st.EnsurePipeline(ctx, run.Pipeline))
	require.NoError(t, h.st.CreateRun(ctx, run))
}

func TestReconcile_RemovesOrphanedWorkload(t *testing.T) {
	h := newHarness(t)
	h.fake.Inject("no-such-run", "ghost", true, 0, false)

	require.NoError(t, h.orc.Reconcile(context.Background()))
	assert.False(t, h.fake.Exists("no-such-run"))
}

func TestReconcile_ReattachesRunningWorkload(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "survivor", nil)

	runID := uuid.NewString()
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "survivor",
		Status:      store.RunPending,
		TriggeredBy: TriggerScheduler,
	})
	h.fake.InjectScript(runID, "survivor", true, executortest.Script{
		Lines:             []string{"still going"},
		BlockUntilStopped: true,
	})

	require.NoError(t, h.orc.Reconcile(context.Background()))

	// Adopted: registered live and moved to running.
	assert.Equal(t, 1, h.orc.LiveCount())
	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, "fake-"+runID, run.WorkloadID)

	// The adopted lifecycle finishes the run like any other.
	h.fake.StopWorkload(runID, 0, false)
	final := h.waitTerminal(t, runID)
	assert.Equal(t, store.RunSuccess, final.Status)

	h.waitIdle(t)
	data, err := os.ReadFile(final.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "still going")
}

func TestReconcile_FinalisesDeadWorkload(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "fell-over", nil)

	started := time.Now().UTC().Add(-time.Hour)
	runID := uuid.NewString()
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "fell-over",
		Status:      store.RunRunning,
		TriggeredBy: TriggerManual,
		WorkloadID:  "fake-" + runID,
		StartedAt:   &started,
	})
	h.fake.Inject(runID, "fell-over", false, 3, false)

	require.NoError(t, h.orc.Reconcile(context.Background()))

	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, executor.ClassPipelineError, run.ErrorType)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 3, *run.ExitCode)
	assert.Contains(t, run.ErrorMessage, "while the daemon was down")

	assert.False(t, h.fake.Exists(runID))

	p, err := h.st.GetPipeline(context.Background(), "fell-over")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalRuns)
	assert.Equal(t, int64(1), p.FailedRuns)
}

func TestReconcile_DeadWorkloadCleanExit(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "finished-quietly", nil)

	runID := uuid.NewString()
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "finished-quietly",
		Status:      store.RunRunning,
		TriggeredBy: TriggerManual,
	})
	h.fake.Inject(runID, "finished-quietly", false, 0, false)

	require.NoError(t, h.orc.Reconcile(context.Background()))

	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Empty(t, run.ErrorMessage)
}

func TestReconcile_SalvagesBufferedLogs(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "crash-logs", nil)

	runID := uuid.NewString()
	logPath := filepath.Join(h.dir, "logs", runID+".log")
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "crash-logs",
		Status:      store.RunRunning,
		TriggeredBy: TriggerManual,
		LogFile:     logPath,
	})
	h.fake.InjectScript(runID, "crash-logs", false, executortest.Script{
		Lines:    []string{"last words"},
		ExitCode: 1,
	})

	require.NoError(t, h.orc.Reconcile(context.Background()))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "last words")
	assert.NotContains(t, content, executor.SentinelLine)
}

func TestReconcile_SalvageSkipsPartialLogFile(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "partial", nil)

	runID := uuid.NewString()
	logPath := filepath.Join(h.dir, "logs", runID+".log")
	require.NoError(t, os.WriteFile(logPath, []byte("already persisted\n"), 0o644))
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "partial",
		Status:      store.RunRunning,
		TriggeredBy: TriggerManual,
		LogFile:     logPath,
	})
	h.fake.InjectScript(runID, "partial", false, executortest.Script{
		Lines:    []string{"would duplicate"},
		ExitCode: 1,
	})

	require.NoError(t, h.orc.Reconcile(context.Background()))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "already persisted\n", string(data))
}

func TestReconcile_MarksVanishedRunInterrupted(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "vanished", nil)

	runID := uuid.NewString()
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "vanished",
		Status:      store.RunRunning,
		TriggeredBy: TriggerManual,
	})

	require.NoError(t, h.orc.Reconcile(context.Background()))

	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunInterrupted, run.Status)
	assert.Equal(t, "workload disappeared while the daemon was down", run.ErrorMessage)

	p, err := h.st.GetPipeline(context.Background(), "vanished")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.TotalRuns)
	assert.Equal(t, int64(0), p.FailedRuns)
}

func TestReconcile_RemovesWorkloadOfTerminalRun(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "done-already", nil)

	runID := uuid.NewString()
	finished := time.Now().UTC()
	h.seedRun(t, &store.Run{
		ID:          runID,
		Pipeline:    "done-already",
		Status:      store.RunSuccess,
		TriggeredBy: TriggerManual,
		FinishedAt:  &finished,
	})
	h.fake.Inject(runID, "done-already", false, 0, false)

	require.NoError(t, h.orc.Reconcile(context.Background()))

	assert.False(t, h.fake.Exists(runID))
	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
}
