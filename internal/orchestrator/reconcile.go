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
	"fmt"
	"os"
	"time"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Reconcile repairs the divergence between labelled workloads and run
// rows after a daemon restart. Workloads without a row are removed;
// running workloads are re-adopted and followed to completion; dead
// workloads whose rows still say running are finalised from their exit
// state; live rows with no workload at all are marked interrupted.
// Call it before the scheduler and the HTTP listener start.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	workloads, err := o.backend.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workloads: %w", err)
	}

	seen := make(map[string]bool, len(workloads))
	for _, w := range workloads {
		seen[w.Handle.RunID] = true
		logger := log.WithRunContext(o.logger, w.Handle.RunID, w.Handle.Pipeline)

		run, err := o.store.GetRun(ctx, w.Handle.RunID)
		if fferrors.IsNotFound(err) {
			logger.Info("removing workload with no run row",
				log.String(log.WorkloadKey, w.Handle.ID))
			if cerr := o.backend.Cleanup(ctx, w.Handle); cerr != nil {
				logger.Warn("failed to remove orphaned workload", log.Error(cerr))
			}
			continue
		}
		if err != nil {
			logger.Error("failed to load run row; skipping workload", log.Error(err))
			continue
		}

		switch {
		case run.Status.Terminal():
			// Finalised row with a leftover workload: a previous
			// cleanup was interrupted.
			if cerr := o.backend.Cleanup(ctx, w.Handle); cerr != nil {
				logger.Warn("failed to remove finished workload", log.Error(cerr))
			}
		case w.Running:
			o.reattach(ctx, run, w)
		default:
			o.finaliseFromWorkload(ctx, run, w)
		}
	}

	// Rows still live with no workload behind them: the workload
	// vanished while the daemon was down.
	rows, err := o.store.ListLiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live runs: %w", err)
	}
	for _, run := range rows {
		if seen[run.ID] {
			continue
		}
		if _, attached := o.reg.get(run.ID); attached {
			continue
		}
		logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)
		logger.Warn("run has no workload; marking interrupted")

		err := o.store.FinishRun(ctx, run.ID, store.RunCompletion{
			Status:       store.RunInterrupted,
			ErrorMessage: "workload disappeared while the daemon was down",
			FinishedAt:   time.Now().UTC(),
		})
		if err != nil {
			logger.Error("failed to mark vanished run interrupted", log.Error(err))
			continue
		}
		if err := o.store.IncrementRunStats(ctx, run.Pipeline, store.RunOutcome{
			ViaWebhook: run.TriggeredBy == TriggerWebhook,
		}); err != nil {
			logger.Warn("failed to bump run counters", log.Error(err))
		}
	}
	return nil
}

// reattach adopts a workload that is still running: the row is moved to
// running if the old daemon died before marking it, and a fresh
// lifecycle goroutine follows the streams to finalisation.
func (o *Orchestrator) reattach(ctx context.Context, run *store.Run, w executor.LiveWorkload) {
	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)

	startedAt := time.Now().UTC()
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	if run.Status == store.RunPending {
		if err := o.store.MarkRunStarted(ctx, run.ID, w.Handle.ID, startedAt); err != nil {
			logger.Warn("failed to mark reattached run started", log.Error(err))
		}
		run.Status = store.RunRunning
		run.WorkloadID = w.Handle.ID
		run.StartedAt = &startedAt
	}

	pl := o.reattachPlan(ctx, run)

	runCtx, cancel := context.WithCancel(o.baseCtx)
	live := o.reg.attach(run.ID, run.Pipeline, cancel)
	live.setHandle(w.Handle)

	logger.Info("reattached to running workload",
		log.String(log.WorkloadKey, w.Handle.ID),
		log.String(log.BackendKey, o.backend.Name()))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.reg.remove(run.ID)
		out := o.follow(runCtx, live, run, pl, w.Handle, startedAt)
		o.finalise(runCtx, live, run, pl, out)
	}()
}

// reattachPlan rebuilds the effective limits from current metadata. The
// pipeline may have been deleted or edited while the daemon was down;
// without metadata the run keeps going with no timeout and no soft
// limits, which only costs monitoring fidelity.
func (o *Orchestrator) reattachPlan(ctx context.Context, run *store.Run) *runPlan {
	p, err := o.disc.Get(ctx, run.Pipeline)
	if err != nil {
		return &runPlan{}
	}
	req := SubmitRequest{
		Pipeline:    run.Pipeline,
		Env:         run.Env,
		Parameters:  run.Parameters,
		RunConfigID: run.RunConfigID,
	}
	pl, err := o.plan(ctx, p, req, "")
	if err != nil {
		return &runPlan{pipeline: p, notebook: p.Metadata.Type == discovery.TypeNotebook}
	}
	return pl
}

// finaliseFromWorkload closes out a run whose workload already
// terminated while no daemon was watching. Any log output still held by
// the backend is salvaged first when the log file never made it to
// disk.
func (o *Orchestrator) finaliseFromWorkload(ctx context.Context, run *store.Run, w executor.LiveWorkload) {
	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)

	o.salvageLogs(ctx, run, w.Handle)

	class := executor.ClassifyExit(w.ExitCode, w.OOMKilled)
	status := store.RunSuccess
	errMsg := ""
	if class != "" {
		status = store.RunFailed
		errMsg = fmt.Sprintf("workload exited with code %d (%s) while the daemon was down", w.ExitCode, class)
	}

	exit := w.ExitCode
	err := o.store.FinishRun(ctx, run.ID, store.RunCompletion{
		Status:       status,
		ExitCode:     &exit,
		ErrorType:    class,
		ErrorMessage: errMsg,
		FinishedAt:   time.Now().UTC(),
	})
	if err != nil {
		logger.Error("failed to finalise zombie run", log.Error(err))
		return
	}
	if err := o.store.IncrementRunStats(ctx, run.Pipeline, store.RunOutcome{
		Succeeded:  status == store.RunSuccess,
		Failed:     status == store.RunFailed,
		ViaWebhook: run.TriggeredBy == TriggerWebhook,
	}); err != nil {
		logger.Warn("failed to bump run counters", log.Error(err))
	}

	logger.Info("finalised zombie run",
		log.String("status", string(status)),
		log.Int("exit_code", w.ExitCode))

	if err := o.backend.Cleanup(ctx, w.Handle); err != nil {
		logger.Warn("failed to remove zombie workload", log.Error(err))
	}
}

// salvageLogs drains a terminated workload's buffered output into the
// run's log file, but only when nothing was persisted before the crash.
// Appending to a partial file would duplicate lines, which is worse
// than a truncated log.
func (o *Orchestrator) salvageLogs(ctx context.Context, run *store.Run, handle executor.Handle) {
	logPath := run.LogFile
	if logPath == "" {
		return
	}
	if info, err := os.Stat(logPath); err == nil && info.Size() > 0 {
		return
	}

	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	lines, err := o.backend.StreamLogs(sctx, handle)
	if err != nil {
		logger.Warn("failed to salvage workload logs", log.Error(err))
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logger.Warn("failed to open log file for salvage", log.Error(err))
		return
	}
	defer f.Close()

	for line := range lines {
		if line.Sentinel {
			continue
		}
		fmt.Fprintf(f, "[%s] %s\n", line.At.Format(logTimeLayout), line.Text)
	}
}
