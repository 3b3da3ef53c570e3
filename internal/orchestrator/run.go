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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/notebook"
	"github.com/tombee/fastflow/internal/resilience"
	"github.com/tombee/fastflow/internal/retrypolicy"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// logTimeLayout prefixes every persisted log line.
const logTimeLayout = "2006-01-02 15:04:05.000"

// drainGrace is how long the log pump gets to reach EOF after the
// workload exits before the metrics stream is torn down.
const drainGrace = 5 * time.Second

// finaliseTimeout bounds the terminal bookkeeping (DB writes, workload
// removal, notifications) once a run's streams have joined.
const finaliseTimeout = 45 * time.Second

// outcome collects what the lifecycle learned about one run. Each field
// has a single writer; finalise reads them after the errgroup joins.
type outcome struct {
	wait      executor.WaitResult
	waitOK    bool
	waitErr   error
	streamErr error
	submitErr error

	setupSeconds float64
	uvVersion    string
}

// execute drives one freshly submitted run from pending to terminal.
func (o *Orchestrator) execute(ctx context.Context, live *liveRun, run *store.Run, pl *runPlan) {
	defer o.wg.Done()
	defer func() { metrics.SetLiveRuns(o.LiveCount()) }()
	defer o.reg.remove(run.ID)

	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)

	if cancelled, _ := live.isCancelled(); cancelled {
		o.finalise(ctx, live, run, pl, outcome{})
		return
	}

	// Warm the uv caches. Failure is advisory: the run itself resolves
	// dependencies if the cache is cold, just slower.
	if warmed, msg := o.heater.Preheat(ctx, pl.pipeline); !warmed {
		logger.Warn("pre-heat failed", log.String("detail", msg))
	}
	uvVersion := o.heater.UVVersion(ctx)

	if cancelled, _ := live.isCancelled(); cancelled {
		o.finalise(ctx, live, run, pl, outcome{uvVersion: uvVersion})
		return
	}

	spec := executor.RunSpec{
		RunID:         run.ID,
		Pipeline:      run.Pipeline,
		PipelineDir:   pl.pipeline.Dir,
		Image:         pl.image,
		Command:       pl.command,
		Env:           pl.env,
		CPULimit:      pl.cpuLimit,
		MemLimitBytes: pl.memLimitBytes,
		Timeout:       pl.timeout,
		Notebook:      pl.notebook,
	}
	handle, err := o.backend.Submit(ctx, spec)
	if err != nil {
		o.finalise(ctx, live, run, pl, outcome{submitErr: err, uvVersion: uvVersion})
		return
	}
	startedAt := time.Now().UTC()
	live.setHandle(handle)

	// A cancel may have landed between the last check and Submit
	// returning; it saw no handle, so stop the workload here.
	if cancelled, _ := live.isCancelled(); cancelled {
		if err := o.backend.Cancel(context.WithoutCancel(ctx), handle, 0); err != nil {
			logger.Warn("failed to stop freshly cancelled workload", log.Error(err))
		}
	}

	if err := o.store.MarkRunStarted(ctx, run.ID, handle.ID, startedAt); err != nil {
		// The guarded transition is idempotent; a failure here is a DB
		// hiccup. The run proceeds and FinishRun repairs the status.
		logger.Warn("failed to mark run started", log.Error(err))
	}
	run.Status = store.RunRunning
	run.WorkloadID = handle.ID
	run.StartedAt = &startedAt

	logger.Info("workload started",
		log.String(log.WorkloadKey, handle.ID),
		log.String(log.BackendKey, o.backend.Name()))

	out := o.follow(ctx, live, run, pl, handle, startedAt)
	out.uvVersion = uvVersion
	o.finalise(ctx, live, run, pl, out)
}

// follow attaches the stream pumps and the exit waiter to a started
// workload and blocks until all three join. It is shared by fresh runs
// and reconciler re-attachments.
func (o *Orchestrator) follow(ctx context.Context, live *liveRun, run *store.Run, pl *runPlan, handle executor.Handle, startedAt time.Time) outcome {
	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)
	out := outcome{}

	logPath := filepath.Join(o.cfg.LogsDir, run.ID+".log")
	metricsPath := filepath.Join(o.cfg.LogsDir, run.ID+".metrics.jsonl")
	if err := o.store.UpdateRunFiles(ctx, run.ID, logPath, metricsPath); err != nil {
		logger.Warn("failed to record run file paths", log.Error(err))
	}
	run.LogFile, run.MetricsFile = logPath, metricsPath

	var recorder *notebook.Recorder
	if pl.notebook {
		runDir := filepath.Join(o.cfg.RunsDir, run.ID)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			logger.Warn("failed to create run directory; cell images disabled", log.Error(err))
			runDir = ""
		}
		recorder = notebook.NewRecorder(o.store, run.ID, runDir, o.logger)
	}

	// The watchdog kills the workload at the effective timeout; the
	// exit then surfaces through Wait like any other, flagged timed-out.
	if pl.timeout > 0 {
		kill := func() {
			live.markTimedOut()
			kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if err := o.backend.Cancel(kctx, handle, 0); err != nil {
				logger.Warn("timeout kill failed", log.Error(err))
			}
		}
		remaining := pl.timeout - time.Since(startedAt)
		if remaining <= 0 {
			kill()
		} else {
			timer := time.AfterFunc(remaining, kill)
			defer timer.Stop()
		}
	}

	streamCtx, stopStreams := context.WithCancel(ctx)
	defer stopStreams()

	logsDone := make(chan struct{})
	g, gctx := errgroup.WithContext(streamCtx)

	g.Go(func() error {
		defer close(logsDone)
		return o.pumpLogs(gctx, live, handle, recorder, logPath, startedAt, &out.setupSeconds)
	})

	g.Go(func() error {
		return o.pumpMetrics(gctx, live, run, pl, handle, metricsPath)
	})

	g.Go(func() error {
		res, err := o.backend.Wait(gctx, handle)
		if err != nil {
			out.waitErr = err
		} else {
			out.wait, out.waitOK = res, true
		}
		// Let the log pump reach its natural EOF, then cut the metrics
		// stream, which never ends on its own for some backends.
		select {
		case <-logsDone:
		case <-time.After(drainGrace):
		case <-gctx.Done():
		}
		stopStreams()
		return nil
	})

	out.streamErr = g.Wait()

	if recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := recorder.Flush(flushCtx); err != nil {
			logger.Warn("failed to flush notebook cells", log.Error(err))
		}
		cancel()
	}
	return out
}

// pumpLogs copies workload output to the run's log file and fan-out
// queue. The sentinel line is consumed silently and becomes the setup
// duration; notebook protocol lines are absorbed by the recorder and
// replaced with their condensed rendering.
func (o *Orchestrator) pumpLogs(ctx context.Context, live *liveRun, handle executor.Handle, recorder *notebook.Recorder, logPath string, startedAt time.Time, setupSeconds *float64) error {
	lines, err := o.backend.StreamLogs(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to open log stream: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	for line := range lines {
		if line.Sentinel {
			if d := line.At.Sub(startedAt).Seconds(); d > 0 {
				*setupSeconds = d
			}
			continue
		}

		text := line.Text
		if recorder != nil {
			if rendered, handled := recorder.Consume(ctx, text); handled {
				if rendered == "" {
					continue
				}
				text = rendered
			}
		}

		if _, err := fmt.Fprintf(f, "[%s] %s\n", line.At.Format(logTimeLayout), text); err != nil {
			return fmt.Errorf("failed to write log line: %w", err)
		}
		live.logs.Push(LogEvent{At: line.At, Text: text})
	}
	return nil
}

// pumpMetrics copies resource samples to the run's JSONL file and
// fan-out queue, stamping each with the soft-limit verdict. The first
// breach notifies once; later breaches only mark samples.
func (o *Orchestrator) pumpMetrics(ctx context.Context, live *liveRun, run *store.Run, pl *runPlan, handle executor.Handle, metricsPath string) error {
	samples, err := o.backend.StreamMetrics(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to open metrics stream: %w", err)
	}

	f, err := os.OpenFile(metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)

	notified := false
	for sample := range samples {
		point := MetricPoint{
			Sample:            sample,
			SoftLimitExceeded: softLimitExceeded(pl, sample),
		}
		if err := enc.Encode(point); err != nil {
			return fmt.Errorf("failed to write metrics sample: %w", err)
		}
		live.metrics.Push(point)

		if point.SoftLimitExceeded && !notified {
			notified = true
			o.notifier.SoftLimitBreached(ctx, run, point)
		}
	}
	return nil
}

func softLimitExceeded(pl *runPlan, s executor.Sample) bool {
	if pl.cpuSoftPct > 0 && s.CPUPercent > pl.cpuSoftPct {
		return true
	}
	if pl.memSoftMB > 0 && s.RAMMB > pl.memSoftMB {
		return true
	}
	return false
}

// finalise moves the run to its terminal status and performs the
// post-terminal duties: counters, workload removal, notifications,
// retry scheduling, downstream triggers. The DB write is retried on a
// short backoff; if it still fails the row stays live for the next
// start's reconciler and the workload is kept as evidence.
func (o *Orchestrator) finalise(ctx context.Context, live *liveRun, run *store.Run, pl *runPlan, out outcome) {
	logger := log.WithRunContext(o.logger, run.ID, run.Pipeline)

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finaliseTimeout)
	defer cancel()

	status, exitCode, errType, errMsg := resolveOutcome(live, pl, out)
	completion := store.RunCompletion{
		Status:       status,
		ExitCode:     exitCode,
		ErrorType:    errType,
		ErrorMessage: errMsg,
		UVVersion:    out.uvVersion,
		SetupSeconds: out.setupSeconds,
		FinishedAt:   time.Now().UTC(),
	}

	policy := resilience.RetryPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
	err := resilience.Retry(finCtx, policy, logger, "persist terminal status", func() error {
		return o.store.FinishRun(finCtx, run.ID, completion)
	})
	if err != nil {
		logger.Error("failed to persist terminal status; leaving row for the reconciler", log.Error(err))
		return
	}

	run.Status = status
	run.ExitCode = exitCode
	run.ErrorType = errType
	run.ErrorMessage = errMsg
	run.SetupSeconds = out.setupSeconds
	run.UVVersion = out.uvVersion
	finishedAt := completion.FinishedAt
	run.FinishedAt = &finishedAt

	var duration float64
	if run.StartedAt != nil {
		duration = finishedAt.Sub(*run.StartedAt).Seconds()
	}
	metrics.RecordRunFinished(run.Pipeline, string(status), duration)
	metrics.RecordSetupDuration(run.Pipeline, out.setupSeconds)

	if err := o.store.IncrementRunStats(finCtx, run.Pipeline, store.RunOutcome{
		Succeeded:  status == store.RunSuccess,
		Failed:     status == store.RunFailed,
		ViaWebhook: run.TriggeredBy == TriggerWebhook,
	}); err != nil {
		logger.Warn("failed to bump run counters", log.Error(err))
	}

	var durationMS int64
	if run.StartedAt != nil {
		durationMS = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	logger.Info("run finalised",
		log.String("status", string(status)),
		log.String("error_type", errType),
		log.Duration(log.DurationKey, durationMS))

	if handle, ok := live.workload(); ok {
		if err := o.backend.Cleanup(finCtx, handle); err != nil {
			logger.Warn("workload cleanup failed", log.Error(err))
		}
	}

	o.afterTerminal(finCtx, run, pl, status)
}

// afterTerminal fires the post-finalisation actions. Downstream
// triggers run strictly after the terminal write commits. A scheduled
// retry defers failure notifications and on-failure triggers to the
// final attempt.
func (o *Orchestrator) afterTerminal(ctx context.Context, run *store.Run, pl *runPlan, status store.RunStatus) {
	switch status {
	case store.RunSuccess, store.RunWarning:
		o.notifier.RunFinished(ctx, run)
		o.fireDownstream(ctx, run, true)
	case store.RunFailed:
		if o.scheduleRetry(run, pl) {
			break
		}
		o.notifier.RunFinished(ctx, run)
		o.fireDownstream(ctx, run, false)
	case store.RunInterrupted:
		o.notifier.RunFinished(ctx, run)
	}

	if hook := o.terminalHook(); hook != nil {
		hook(run)
	}
}

// resolveOutcome maps what the lifecycle observed to the run's terminal
// status, exit code, and advisory classification. Cancellation beats
// timeout beats infrastructure failures beats the exit code.
func resolveOutcome(live *liveRun, pl *runPlan, out outcome) (status store.RunStatus, exitCode *int, errType, errMsg string) {
	if cancelled, reason := live.isCancelled(); cancelled {
		if out.waitOK {
			exitCode = &out.wait.ExitCode
		}
		return store.RunInterrupted, exitCode, "", reason
	}

	if live.isTimedOut() {
		code := executor.TimeoutExitCode
		return store.RunFailed, &code, executor.ClassTimeout,
			fmt.Sprintf("run exceeded timeout of %s", pl.timeout)
	}

	if out.submitErr != nil {
		errType = fferrors.TypeOf(out.submitErr)
		if errType == "" {
			errType = "infrastructure"
		}
		return store.RunFailed, nil, errType, out.submitErr.Error()
	}

	if !out.waitOK {
		cause := out.waitErr
		if (cause == nil || errors.Is(cause, context.Canceled)) && out.streamErr != nil {
			cause = out.streamErr
		}
		return store.RunFailed, nil, "infrastructure",
			fmt.Sprintf("lost track of workload: %v", cause)
	}

	exitCode = &out.wait.ExitCode
	class := executor.ClassifyExit(out.wait.ExitCode, out.wait.OOMKilled)
	if class == "" {
		if out.streamErr != nil {
			// The workload succeeded but its logs or metrics are
			// incomplete. Flag it rather than claiming a clean pass.
			return store.RunWarning, exitCode, "",
				fmt.Sprintf("run succeeded but streaming failed: %v", out.streamErr)
		}
		return store.RunSuccess, exitCode, "", ""
	}
	return store.RunFailed, exitCode, class,
		fmt.Sprintf("workload exited with code %d (%s)", out.wait.ExitCode, class)
}

// scheduleRetry arms the next attempt for an engine-retryable failure.
// Only script pipelines retry, only for failures the user's code caused
// (pipeline error, OOM, timeout), and only while attempts remain.
// Returns true when a retry was scheduled.
func (o *Orchestrator) scheduleRetry(run *store.Run, pl *runPlan) bool {
	if pl == nil || pl.notebook {
		return false
	}
	if pl.retryAttempts <= 0 || run.RetryCount >= pl.retryAttempts {
		return false
	}
	switch run.ErrorType {
	case executor.ClassPipelineError, executor.ClassOOM, executor.ClassTimeout:
	default:
		return false
	}

	attempt := run.RetryCount + 1
	delay := retrypolicy.Delay(attempt, pl.retryStrategy, o.cfg.DefaultRetryDelay)

	env := cloneStringMap(run.Env)
	env[retrypolicy.RetryCountEnv] = strconv.Itoa(attempt)
	env[retrypolicy.PreviousRunIDEnv] = run.ID

	req := SubmitRequest{
		Pipeline:      run.Pipeline,
		Env:           env,
		Parameters:    cloneStringMap(run.Parameters),
		TriggeredBy:   retryTrigger(run.TriggeredBy),
		RunConfigID:   run.RunConfigID,
		RetryCount:    attempt,
		PreviousRunID: run.ID,
	}

	o.logger.Info("scheduling retry",
		log.String(log.RunIDKey, run.ID),
		log.String(log.PipelineKey, run.Pipeline),
		log.Int("attempt", attempt),
		log.Int("max_attempts", pl.retryAttempts),
		log.Duration("delay_ms", delay.Milliseconds()))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(delay):
		case <-o.shutdownCh:
			return
		}
		ctx, cancel := context.WithTimeout(o.baseCtx, 30*time.Second)
		defer cancel()
		if _, err := o.Submit(ctx, req); err != nil {
			o.logger.Warn("retry submission failed",
				log.String(log.PipelineKey, run.Pipeline),
				log.Int("attempt", attempt),
				log.Error(err))
		}
	}()
	return true
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
