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

// Package orchestrator owns the run lifecycle: admission, environment
// assembly, workload submission, log and metric streaming, timeout
// enforcement, finalisation, retries, and downstream triggers. One
// Orchestrator drives one executor backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/preheat"
	"github.com/tombee/fastflow/internal/store"
	"github.com/tombee/fastflow/internal/vault"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Sources recorded in a run's triggered_by column.
const (
	TriggerManual        = "manual"
	TriggerScheduler     = "scheduler"
	TriggerWebhook       = "webhook"
	TriggerDownstream    = "downstream"
	TriggerDaemonRestart = "daemon_restart"

	// retrySuffix marks engine-retried runs; the prefix names the
	// trigger of the original attempt, e.g. "manual_retry".
	retrySuffix = "_retry"
)

// retryTrigger derives the triggered_by value for a retried run from
// its predecessor's. Later attempts in a chain keep the first retry's
// value rather than stacking suffixes.
func retryTrigger(origin string) string {
	if origin == "" {
		origin = TriggerManual
	}
	if strings.HasSuffix(origin, retrySuffix) {
		return origin
	}
	return origin + retrySuffix
}

// ErrShuttingDown rejects submissions once graceful shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config carries the static orchestrator settings. Runtime settings
// (worker image, global cap) can be overridden per submission through
// the persisted Settings document.
type Config struct {
	// LogsDir receives per-run log and metrics files.
	LogsDir string

	// RunsDir receives per-run artifact directories (notebook images).
	RunsDir string

	// WorkerImage is the container image runs execute in, unless the
	// settings document overrides it.
	WorkerImage string

	// MaxParallelRuns caps live runs across all pipelines. 0 means
	// unlimited. The settings document overrides a non-zero value.
	MaxParallelRuns int

	// DefaultTimeout applies when neither pipeline metadata nor the
	// selected schedule sets one. 0 means unbounded.
	DefaultTimeout time.Duration

	// DefaultRetryDelay spaces retry attempts when the pipeline's
	// strategy does not dictate one.
	// Default: 60s
	DefaultRetryDelay time.Duration

	// CancelGrace is how long a cancelled workload gets to exit before
	// the backend kills it.
	// Default: 10s
	CancelGrace time.Duration

	// ShutdownGrace is the stop grace applied to every live workload at
	// daemon shutdown.
	// Default: 30s
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = 60 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store     *store.Store
	Discovery *discovery.Service
	Vault     *vault.Vault
	Heater    *preheat.Heater
	Backend   executor.Backend

	// Notifier receives run-finished and soft-limit events. Nil falls
	// back to log-only delivery.
	Notifier Notifier

	Logger *slog.Logger
}

// Orchestrator coordinates every live run in the process.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	disc     *discovery.Service
	vault    *vault.Vault
	heater   *preheat.Heater
	backend  executor.Backend
	notifier Notifier
	logger   *slog.Logger

	reg *registry

	// baseCtx parents every run lifecycle; baseCancel is the hard stop
	// of last resort during shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// shutdownCh releases retry waiters so pending delays do not hold
	// the process open.
	shutdownCh chan struct{}

	wg     sync.WaitGroup
	closed atomic.Bool

	hookMu     sync.Mutex
	onTerminal func(*store.Run)
}

// New wires an orchestrator. Call Reconcile before serving traffic so
// workloads from a previous process are adopted or finalised first.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		disc:       deps.Discovery,
		vault:      deps.Vault,
		heater:     deps.Heater,
		backend:    deps.Backend,
		notifier:   notifier,
		logger:     log.WithComponent(logger, "orchestrator"),
		reg:        newRegistry(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		shutdownCh: make(chan struct{}),
	}
}

// SubmitRequest describes one run to start.
type SubmitRequest struct {
	Pipeline    string            `json:"pipeline"`
	Env         map[string]string `json:"env,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	RunConfigID string            `json:"run_config_id,omitempty"`

	// RetryCount and PreviousRunID chain automatic retries. The engine
	// populates them; callers resubmitting a failed run by hand may too.
	RetryCount    int    `json:"retry_count,omitempty"`
	PreviousRunID string `json:"previous_run_id,omitempty"`
}

// Submit admits and starts one run. It returns once the run row exists
// and the lifecycle goroutine owns it; the workload starts
// asynchronously. Admission failures (unknown pipeline, disabled,
// concurrency caps, undecryptable environment) return typed errors and
// leave no row behind.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*store.Run, error) {
	if o.closed.Load() {
		return nil, ErrShuttingDown
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = TriggerManual
	}

	p, err := o.disc.Get(ctx, req.Pipeline)
	if err != nil {
		return nil, err
	}
	if !p.Metadata.Enabled {
		metrics.RecordRejection("disabled")
		return nil, &fferrors.DisabledError{Pipeline: p.Name}
	}

	image, globalCap := o.runtimeSettings(ctx)
	pl, err := o.plan(ctx, p, req, image)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(o.baseCtx)
	live, err := o.reg.admit(runID, p.Name, globalCap, p.Metadata.MaxInstances, cancel)
	if err != nil {
		cancel()
		metrics.RecordRejection("concurrency_limit")
		return nil, err
	}

	run := &store.Run{
		ID:            runID,
		Pipeline:      p.Name,
		Status:        store.RunPending,
		TriggeredBy:   req.TriggeredBy,
		RunConfigID:   req.RunConfigID,
		Env:           req.Env,
		Parameters:    req.Parameters,
		RetryCount:    req.RetryCount,
		PreviousRunID: req.PreviousRunID,
	}
	if err := o.store.EnsurePipeline(ctx, p.Name); err != nil {
		o.reg.remove(runID)
		cancel()
		return nil, fmt.Errorf("failed to ensure pipeline row: %w", err)
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		o.reg.remove(runID)
		cancel()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	o.logger.Info("run submitted",
		log.String(log.RunIDKey, runID),
		log.String(log.PipelineKey, p.Name),
		log.String("triggered_by", req.TriggeredBy))

	o.wg.Add(1)
	go o.execute(runCtx, live, run, pl)
	metrics.SetLiveRuns(o.LiveCount())
	return run, nil
}

// runtimeSettings folds the persisted settings document over the static
// config. Unreachable settings fall back to config rather than failing
// the submission.
func (o *Orchestrator) runtimeSettings(ctx context.Context) (image string, globalCap int) {
	image, globalCap = o.cfg.WorkerImage, o.cfg.MaxParallelRuns
	settings, err := o.store.GetSettings(ctx)
	if err != nil {
		o.logger.Warn("failed to load settings; using static config", log.Error(err))
		return image, globalCap
	}
	if settings == nil {
		return image, globalCap
	}
	if settings.WorkerImage != "" {
		image = settings.WorkerImage
	}
	if settings.MaxParallelRuns > 0 {
		globalCap = settings.MaxParallelRuns
	}
	return image, globalCap
}

// Cancel stops a pending or running run and marks it interrupted.
// Returns false without error when the run is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (bool, error) {
	live, ok := o.reg.get(runID)
	if !ok {
		// Not live in this process. Either terminal, unknown, or a
		// stale row from a previous daemon that the reconciler has not
		// repaired yet.
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}
		if run.Status.Terminal() {
			return false, nil
		}
		err = o.store.FinishRun(ctx, runID, store.RunCompletion{
			Status:       store.RunInterrupted,
			ErrorMessage: "cancelled; no live workload attached",
			FinishedAt:   time.Now().UTC(),
		})
		if err != nil {
			return false, err
		}
		if err := o.store.IncrementRunStats(ctx, run.Pipeline, store.RunOutcome{
			ViaWebhook: run.TriggeredBy == TriggerWebhook,
		}); err != nil {
			o.logger.Warn("failed to bump run counters", log.Error(err))
		}
		return true, nil
	}

	live.markCancelled("cancelled by user")
	handle, started := live.workload()
	if !started {
		// Still pending: unblock pre-heat or submission; the lifecycle
		// goroutine finalises as interrupted.
		live.stop()
		return true, nil
	}

	if err := o.backend.Cancel(ctx, handle, o.cfg.CancelGrace); err != nil {
		o.logger.Warn("workload stop failed; forcing stream teardown",
			log.String(log.RunIDKey, runID), log.Error(err))
		live.stop()
		return true, nil
	}
	// Backstop for a workload that outlives its grace: tear the
	// lifecycle down so finalisation is not held hostage.
	time.AfterFunc(o.cfg.CancelGrace+30*time.Second, live.stop)
	return true, nil
}

// HealthStatus reports one run's liveness.
type HealthStatus struct {
	RunID   string          `json:"run_id"`
	Status  store.RunStatus `json:"status"`
	Healthy bool            `json:"healthy"`
	Reason  string          `json:"reason,omitempty"`
}

// Health reports whether a run is alive and attended: pending runs are
// healthy (starting), running runs are healthy while a lifecycle
// goroutine in this process is attached, terminal runs are not.
func (o *Orchestrator) Health(ctx context.Context, runID string) (*HealthStatus, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	hs := &HealthStatus{RunID: runID, Status: run.Status}
	switch {
	case run.Status == store.RunPending:
		hs.Healthy = true
		hs.Reason = "waiting to start"
	case run.Status == store.RunRunning:
		if _, ok := o.reg.get(runID); ok {
			hs.Healthy = true
		} else {
			hs.Reason = "running row has no live workload attached"
		}
	default:
		hs.Reason = fmt.Sprintf("run finished with status %s", run.Status)
	}
	return hs, nil
}

// SubscribeLogs attaches to a live run's log fan-out. ok is false when
// the run is not live; callers then read the persisted log file.
func (o *Orchestrator) SubscribeLogs(runID string) (backlog []LogEvent, ch <-chan LogEvent, cancel func(), ok bool) {
	live, found := o.reg.get(runID)
	if !found {
		return nil, nil, nil, false
	}
	backlog, ch, cancel = live.logs.Subscribe()
	return backlog, ch, cancel, true
}

// SubscribeMetrics attaches to a live run's metric fan-out.
func (o *Orchestrator) SubscribeMetrics(runID string) (backlog []MetricPoint, ch <-chan MetricPoint, cancel func(), ok bool) {
	live, found := o.reg.get(runID)
	if !found {
		return nil, nil, nil, false
	}
	backlog, ch, cancel = live.metrics.Subscribe()
	return backlog, ch, cancel, true
}

// LiveCount returns the number of admitted, unfinalised runs.
func (o *Orchestrator) LiveCount() int {
	return o.reg.count()
}

// SetTerminalHook registers a callback fired after each run finalises.
// The scheduler uses it to arm daemon restarts. Must be set before
// traffic starts.
func (o *Orchestrator) SetTerminalHook(fn func(*store.Run)) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.onTerminal = fn
}

func (o *Orchestrator) terminalHook() func(*store.Run) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	return o.onTerminal
}

// Shutdown stops intake, cancels every live workload with the shutdown
// grace, and waits for lifecycles to finalise their rows as interrupted.
// Runs that cannot finish before ctx expires are hard-stopped; the next
// start's reconciler repairs their rows.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(o.shutdownCh)

	livies := o.reg.list()
	o.logger.Info("shutting down", log.Int("live_runs", len(livies)))

	for _, live := range livies {
		live.markCancelled("daemon shutdown")
		if handle, ok := live.workload(); ok {
			go func(h executor.Handle) {
				if err := o.backend.Cancel(ctx, h, o.cfg.ShutdownGrace); err != nil {
					o.logger.Warn("workload stop failed during shutdown",
						log.String(log.RunIDKey, h.RunID), log.Error(err))
				}
			}(handle)
		} else {
			live.stop()
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.baseCancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			o.logger.Error("lifecycles did not stop in time")
		}
	}
	o.baseCancel()
	return o.backend.Close()
}
