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

// Package scheduler fires pipeline runs from persistent schedule rows:
// cron expressions, fixed intervals, one-shot timestamps and daemon
// restart policies. Jobs survive process restarts because the rows are
// the source of truth; the in-memory cron runner is rebuilt from them
// on every start and reconciled after every change.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/orchestrator"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Runner is the slice of the orchestrator the scheduler drives.
type Runner interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*store.Run, error)
	Cancel(ctx context.Context, runID string) (bool, error)
}

// Config tunes scheduler timing.
type Config struct {
	// DefaultRestartCooldown spaces crash restarts when pipeline
	// metadata does not set restart_cooldown.
	// Default: 10s
	DefaultRestartCooldown time.Duration

	// SubmitTimeout bounds each scheduled submission.
	// Default: 30s
	SubmitTimeout time.Duration

	// RestartDrainTimeout bounds how long a restart job waits for the
	// cancelled daemon run to leave the live set before resubmitting.
	// Default: 2m
	RestartDrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultRestartCooldown <= 0 {
		c.DefaultRestartCooldown = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.RestartDrainTimeout <= 0 {
		c.RestartDrainTimeout = 2 * time.Minute
	}
	return c
}

// Deps are the collaborators the scheduler drives.
type Deps struct {
	Store     *store.Store
	Discovery *discovery.Service
	Runner    Runner
	Logger    *slog.Logger
}

// Scheduler owns every time-based trigger in the process. Cron and
// interval jobs share one cron/v3 runner (intervals become @every
// entries); one-shot jobs hold a timer; crash restarts are armed by the
// orchestrator's terminal hook.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	disc   *discovery.Service
	runner Runner
	logger *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	entries  map[string]*entry      // scheduled job ID -> live registration
	restarts map[string]*time.Timer // pipeline -> pending crash restart

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
	closed     atomic.Bool
}

// entry is one registered job. Cron-backed triggers hold a cron entry
// ID; one-shot triggers hold a timer. firing enforces at most one
// in-flight execution per job.
type entry struct {
	job    *store.ScheduledJob
	cronID cron.EntryID
	timer  *time.Timer
	firing atomic.Bool
}

// errExpired marks a one-shot job whose fire time has already passed.
var errExpired = errors.New("run-once time already passed")

// New wires a scheduler. Call Start once the orchestrator has
// reconciled, so restored runs already hold their admission slots.
func New(cfg Config, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		disc:       deps.Discovery,
		runner:     deps.Runner,
		logger:     log.WithComponent(logger, "scheduler"),
		cron:       cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.DiscardLogger)),
		entries:    make(map[string]*entry),
		restarts:   make(map[string]*time.Timer),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// Start mirrors metadata schedules into the store, registers every
// enabled row and begins firing. Cron expressions evaluate in UTC.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.RefreshMetadataJobs(ctx); err != nil {
		s.logger.Warn("metadata schedule refresh failed; serving stored rows", log.Error(err))
	}
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", log.Int("jobs", s.jobCount()))
	return nil
}

// Stop halts firing and waits for in-flight jobs, bounded by ctx.
// Pending crash restarts and one-shot timers are dropped; their rows
// re-arm on the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for pipeline, t := range s.restarts {
		t.Stop()
		delete(s.restarts, pipeline)
	}
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconcile aligns live registrations with the store: enabled rows
// missing an entry are registered, rows that vanished or were disabled
// are dropped. Safe to call while running.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	want := make(map[string]*store.ScheduledJob, len(jobs))
	for _, job := range jobs {
		if job.Enabled {
			want[job.ID] = job
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.entries {
		if _, ok := want[id]; !ok {
			s.unregisterLocked(id)
		}
	}
	for id, job := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		err := s.registerLocked(job)
		switch {
		case err == nil:
		case errors.Is(err, errExpired):
			// Retired, not registered: a stale one-shot must not
			// fire on the next daemon start either.
			if derr := s.store.SetScheduledJobEnabled(ctx, id, false); derr != nil && !fferrors.IsNotFound(derr) {
				s.logger.Warn("failed to retire expired one-shot schedule",
					log.String("job_id", id), log.Error(derr))
			}
			s.logger.Info("one-shot schedule expired",
				log.String("job_id", id),
				log.String("pipeline", job.Pipeline))
		default:
			s.logger.Warn("skipping unschedulable job",
				log.String("job_id", id),
				log.String("pipeline", job.Pipeline),
				log.Error(err))
		}
	}
	return nil
}

// Create validates, persists and registers a new job. The source
// defaults to api so metadata refreshes leave it alone.
func (s *Scheduler) Create(ctx context.Context, job *store.ScheduledJob) error {
	if job.Pipeline == "" {
		return &fferrors.ValidationError{Field: "pipeline", Message: "pipeline is required"}
	}
	if _, err := s.disc.Get(ctx, job.Pipeline); err != nil {
		return err
	}
	if job.Source == "" {
		job.Source = store.SourceAPI
	}
	if err := validateTrigger(job); err != nil {
		if errors.Is(err, errExpired) {
			return &fferrors.ValidationError{Field: "trigger_value", Message: err.Error()}
		}
		return err
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return err
	}
	if !job.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(job)
}

// SetEnabled flips a job on or off, updating the live registration.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetScheduledJobEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(id)
	if !enabled {
		return nil
	}
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.registerLocked(job); err != nil {
		if errors.Is(err, errExpired) {
			return &fferrors.ValidationError{Field: "trigger_value", Message: err.Error()}
		}
		return err
	}
	return nil
}

// Delete removes a job row and its registration.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.unregisterLocked(id)
	s.mu.Unlock()
	return nil
}

// List returns stored jobs, optionally narrowed to one pipeline.
func (s *Scheduler) List(ctx context.Context, pipeline string) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, pipeline)
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) registerLocked(job *store.ScheduledJob) error {
	e := &entry{job: job}
	switch job.TriggerType {
	case store.TriggerCron, store.TriggerInterval, store.TriggerRestart:
		spec, err := cronSpec(job)
		if err != nil {
			return err
		}
		id, err := s.cron.AddFunc(spec, func() { s.fire(e) })
		if err != nil {
			return fmt.Errorf("failed to register cron entry: %w", err)
		}
		e.cronID = id
	case store.TriggerOnce:
		at, err := time.Parse(time.RFC3339, job.TriggerValue)
		if err != nil {
			return fmt.Errorf("run-once time must be RFC3339, got %q: %w", job.TriggerValue, err)
		}
		delay := time.Until(at)
		if delay <= 0 {
			return fmt.Errorf("%w: %s", errExpired, job.TriggerValue)
		}
		e.timer = time.AfterFunc(delay, func() { s.fireOnce(e) })
	default:
		return fmt.Errorf("unknown trigger type %q", job.TriggerType)
	}
	s.entries[job.ID] = e
	return nil
}

func (s *Scheduler) unregisterLocked(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, id)
}

// fire runs one trigger. Overlapping fires for the same job are
// dropped, not queued, and each drop is logged.
func (s *Scheduler) fire(e *entry) {
	if s.closed.Load() {
		return
	}
	if !e.firing.CompareAndSwap(false, true) {
		s.logger.Warn("skipping fire; previous execution still in flight",
			log.String("job_id", e.job.ID),
			log.String("pipeline", e.job.Pipeline))
		return
	}
	defer e.firing.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()

	if !withinWindow(e.job, time.Now().UTC()) {
		s.logger.Debug("fire outside schedule window",
			log.String("job_id", e.job.ID),
			log.String("pipeline", e.job.Pipeline))
		return
	}

	if e.job.TriggerType == store.TriggerRestart {
		ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.RestartDrainTimeout+s.cfg.SubmitTimeout)
		defer cancel()
		s.recycleDaemon(ctx, e.job)
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SubmitTimeout)
	defer cancel()
	s.submit(ctx, e.job, orchestrator.TriggerScheduler)
}

// fireOnce handles run-once jobs: one execution, then the row is
// disabled so a later daemon start does not fire it again.
func (s *Scheduler) fireOnce(e *entry) {
	s.fire(e)
	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SubmitTimeout)
	defer cancel()
	if err := s.store.SetScheduledJobEnabled(ctx, e.job.ID, false); err != nil && !fferrors.IsNotFound(err) {
		s.logger.Warn("failed to retire one-shot schedule",
			log.String("job_id", e.job.ID), log.Error(err))
	}
	s.mu.Lock()
	s.unregisterLocked(e.job.ID)
	s.mu.Unlock()
}

func (s *Scheduler) submit(ctx context.Context, job *store.ScheduledJob, triggeredBy string) {
	run, err := s.runner.Submit(ctx, orchestrator.SubmitRequest{
		Pipeline:    job.Pipeline,
		TriggeredBy: triggeredBy,
		RunConfigID: job.RunConfigID,
	})
	if err != nil {
		// Caps and disabled pipelines are routine; everything else
		// deserves attention.
		if fferrors.IsConcurrencyLimit(err) || fferrors.IsDisabled(err) {
			s.logger.Info("scheduled fire skipped",
				log.String("job_id", job.ID),
				log.String("pipeline", job.Pipeline),
				log.Error(err))
		} else {
			s.logger.Warn("scheduled submission failed",
				log.String("job_id", job.ID),
				log.String("pipeline", job.Pipeline),
				log.Error(err))
		}
		return
	}
	s.logger.Info("scheduled run submitted",
		log.String("run_id", run.ID),
		log.String("pipeline", job.Pipeline),
		log.String("job_id", job.ID),
		log.String("triggered_by", triggeredBy))
}

// withinWindow reports whether a fire at t falls inside the job's
// optional start/end bounds.
func withinWindow(job *store.ScheduledJob, t time.Time) bool {
	if job.StartAt != nil && t.Before(*job.StartAt) {
		return false
	}
	if job.EndAt != nil && t.After(*job.EndAt) {
		return false
	}
	return true
}

// cronSpec maps a job row onto a cron/v3 spec. Interval jobs and
// seconds-valued restart jobs become @every entries so one runner
// drives everything.
func cronSpec(job *store.ScheduledJob) (string, error) {
	switch job.TriggerType {
	case store.TriggerCron:
		return job.TriggerValue, nil
	case store.TriggerInterval:
		n, err := strconv.Atoi(job.TriggerValue)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("interval must be positive seconds, got %q", job.TriggerValue)
		}
		return fmt.Sprintf("@every %ds", n), nil
	case store.TriggerRestart:
		if n, err := strconv.Atoi(job.TriggerValue); err == nil {
			if n <= 0 {
				return "", fmt.Errorf("restart interval must be positive seconds, got %q", job.TriggerValue)
			}
			return fmt.Sprintf("@every %ds", n), nil
		}
		return job.TriggerValue, nil
	}
	return "", fmt.Errorf("unknown trigger type %q", job.TriggerType)
}

// validateTrigger rejects rows the runner could not register. Used on
// the write paths so bad rows never reach the store.
func validateTrigger(job *store.ScheduledJob) error {
	switch job.TriggerType {
	case store.TriggerCron:
		if _, err := cron.ParseStandard(job.TriggerValue); err != nil {
			return &fferrors.ValidationError{
				Field:   "trigger_value",
				Message: fmt.Sprintf("invalid cron expression %q: %v", job.TriggerValue, err),
			}
		}
	case store.TriggerInterval:
		n, err := strconv.Atoi(job.TriggerValue)
		if err != nil || n <= 0 {
			return &fferrors.ValidationError{
				Field:   "trigger_value",
				Message: fmt.Sprintf("interval must be positive seconds, got %q", job.TriggerValue),
			}
		}
	case store.TriggerOnce:
		at, err := time.Parse(time.RFC3339, job.TriggerValue)
		if err != nil {
			return &fferrors.ValidationError{
				Field:   "trigger_value",
				Message: fmt.Sprintf("run-once time must be RFC3339, got %q", job.TriggerValue),
			}
		}
		if !at.After(time.Now()) {
			return fmt.Errorf("%w: %s", errExpired, job.TriggerValue)
		}
	case store.TriggerRestart:
		if n, err := strconv.Atoi(job.TriggerValue); err == nil {
			if n <= 0 {
				return &fferrors.ValidationError{
					Field:   "trigger_value",
					Message: fmt.Sprintf("restart interval must be positive seconds, got %q", job.TriggerValue),
				}
			}
		} else if _, perr := cron.ParseStandard(job.TriggerValue); perr != nil {
			return &fferrors.ValidationError{
				Field:   "trigger_value",
				Message: fmt.Sprintf("restart interval must be seconds or a cron expression, got %q", job.TriggerValue),
			}
		}
	default:
		return &fferrors.ValidationError{
			Field:   "trigger_type",
			Message: fmt.Sprintf("unknown trigger type %q", job.TriggerType),
		}
	}
	return nil
}
