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

package scheduler

import (
	"context"
	"time"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/orchestrator"
	"github.com/tombee/fastflow/internal/store"
)

// HandleTerminal is the orchestrator's terminal hook. A failed run of a
// daemon pipeline (explicit timeout 0, restart_on_crash) arms a
// one-shot resubmission after the pipeline's cooldown. Failures the
// retry engine still owns are left to it.
func (s *Scheduler) HandleTerminal(run *store.Run) {
	if s.closed.Load() || run.Status != store.RunFailed {
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SubmitTimeout)
	defer cancel()

	p, err := s.disc.Get(ctx, run.Pipeline)
	if err != nil {
		return
	}
	m := p.Metadata
	if !m.Enabled || !m.RestartOnCrash || !isDaemon(m) {
		return
	}
	if retryPending(run, m) {
		return
	}

	cooldown := s.cfg.DefaultRestartCooldown
	if m.RestartCooldown > 0 {
		cooldown = time.Duration(m.RestartCooldown) * time.Second
	}

	pipeline := run.Pipeline
	s.mu.Lock()
	if _, pending := s.restarts[pipeline]; pending {
		s.mu.Unlock()
		return
	}
	s.restarts[pipeline] = time.AfterFunc(cooldown, func() { s.crashRestart(pipeline) })
	s.mu.Unlock()

	s.logger.Info("daemon crash restart armed",
		log.String("pipeline", pipeline),
		log.String("run_id", run.ID),
		log.Duration("cooldown", cooldown.Milliseconds()))
}

// crashRestart fires one delayed resubmission. The conditions are
// re-checked so a pipeline disabled or reconfigured during the cooldown
// stays down.
func (s *Scheduler) crashRestart(pipeline string) {
	s.mu.Lock()
	delete(s.restarts, pipeline)
	s.mu.Unlock()

	if s.closed.Load() {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.SubmitTimeout)
	defer cancel()

	p, err := s.disc.Get(ctx, pipeline)
	if err != nil || !p.Metadata.Enabled || !p.Metadata.RestartOnCrash || !isDaemon(p.Metadata) {
		s.logger.Info("daemon restart dropped; pipeline disabled or reconfigured",
			log.String("pipeline", pipeline))
		return
	}
	if n, err := s.store.CountLiveRuns(ctx, pipeline); err == nil && n > 0 {
		s.logger.Info("daemon restart dropped; pipeline already live",
			log.String("pipeline", pipeline))
		return
	}

	run, err := s.runner.Submit(ctx, orchestrator.SubmitRequest{
		Pipeline:    pipeline,
		TriggeredBy: orchestrator.TriggerDaemonRestart,
	})
	if err != nil {
		s.logger.Warn("daemon restart submission failed",
			log.String("pipeline", pipeline), log.Error(err))
		return
	}
	s.logger.Info("daemon restarted",
		log.String("pipeline", pipeline),
		log.String("run_id", run.ID))
}

// recycleDaemon serves restart-interval jobs: cancel the pipeline's
// live runs, wait for their slots to free, submit a replacement.
func (s *Scheduler) recycleDaemon(ctx context.Context, job *store.ScheduledJob) {
	live, err := s.liveRuns(ctx, job.Pipeline)
	if err != nil {
		s.logger.Warn("restart skipped; could not list live runs",
			log.String("pipeline", job.Pipeline), log.Error(err))
		return
	}
	for _, run := range live {
		if _, err := s.runner.Cancel(ctx, run.ID); err != nil {
			s.logger.Warn("restart cancel failed",
				log.String("run_id", run.ID),
				log.String("pipeline", job.Pipeline),
				log.Error(err))
		}
	}
	if len(live) > 0 {
		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.RestartDrainTimeout)
		defer cancel()
		if err := s.waitDrained(drainCtx, job.Pipeline); err != nil {
			s.logger.Warn("restart skipped; cancelled run did not drain",
				log.String("pipeline", job.Pipeline), log.Error(err))
			return
		}
	}
	s.submit(ctx, job, orchestrator.TriggerDaemonRestart)
}

func (s *Scheduler) liveRuns(ctx context.Context, pipeline string) ([]*store.Run, error) {
	runs, err := s.store.ListLiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	var out []*store.Run
	for _, r := range runs {
		if r.Pipeline == pipeline {
			out = append(out, r)
		}
	}
	return out, nil
}

// waitDrained polls until the pipeline has no live runs. Cancelled
// workloads take their grace period to exit, so the replacement must
// not race them for the admission slot.
func (s *Scheduler) waitDrained(ctx context.Context, pipeline string) error {
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		n, err := s.store.CountLiveRuns(ctx, pipeline)
		if err == nil && n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// isDaemon reports whether metadata declares an unbounded pipeline.
// Only an explicit timeout of 0 counts; an unset timeout inherits the
// global default and is not a daemon.
func isDaemon(m discovery.Metadata) bool {
	return m.Timeout != nil && *m.Timeout == 0
}

// retryPending reports whether the retry engine will produce another
// attempt for this failure, in which case the crash restart stands
// aside. Mirrors the engine's gate: script pipelines, user-caused
// failure classes, attempts remaining.
func retryPending(run *store.Run, m discovery.Metadata) bool {
	if m.Type != discovery.TypeScript {
		return false
	}
	attempts := m.RetryAttempts
	if ns := m.Schedule(run.RunConfigID); ns != nil && ns.RetryAttempts != nil {
		attempts = *ns.RetryAttempts
	}
	if attempts <= 0 || run.RetryCount >= attempts {
		return false
	}
	switch run.ErrorType {
	case executor.ClassPipelineError, executor.ClassOOM, executor.ClassTimeout:
		return true
	}
	return false
}
