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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/store"
)

// RefreshMetadataJobs mirrors pipeline metadata into pipeline_json
// rows: one row per declared schedule plus a restart job when
// restart_interval is set. A pipeline's rows are replaced only when the
// desired set differs, so live interval entries keep their phase.
// API rows are never touched. Call after every discovery refresh.
func (s *Scheduler) RefreshMetadataJobs(ctx context.Context) error {
	pipelines, err := s.disc.Discover(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to discover pipelines: %w", err)
	}

	existing, err := s.store.ListScheduledJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	current := make(map[string][]*store.ScheduledJob)
	for _, job := range existing {
		if job.Source == store.SourcePipelineJSON {
			current[job.Pipeline] = append(current[job.Pipeline], job)
		}
	}

	live := make(map[string]bool, len(pipelines))
	touched := false
	for _, p := range pipelines {
		live[p.Name] = true
		desired := s.metadataJobs(p)
		if jobSetsEqual(current[p.Name], desired) {
			continue
		}
		if err := s.store.ReplaceMetadataJobs(ctx, p.Name, desired); err != nil {
			return fmt.Errorf("failed to refresh schedules for %s: %w", p.Name, err)
		}
		touched = true
	}

	// Rows whose pipeline vanished from disk.
	for name := range current {
		if live[name] {
			continue
		}
		if err := s.store.ReplaceMetadataJobs(ctx, name, nil); err != nil {
			return fmt.Errorf("failed to drop schedules for %s: %w", name, err)
		}
		touched = true
	}

	if touched {
		return s.Reconcile(ctx)
	}
	return nil
}

// metadataJobs builds the desired pipeline_json rows for one pipeline.
// Disabled pipelines get none; unparseable entries are logged and
// skipped rather than poisoning the refresh.
func (s *Scheduler) metadataJobs(p *discovery.Pipeline) []*store.ScheduledJob {
	m := p.Metadata
	if !m.Enabled {
		return nil
	}

	var jobs []*store.ScheduledJob
	add := func(tt store.TriggerType, value, runConfigID, start, end string) {
		job := &store.ScheduledJob{
			Pipeline:     p.Name,
			TriggerType:  tt,
			TriggerValue: value,
			Enabled:      true,
			Source:       store.SourcePipelineJSON,
			RunConfigID:  runConfigID,
		}
		var err error
		if job.StartAt, err = parseWindowTime(start); err != nil {
			s.logger.Warn("ignoring bad schedule_start",
				log.String("pipeline", p.Name), log.Error(err))
		}
		if job.EndAt, err = parseWindowTime(end); err != nil {
			s.logger.Warn("ignoring bad schedule_end",
				log.String("pipeline", p.Name), log.Error(err))
		}
		if err := validateTrigger(job); err != nil {
			if errors.Is(err, errExpired) {
				s.logger.Debug("skipping expired run-once schedule",
					log.String("pipeline", p.Name),
					log.String("run_once_at", value))
			} else {
				s.logger.Warn("ignoring unschedulable metadata entry",
					log.String("pipeline", p.Name),
					log.String("trigger_type", string(tt)),
					log.Error(err))
			}
			return
		}
		jobs = append(jobs, job)
	}

	addSpec := func(cronExpr string, interval int, onceAt, runConfigID, start, end string) {
		switch {
		case cronExpr != "":
			add(store.TriggerCron, cronExpr, runConfigID, start, end)
		case interval > 0:
			add(store.TriggerInterval, strconv.Itoa(interval), runConfigID, start, end)
		case onceAt != "":
			add(store.TriggerOnce, onceAt, runConfigID, start, end)
		}
	}

	addSpec(m.ScheduleCron, m.ScheduleIntervalSeconds, m.RunOnceAt, "", m.ScheduleStart, m.ScheduleEnd)
	for i := range m.Schedules {
		ns := &m.Schedules[i]
		ref := ns.ID
		if ref == "" {
			ref = ns.Name
		}
		addSpec(ns.ScheduleCron, ns.ScheduleIntervalSeconds, ns.RunOnceAt, ref, ns.ScheduleStart, ns.ScheduleEnd)
	}
	if m.RestartInterval != "" {
		add(store.TriggerRestart, m.RestartInterval, "", "", "")
	}
	return jobs
}

// jobSetsEqual compares schedule rows by trigger identity, ignoring IDs
// and timestamps.
func jobSetsEqual(current, desired []*store.ScheduledJob) bool {
	if len(current) != len(desired) {
		return false
	}
	key := func(j *store.ScheduledJob) string {
		return strings.Join([]string{
			string(j.TriggerType), j.TriggerValue, j.RunConfigID,
			formatWindowTime(j.StartAt), formatWindowTime(j.EndAt),
			strconv.FormatBool(j.Enabled),
		}, "\x00")
	}
	a := make([]string, len(current))
	for i, j := range current {
		a[i] = key(j)
	}
	b := make([]string, len(desired))
	for i, j := range desired {
		b[i] = key(j)
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func parseWindowTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatWindowTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
