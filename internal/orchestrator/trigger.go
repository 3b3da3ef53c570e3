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
	"sort"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/store"
)

// downstreamTarget is one pipeline to submit after an upstream run
// finalises.
type downstreamTarget struct {
	pipeline    string
	runConfigID string
}

// resolveDownstream unions the upstream's metadata triggers with the
// enabled store rows, keeps those matching the event, and deduplicates
// by downstream name. Metadata wins a duplicate; the result is sorted
// for a stable firing order.
func resolveDownstream(meta discovery.Metadata, rows []*store.DownstreamTrigger, success bool) []downstreamTarget {
	matches := func(onSuccess, onFailure bool) bool {
		if success {
			return onSuccess
		}
		return onFailure
	}

	byName := make(map[string]downstreamTarget)
	for _, t := range meta.DownstreamTriggers {
		if t.Pipeline == "" || !matches(t.OnSuccess, t.OnFailure) {
			continue
		}
		if _, dup := byName[t.Pipeline]; !dup {
			byName[t.Pipeline] = downstreamTarget{pipeline: t.Pipeline, runConfigID: t.RunConfigID}
		}
	}
	for _, row := range rows {
		if !row.Enabled || row.Downstream == "" || !matches(row.OnSuccess, row.OnFailure) {
			continue
		}
		if _, dup := byName[row.Downstream]; !dup {
			byName[row.Downstream] = downstreamTarget{pipeline: row.Downstream, runConfigID: row.RunConfigID}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make([]downstreamTarget, 0, len(names))
	for _, name := range names {
		targets = append(targets, byName[name])
	}
	return targets
}

// fireDownstream submits every downstream pipeline wired to the given
// event. Metadata is re-read at fire time so edits made while the
// upstream ran are honored. Individual submission failures are logged
// and do not stop the rest of the fan-out.
func (o *Orchestrator) fireDownstream(ctx context.Context, run *store.Run, success bool) {
	var meta discovery.Metadata
	if p, err := o.disc.Get(ctx, run.Pipeline); err == nil {
		meta = p.Metadata
	} else {
		o.logger.Warn("failed to load upstream metadata for triggers",
			log.String(log.PipelineKey, run.Pipeline), log.Error(err))
	}

	rows, err := o.store.ListDownstreamTriggers(ctx, run.Pipeline)
	if err != nil {
		o.logger.Warn("failed to list downstream triggers",
			log.String(log.PipelineKey, run.Pipeline), log.Error(err))
	}

	for _, target := range resolveDownstream(meta, rows, success) {
		req := SubmitRequest{
			Pipeline:    target.pipeline,
			TriggeredBy: TriggerDownstream,
			RunConfigID: target.runConfigID,
		}
		if _, err := o.Submit(ctx, req); err != nil {
			o.logger.Warn("downstream submission failed",
				log.String("upstream", run.Pipeline),
				log.String("downstream", target.pipeline),
				log.Error(err))
		}
	}
}
