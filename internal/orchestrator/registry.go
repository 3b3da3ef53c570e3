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
	"sync"
	"time"

	"github.com/tombee/fastflow/internal/executor"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Queue depths for the per-run fan-out buffers.
const (
	logQueueDepth    = 1000
	metricQueueDepth = 256
)

// LogEvent is one log line as seen by SSE consumers.
type LogEvent struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// MetricPoint is one resource sample, extended with the soft-limit
// verdict. Embedding keeps the wire shape flat, matching the JSONL
// metrics file.
type MetricPoint struct {
	executor.Sample
	SoftLimitExceeded bool `json:"soft_limit_exceeded"`
}

// liveRun is the in-memory half of a pending or running run: the
// workload handle once submitted, the fan-out queues feeding SSE
// consumers, and the cancellation state shared between the lifecycle
// goroutine and external Cancel/Shutdown callers.
type liveRun struct {
	id       string
	pipeline string

	logs    *fanout[LogEvent]
	metrics *fanout[MetricPoint]

	// stop cancels the run's lifecycle context. done closes when the
	// lifecycle goroutine has finalised and left the registry.
	stop context.CancelFunc
	done chan struct{}

	mu        sync.Mutex
	handle    executor.Handle
	hasHandle bool
	cancelled bool
	reason    string
	timedOut  bool
}

func (l *liveRun) setHandle(h executor.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handle = h
	l.hasHandle = true
}

func (l *liveRun) workload() (executor.Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle, l.hasHandle
}

// markCancelled records an external stop request. The first reason
// wins; finalisation reads it to choose the interrupted message.
func (l *liveRun) markCancelled(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cancelled {
		l.cancelled = true
		l.reason = reason
	}
}

func (l *liveRun) isCancelled() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancelled, l.reason
}

// markTimedOut flags the run as killed by its effective timeout, unless
// a cancel arrived first.
func (l *liveRun) markTimedOut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cancelled {
		l.timedOut = true
	}
}

func (l *liveRun) isTimedOut() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timedOut
}

// registry tracks every live run in this process. It is the admission
// authority: a run occupies a slot from acceptance until finalisation,
// so counting registry entries counts pending plus running.
type registry struct {
	mu   sync.Mutex
	runs map[string]*liveRun
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*liveRun)}
}

// admit reserves a slot for a new run, enforcing the global cap and the
// pipeline's max_instances in one critical section so concurrent
// submissions cannot both squeeze past a limit. A zero cap means
// unlimited.
func (r *registry) admit(id, pipeline string, globalCap, pipelineCap int, stop context.CancelFunc) (*liveRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if globalCap > 0 && len(r.runs) >= globalCap {
		return nil, &fferrors.ConcurrencyLimitError{
			Scope:  "orchestrator",
			Limit:  globalCap,
			Active: len(r.runs),
		}
	}
	if pipelineCap > 0 {
		active := 0
		for _, lr := range r.runs {
			if lr.pipeline == pipeline {
				active++
			}
		}
		if active >= pipelineCap {
			return nil, &fferrors.ConcurrencyLimitError{
				Scope:  pipeline,
				Limit:  pipelineCap,
				Active: active,
			}
		}
	}

	lr := r.newRunLocked(id, pipeline, stop)
	return lr, nil
}

// attach registers a run without admission checks. The zombie
// reconciler uses it for workloads that already exist.
func (r *registry) attach(id, pipeline string, stop context.CancelFunc) *liveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newRunLocked(id, pipeline, stop)
}

func (r *registry) newRunLocked(id, pipeline string, stop context.CancelFunc) *liveRun {
	lr := &liveRun{
		id:       id,
		pipeline: pipeline,
		logs:     newFanout[LogEvent](logQueueDepth),
		metrics:  newFanout[MetricPoint](metricQueueDepth),
		stop:     stop,
		done:     make(chan struct{}),
	}
	r.runs[id] = lr
	return lr
}

func (r *registry) get(id string) (*liveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.runs[id]
	return lr, ok
}

// remove tears down the run's queues and releases its admission slot.
// Subscribers see their channels close and fall back to the persisted
// files.
func (r *registry) remove(id string) {
	r.mu.Lock()
	lr, ok := r.runs[id]
	delete(r.runs, id)
	r.mu.Unlock()

	if ok {
		lr.logs.Close()
		lr.metrics.Close()
		close(lr.done)
	}
}

func (r *registry) list() []*liveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveRun, 0, len(r.runs))
	for _, lr := range r.runs {
		out = append(out, lr)
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
