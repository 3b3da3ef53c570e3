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

// Package executortest provides an in-memory executor backend for
// orchestrator and daemon tests. Workloads follow per-pipeline scripts:
// emit lines, idle, exit with a chosen code.
package executortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/fastflow/internal/executor"
)

// Script describes how one fake workload behaves.
type Script struct {
	// Lines are emitted on the log stream after the setup sentinel.
	Lines []string

	// Samples are emitted on the metrics stream, spaced a few
	// milliseconds apart.
	Samples []executor.Sample

	// ExitCode and OOMKilled are the workload's terminal state.
	ExitCode  int
	OOMKilled bool

	// RunFor keeps the workload alive after its output, simulating
	// work. Zero exits as soon as the output is flushed.
	RunFor time.Duration

	// BlockUntilStopped keeps the workload running until Cancel,
	// simulating a daemon pipeline. ExitCode still applies when
	// stopped.
	BlockUntilStopped bool

	// SkipSentinel suppresses the setup-ready line.
	SkipSentinel bool

	// StreamErr fails StreamLogs for this workload, simulating a lost
	// log connection while the workload itself keeps running.
	StreamErr error
}

type workload struct {
	handle executor.Handle
	spec   executor.RunSpec
	script Script

	stopOnce sync.Once
	stopped  chan struct{}

	mu        sync.Mutex
	exitCode  int
	oomKilled bool
	cancelled bool
}

func (w *workload) stop(exitCode int, oom bool) {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.exitCode, w.oomKilled = exitCode, oom
		w.mu.Unlock()
		close(w.stopped)
	})
}

func (w *workload) running() bool {
	select {
	case <-w.stopped:
		return false
	default:
		return true
	}
}

func (w *workload) state() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode, w.oomKilled
}

// Fake is an executor.Backend whose workloads are goroutines. Scripts
// queue per pipeline and are consumed submission by submission, so a
// fail-fail-succeed sequence models a flaky pipeline.
type Fake struct {
	mu        sync.Mutex
	scripts   map[string][]Script
	fallback  Script
	workloads map[string]*workload
	submitted []executor.RunSpec

	// SubmitErr, when set, fails the next Submit and clears itself.
	SubmitErr error
}

// NewFake returns an empty fake backend. Unscripted pipelines succeed
// immediately with exit 0 and no output.
func NewFake() *Fake {
	return &Fake{
		scripts:   make(map[string][]Script),
		workloads: make(map[string]*workload),
	}
}

var _ executor.Backend = (*Fake)(nil)

// ScriptPipeline queues behaviors for a pipeline, consumed in order.
// The last script repeats once the queue drains.
func (f *Fake) ScriptPipeline(pipeline string, scripts ...Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[pipeline] = append(f.scripts[pipeline], scripts...)
}

// SetFallback changes the behavior of unscripted submissions.
func (f *Fake) SetFallback(s Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = s
}

// Submissions returns every RunSpec accepted so far, in order.
func (f *Fake) Submissions() []executor.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executor.RunSpec, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Name implements executor.Backend.
func (f *Fake) Name() string { return "fake" }

// Submit implements executor.Backend.
func (f *Fake) Submit(_ context.Context, spec executor.RunSpec) (executor.Handle, error) {
	f.mu.Lock()
	if f.SubmitErr != nil {
		err := f.SubmitErr
		f.SubmitErr = nil
		f.mu.Unlock()
		return executor.Handle{}, err
	}

	script := f.fallback
	if queue := f.scripts[spec.Pipeline]; len(queue) > 0 {
		script = queue[0]
		if len(queue) > 1 {
			f.scripts[spec.Pipeline] = queue[1:]
		}
	}

	handle := executor.Handle{
		ID:       "fake-" + spec.RunID,
		RunID:    spec.RunID,
		Pipeline: spec.Pipeline,
	}
	w := &workload{
		handle:  handle,
		spec:    spec,
		script:  script,
		stopped: make(chan struct{}),
	}
	f.workloads[handle.ID] = w
	f.submitted = append(f.submitted, spec)
	f.mu.Unlock()

	go func() {
		if script.BlockUntilStopped {
			return
		}
		if script.RunFor > 0 {
			time.Sleep(script.RunFor)
		}
		w.stop(script.ExitCode, script.OOMKilled)
	}()
	return handle, nil
}

func (f *Fake) lookup(handle executor.Handle) (*workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[handle.ID]
	if !ok {
		return nil, fmt.Errorf("unknown workload %s", handle.ID)
	}
	return w, nil
}

// StreamLogs implements executor.Backend. The sentinel and scripted
// lines flush immediately; the channel closes when the workload stops.
func (f *Fake) StreamLogs(ctx context.Context, handle executor.Handle) (<-chan executor.LogLine, error) {
	w, err := f.lookup(handle)
	if err != nil {
		return nil, err
	}
	if w.script.StreamErr != nil {
		// Surface the loss only once the workload has exited, so the
		// lifecycle observes a completed run with a broken stream.
		select {
		case <-w.stopped:
		case <-ctx.Done():
		}
		return nil, w.script.StreamErr
	}

	out := make(chan executor.LogLine, len(w.script.Lines)+1)
	go func() {
		defer close(out)
		if !w.script.SkipSentinel {
			select {
			case out <- executor.LogLine{Sentinel: true, At: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
		for _, text := range w.script.Lines {
			select {
			case out <- executor.LogLine{Text: text, At: time.Now().UTC()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.stopped:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// StreamMetrics implements executor.Backend.
func (f *Fake) StreamMetrics(ctx context.Context, handle executor.Handle) (<-chan executor.Sample, error) {
	w, err := f.lookup(handle)
	if err != nil {
		return nil, err
	}

	out := make(chan executor.Sample, len(w.script.Samples))
	go func() {
		defer close(out)
		for _, sample := range w.script.Samples {
			if sample.Timestamp.IsZero() {
				sample.Timestamp = time.Now().UTC()
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-w.stopped:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Wait implements executor.Backend.
func (f *Fake) Wait(ctx context.Context, handle executor.Handle) (executor.WaitResult, error) {
	w, err := f.lookup(handle)
	if err != nil {
		return executor.WaitResult{}, err
	}
	select {
	case <-w.stopped:
		exit, oom := w.state()
		return executor.WaitResult{ExitCode: exit, OOMKilled: oom}, nil
	case <-ctx.Done():
		// An exit that raced the cancellation still wins; real backends
		// report a finished workload regardless of the caller's context.
		select {
		case <-w.stopped:
			exit, oom := w.state()
			return executor.WaitResult{ExitCode: exit, OOMKilled: oom}, nil
		default:
		}
		return executor.WaitResult{}, ctx.Err()
	}
}

// Cancel implements executor.Backend. The workload stops with exit 137,
// matching a killed container.
func (f *Fake) Cancel(_ context.Context, handle executor.Handle, _ time.Duration) error {
	w, err := f.lookup(handle)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	w.stop(137, false)
	return nil
}

// Cleanup implements executor.Backend.
func (f *Fake) Cleanup(_ context.Context, handle executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workloads, handle.ID)
	return nil
}

// ListLive implements executor.Backend.
func (f *Fake) ListLive(_ context.Context) ([]executor.LiveWorkload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]executor.LiveWorkload, 0, len(f.workloads))
	for _, w := range f.workloads {
		exit, oom := w.state()
		out = append(out, executor.LiveWorkload{
			Handle:    w.handle,
			Running:   w.running(),
			ExitCode:  exit,
			OOMKilled: oom,
		})
	}
	return out, nil
}

// Close implements executor.Backend.
func (f *Fake) Close() error { return nil }

// Inject registers a workload without a submission, for reconciler
// tests. A running workload blocks until cancelled; a stopped one
// carries the given exit state.
func (f *Fake) Inject(runID, pipeline string, running bool, exitCode int, oomKilled bool) executor.Handle {
	return f.InjectScript(runID, pipeline, running, Script{
		BlockUntilStopped: true,
		ExitCode:          exitCode,
		OOMKilled:         oomKilled,
	})
}

// InjectScript is Inject with full control over the workload's script,
// e.g. buffered log lines a dead workload still holds.
func (f *Fake) InjectScript(runID, pipeline string, running bool, s Script) executor.Handle {
	handle := executor.Handle{
		ID:       "fake-" + runID,
		RunID:    runID,
		Pipeline: pipeline,
	}
	w := &workload{
		handle:  handle,
		script:  s,
		stopped: make(chan struct{}),
	}
	if !running {
		w.stop(s.ExitCode, s.OOMKilled)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.workloads[handle.ID] = w
	return handle
}

// Exists reports whether a workload is still registered, i.e. Cleanup
// has not removed it.
func (f *Fake) Exists(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.workloads["fake-"+runID]
	return ok
}

// StopWorkload terminates a running workload out of band, as if the
// process inside exited on its own.
func (f *Fake) StopWorkload(runID string, exitCode int, oomKilled bool) {
	f.mu.Lock()
	w, ok := f.workloads["fake-"+runID]
	f.mu.Unlock()
	if ok {
		w.stop(exitCode, oomKilled)
	}
}

// Cancelled reports whether Cancel was called for the run's workload.
func (f *Fake) Cancelled(runID string) bool {
	f.mu.Lock()
	w, ok := f.workloads["fake-"+runID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}
