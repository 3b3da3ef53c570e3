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

package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/store"
)

// Cell row statuses.
const (
	CellRunning = "running"
	CellSuccess = "success"
	CellFailed  = "failed"
)

// Recorder consumes protocol lines for one run. It accumulates per-cell
// stdout/stderr across retries, writes image outputs into the run
// directory, and keeps the store rows current as events arrive so an
// interrupted run still has partial cell state.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
	runID  string
	runDir string
	cells  map[int]*cellState
}

type cellState struct {
	stdout   strings.Builder
	stderr   strings.Builder
	images   []string
	attempts int
	status   string
}

// NewRecorder creates a recorder for one run. runDir receives image
// files; empty disables image persistence.
func NewRecorder(st *store.Store, runID, runDir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		logger: log.WithComponent(logger, "notebook").With(log.String(log.RunIDKey, runID)),
		runID:  runID,
		runDir: runDir,
		cells:  make(map[int]*cellState),
	}
}

// Consume inspects one log line. Protocol lines are absorbed and a
// condensed human-readable rendering is returned in their place (empty
// when nothing should appear in the log); ordinary lines return
// handled=false and must be written through untouched. Malformed
// protocol lines are passed through the same way so nothing is lost.
func (r *Recorder) Consume(ctx context.Context, line string) (string, bool) {
	if !IsProtocolLine(line) {
		return "", false
	}
	ev, err := ParseLine(line)
	if err != nil {
		r.logger.Warn("malformed cell protocol line", log.Error(err))
		return "", false
	}

	cell := r.cell(ev.Index)
	switch ev.Kind {
	case KindStart:
		if cell.attempts == 0 {
			cell.attempts = 1
		}
		cell.status = CellRunning
		r.persist(ctx, ev.Index, cell)
		return fmt.Sprintf("[Notebook] Cell %d: started", ev.Index), true

	case KindOutput:
		return r.consumeOutput(ctx, ev, cell), true

	case KindEnd:
		return r.consumeEnd(ctx, ev, cell), true
	}
	return "", true
}

func (r *Recorder) consumeOutput(ctx context.Context, ev *Event, cell *cellState) string {
	switch ev.Stream {
	case StreamStdout:
		cell.stdout.Write(ev.Payload)
		return strings.TrimRight(string(ev.Payload), "\n")
	case StreamStderr:
		cell.stderr.Write(ev.Payload)
		return strings.TrimRight(string(ev.Payload), "\n")
	case StreamImage:
		name, err := r.saveImage(ev.Index, len(cell.images), ev.Payload)
		if err != nil {
			r.logger.Warn("failed to save cell image", log.Int("cell", ev.Index), log.Error(err))
			return fmt.Sprintf("[Notebook] Cell %d: image output discarded (%v)", ev.Index, err)
		}
		cell.images = append(cell.images, name)
		r.persist(ctx, ev.Index, cell)
		return fmt.Sprintf("[Notebook] Cell %d: saved image %s", ev.Index, name)
	}
	return ""
}

func (r *Recorder) consumeEnd(ctx context.Context, ev *Event, cell *cellState) string {
	switch ev.Status {
	case StatusRetrying:
		if ev.Attempt > cell.attempts {
			cell.attempts = ev.Attempt
		}
		cell.status = CellRunning
		r.persist(ctx, ev.Index, cell)
		if ev.Err != "" {
			return fmt.Sprintf("[Notebook] Cell %d: Retry attempt %d (%s)", ev.Index, ev.Attempt, ev.Err)
		}
		return fmt.Sprintf("[Notebook] Cell %d: Retry attempt %d", ev.Index, ev.Attempt)

	case StatusSuccess:
		cell.status = CellSuccess
		if ev.Attempt > cell.attempts {
			cell.attempts = ev.Attempt
		}
		r.persist(ctx, ev.Index, cell)
		return fmt.Sprintf("[Notebook] Cell %d: completed", ev.Index)

	case StatusFailed:
		cell.status = CellFailed
		if ev.Attempt > cell.attempts {
			cell.attempts = ev.Attempt
		}
		r.persist(ctx, ev.Index, cell)
		if ev.Err != "" {
			return fmt.Sprintf("[Notebook] Cell %d: failed (%s)", ev.Index, ev.Err)
		}
		return fmt.Sprintf("[Notebook] Cell %d: failed", ev.Index)
	}
	return ""
}

// Flush persists every cell's current state. Called when the log stream
// ends, including interrupted runs where no terminal END arrived.
func (r *Recorder) Flush(ctx context.Context) error {
	indexes := make([]int, 0, len(r.cells))
	for i := range r.cells {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var firstErr error
	for _, i := range indexes {
		if err := r.upsert(ctx, i, r.cells[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Recorder) cell(index int) *cellState {
	c, ok := r.cells[index]
	if !ok {
		c = &cellState{status: CellRunning}
		r.cells[index] = c
	}
	return c
}

func (r *Recorder) saveImage(cellIndex, imageIndex int, payload []byte) (string, error) {
	if r.runDir == "" {
		return "", fmt.Errorf("no run directory configured")
	}
	name := fmt.Sprintf("cell%d_img%d.png", cellIndex, imageIndex)
	if err := os.WriteFile(filepath.Join(r.runDir, name), payload, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// persist writes the row, logging failures instead of interrupting the
// log pump.
func (r *Recorder) persist(ctx context.Context, index int, cell *cellState) {
	if err := r.upsert(ctx, index, cell); err != nil {
		r.logger.Warn("failed to persist cell state", log.Int("cell", index), log.Error(err))
	}
}

func (r *Recorder) upsert(ctx context.Context, index int, cell *cellState) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpsertNotebookCell(ctx, &store.NotebookCell{
		RunID:     r.runID,
		Index:     index,
		Status:    cell.status,
		Attempts:  cell.attempts,
		Stdout:    cell.stdout.String(),
		Stderr:    cell.stderr.String(),
		Images:    cell.images,
		UpdatedAt: time.Now().UTC(),
	})
}
