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

// Package cleanup reclaims disk and platform resources on a schedule:
// terminal runs beyond the per-pipeline keep count or older than the
// retention window are deleted (offered to the backup uploader first),
// oversize log files are truncated, and labelled workloads whose run is
// gone or finished are removed from the platform.
package cleanup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Artifact is one run's local files, offered to the uploader before
// deletion.
type Artifact struct {
	Run         *store.Run
	LogPath     string
	MetricsPath string
}

// Uploader ships artifacts to long-term storage. Upload returns the run
// IDs that made it; only those runs are deleted locally. A nil Uploader
// on the sweeper skips the gate entirely.
type Uploader interface {
	Upload(ctx context.Context, items []Artifact) (uploaded map[string]bool, err error)
}

// Config carries the sweep locations and the retention defaults applied
// when the settings document leaves a knob unset. A negative retention
// knob disables that dimension.
type Config struct {
	LogsDir string
	RunsDir string

	// LogRetentionDays ages out terminal runs.
	// Default: 30. Negative disables age-based retention.
	LogRetentionDays int

	// PerPipelineKeepRuns keeps the newest N terminal runs per pipeline.
	// Default: 50. Negative disables count-based retention.
	PerPipelineKeepRuns int

	// MaxLogSizeMB truncates larger log files in place.
	// Default: 100. Negative disables truncation.
	MaxLogSizeMB int

	// Schedule is the cron expression sweeps fire on, unless the
	// settings document overrides it.
	// Default: @hourly
	Schedule string

	// SweepTimeout bounds one sweep.
	// Default: 10m
	SweepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LogRetentionDays == 0 {
		c.LogRetentionDays = 30
	}
	if c.PerPipelineKeepRuns == 0 {
		c.PerPipelineKeepRuns = 50
	}
	if c.MaxLogSizeMB == 0 {
		c.MaxLogSizeMB = 100
	}
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 10 * time.Minute
	}
	return c
}

// Deps are the collaborators a sweep touches.
type Deps struct {
	Store   *store.Store
	Backend executor.Backend

	// Uploader gates deletions on successful backup. Nil deletes
	// without one.
	Uploader Uploader

	Logger *slog.Logger
}

// Report summarises one sweep.
type Report struct {
	RunsDeleted      int   `json:"runs_deleted"`
	LogsTruncated    int   `json:"logs_truncated"`
	WorkloadsRemoved int   `json:"workloads_removed"`
	BytesFreed       int64 `json:"bytes_freed"`
}

// Sweeper owns the recurring cleanup job.
type Sweeper struct {
	cfg      Config
	store    *store.Store
	backend  executor.Backend
	uploader Uploader
	logger   *slog.Logger

	cron     *cron.Cron
	sweeping atomic.Bool
	closed   atomic.Bool
}

// New wires a sweeper. Start begins the schedule; Sweep can also be
// called directly for an operator-triggered pass.
func New(cfg Config, deps Deps) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		backend:  deps.Backend,
		uploader: deps.Uploader,
		logger:   log.WithComponent(logger, "cleanup"),
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.DiscardLogger)),
	}
}

// Start registers the sweep on its schedule. The settings document's
// cleanup_schedule wins over the configured default; an unparseable
// expression falls back with a warning rather than leaving retention
// off.
func (s *Sweeper) Start(ctx context.Context) error {
	spec := s.cfg.Schedule
	if settings, err := s.store.GetSettings(ctx); err == nil && settings != nil && settings.CleanupSchedule != "" {
		if _, perr := cron.ParseStandard(settings.CleanupSchedule); perr != nil {
			s.logger.Warn("ignoring bad cleanup_schedule",
				log.String("cleanup_schedule", settings.CleanupSchedule),
				log.Error(perr))
		} else {
			spec = settings.CleanupSchedule
		}
	}

	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return fmt.Errorf("failed to register cleanup schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("cleanup scheduled", log.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep, bounded by
// ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire runs one scheduled sweep. Overlapping fires are dropped.
func (s *Sweeper) fire() {
	if s.closed.Load() {
		return
	}
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Warn("skipping sweep; previous sweep still running")
		return
	}
	defer s.sweeping.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("cleanup sweep failed", log.Error(err))
	}
}

// Sweep runs one full pass: retention, truncation, orphan removal.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	rep := &Report{}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		return rep, err
	}
	keep, retentionDays, maxLogMB := s.effective(settings)

	candidates := make(map[string]*store.Run)

	if keep > 0 {
		pipelines, err := s.store.ListPipelines(ctx)
		if err != nil {
			return rep, err
		}
		for _, p := range pipelines {
			runs, err := s.store.ListRunsBeyondKeep(ctx, p.Name, keep)
			if err != nil {
				return rep, err
			}
			for _, run := range runs {
				candidates[run.ID] = run
			}
		}
	}

	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		runs, err := s.store.ListRunsFinishedBefore(ctx, cutoff, 0)
		if err != nil {
			return rep, err
		}
		for _, run := range runs {
			candidates[run.ID] = run
		}
	}

	doomed := make([]*store.Run, 0, len(candidates))
	for _, run := range candidates {
		doomed = append(doomed, run)
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].ID < doomed[j].ID })

	doomed = s.backupGate(ctx, doomed)
	for _, run := range doomed {
		if err := s.deleteRun(ctx, run, rep); err != nil {
			s.logger.Warn("failed to delete run",
				log.String("run_id", run.ID),
				log.String("pipeline", run.Pipeline),
				log.Error(err))
		}
	}

	if maxLogMB > 0 {
		s.truncateLogs(int64(maxLogMB)*1024*1024, rep)
	}

	s.removeOrphanedWorkloads(ctx, rep)
	metrics.RecordCleanupDeleted(rep.RunsDeleted)

	s.logger.Info("cleanup sweep finished",
		log.Int("runs_deleted", rep.RunsDeleted),
		log.Int("logs_truncated", rep.LogsTruncated),
		log.Int("workloads_removed", rep.WorkloadsRemoved),
		log.Int64("bytes_freed", rep.BytesFreed))
	return rep, nil
}

// effective resolves each knob: settings document when set, configured
// default otherwise.
func (s *Sweeper) effective(settings *store.Settings) (keep, retentionDays, maxLogMB int) {
	keep = s.cfg.PerPipelineKeepRuns
	retentionDays = s.cfg.LogRetentionDays
	maxLogMB = s.cfg.MaxLogSizeMB
	if settings == nil {
		return max(keep, 0), max(retentionDays, 0), max(maxLogMB, 0)
	}
	if settings.PerPipelineKeepRuns > 0 {
		keep = settings.PerPipelineKeepRuns
	}
	if settings.LogRetentionDays > 0 {
		retentionDays = settings.LogRetentionDays
	}
	if settings.MaxLogSizeMB > 0 {
		maxLogMB = settings.MaxLogSizeMB
	}
	return max(keep, 0), max(retentionDays, 0), max(maxLogMB, 0)
}

// backupGate offers the doomed runs to the uploader and returns only
// the ones it confirmed. Upload trouble means nothing is deleted this
// sweep; retention catches up on the next one.
func (s *Sweeper) backupGate(ctx context.Context, doomed []*store.Run) []*store.Run {
	if s.uploader == nil || len(doomed) == 0 {
		return doomed
	}

	items := make([]Artifact, 0, len(doomed))
	for _, run := range doomed {
		items = append(items, Artifact{Run: run, LogPath: run.LogFile, MetricsPath: run.MetricsFile})
	}
	uploaded, err := s.uploader.Upload(ctx, items)
	if err != nil {
		s.logger.Warn("backup upload failed; keeping local artifacts", log.Error(err))
		return nil
	}

	kept := doomed[:0]
	for _, run := range doomed {
		if uploaded[run.ID] {
			kept = append(kept, run)
		} else {
			s.logger.Warn("backup skipped run; keeping local artifacts",
				log.String("run_id", run.ID))
		}
	}
	return kept
}

// deleteRun removes a run's files, its artifact directory and finally
// its row. Cell records go with the row.
func (s *Sweeper) deleteRun(ctx context.Context, run *store.Run, rep *Report) error {
	for _, path := range []string{run.LogFile, run.MetricsFile} {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil {
			rep.BytesFreed += info.Size()
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if s.cfg.RunsDir != "" {
		if err := os.RemoveAll(filepath.Join(s.cfg.RunsDir, run.ID)); err != nil {
			return err
		}
	}
	if err := s.store.DeleteRun(ctx, run.ID); err != nil && !fferrors.IsNotFound(err) {
		return err
	}
	rep.RunsDeleted++
	return nil
}

// truncateBanner replaces the discarded portion of a truncated log.
const truncateBanner = "[log truncated: earlier output removed]\n"

// truncateLogs caps every file under the logs directory at maxBytes,
// keeping the tail: the newest output is what a post-mortem needs.
// Runs kept by retention can still have unbounded logs; this is the
// backstop.
func (s *Sweeper) truncateLogs(maxBytes int64, rep *Report) {
	if s.cfg.LogsDir == "" {
		return
	}
	err := filepath.WalkDir(s.cfg.LogsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() <= maxBytes {
			return nil
		}
		freed, terr := truncateTail(path, maxBytes)
		if terr != nil {
			s.logger.Warn("failed to truncate log", log.String("path", path), log.Error(terr))
			return nil
		}
		rep.LogsTruncated++
		rep.BytesFreed += freed
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("log truncation walk failed", log.Error(err))
	}
}

// truncateTail rewrites path to the banner followed by the file's last
// maxBytes (less the banner), dropping the partial line the cut lands
// in. The replacement is built beside the original and renamed over it.
// Returns the bytes reclaimed.
func truncateTail(path string, maxBytes int64) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, err
	}
	keep := maxBytes - int64(len(truncateBanner))
	if keep < 0 {
		keep = 0
	}
	if _, err := src.Seek(info.Size()-keep, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(src)
	if _, err := r.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	tmp := path + ".truncating"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err = dst.WriteString(truncateBanner); err == nil {
		_, err = r.WriteTo(dst)
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}

	after, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size() - after.Size(), nil
}

// removeOrphanedWorkloads deletes labelled platform resources whose run
// row is gone or terminal. Live rows keep their workloads; the startup
// reconciler is the only thing that adopts those.
func (s *Sweeper) removeOrphanedWorkloads(ctx context.Context, rep *Report) {
	workloads, err := s.backend.ListLive(ctx)
	if err != nil {
		s.logger.Warn("could not list workloads", log.Error(err))
		return
	}
	for _, w := range workloads {
		run, err := s.store.GetRun(ctx, w.Handle.RunID)
		switch {
		case fferrors.IsNotFound(err):
		case err != nil:
			s.logger.Warn("could not resolve workload's run",
				log.String("run_id", w.Handle.RunID), log.Error(err))
			continue
		case !run.Status.Terminal():
			continue
		}
		if err := s.backend.Cleanup(ctx, w.Handle); err != nil {
			s.logger.Warn("failed to remove orphaned workload",
				log.String("workload_id", w.Handle.ID),
				log.String("run_id", w.Handle.RunID),
				log.Error(err))
			continue
		}
		rep.WorkloadsRemoved++
		s.logger.Info("removed orphaned workload",
			log.String("workload_id", w.Handle.ID),
			log.String("run_id", w.Handle.RunID))
	}
}
