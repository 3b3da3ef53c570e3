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

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/fastflow/internal/log"
)

// debounceWindow collapses bursts of filesystem events (editor saves,
// git checkouts) into one cache invalidation.
const debounceWindow = 500 * time.Millisecond

// watcher invalidates the discovery cache when anything under the
// pipelines root changes. fsnotify does not recurse, so the root and
// each pipeline directory are watched individually and new directories
// are added as they appear.
type watcher struct {
	fsw    *fsnotify.Watcher
	svc    *Service
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// StartWatcher begins watching the pipelines root. Watch failures are
// returned for the caller to log; discovery still works via the TTL, so
// callers treat the error as non-fatal.
func (s *Service) StartWatcher(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	w := &watcher{
		fsw:    fsw,
		svc:    s,
		logger: log.WithComponent(s.logger, "discovery.watcher"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := fsw.Add(s.root); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch pipelines root: %w", err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("failed to read pipelines root: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			// Best effort; a vanished directory will be re-added if it
			// reappears.
			_ = fsw.Add(filepath.Join(s.root, entry.Name()))
		}
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	go w.loop(ctx)
	w.logger.Info("pipeline watcher started", log.String("root", s.root))
	return nil
}

// StopWatcher stops the filesystem watcher if one is running.
func (s *Service) StopWatcher() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

func (w *watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", log.Error(err))
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	// Chmod-only events are noise.
	if event.Op == fsnotify.Chmod {
		return
	}

	// New pipeline directories need their own watch.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceWindow, func() {
		w.logger.Debug("pipeline tree changed, invalidating cache",
			log.String("path", event.Name))
		w.svc.Invalidate()
	})
}

func (w *watcher) stop() {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.fsw.Close()
}
