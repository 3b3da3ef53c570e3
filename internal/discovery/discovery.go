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

// Package discovery enumerates pipelines from a directory tree. Each
// immediate subdirectory of the pipelines root that contains the entry
// file for its type (main.py or main.ipynb) is a pipeline; metadata comes
// from pipeline.json or <name>.json when present. Results are cached
// with a TTL and invalidated by the filesystem watcher and after git
// syncs.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tombee/fastflow/internal/log"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// metadataFileName is the preferred metadata document; <name>.json is the
// legacy fallback.
const metadataFileName = "pipeline.json"

// Pipeline is one discovered pipeline.
type Pipeline struct {
	Name     string   `json:"name"`
	Dir      string   `json:"-"`
	Metadata Metadata `json:"metadata"`

	// Warning is set when the metadata file existed but could not be
	// used as-is (malformed JSON, unknown type). The pipeline stays
	// visible with defaults so operators can see and fix it.
	Warning string `json:"warning,omitempty"`
}

// Config configures the discovery service.
type Config struct {
	// Root is the pipelines directory. Must exist.
	Root string

	// CacheTTL bounds how stale a cached scan may be. Zero disables
	// caching (every Discover rescans).
	CacheTTL time.Duration
}

// Service scans and caches pipelines.
type Service struct {
	root   string
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]*Pipeline
	cachedAt time.Time

	watcher *watcher
}

// New creates a discovery service. A missing root directory is an error:
// without it the daemon has nothing to run.
func New(cfg Config, logger *slog.Logger) (*Service, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipelines root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, &fferrors.ConfigError{
			Key:    "paths.pipelines_dir",
			Reason: "pipelines root does not exist",
			Cause:  err,
		}
	}
	if !info.IsDir() {
		return nil, &fferrors.ConfigError{
			Key:    "paths.pipelines_dir",
			Reason: fmt.Sprintf("%s is not a directory", root),
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		root:   root,
		ttl:    cfg.CacheTTL,
		logger: log.WithComponent(logger, "discovery"),
	}, nil
}

// Root returns the absolute pipelines root.
func (s *Service) Root() string {
	return s.root
}

// Discover returns all pipelines, sorted by name. The cached scan is
// reused while fresh unless forceRefresh is set.
func (s *Service) Discover(ctx context.Context, forceRefresh bool) ([]*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx, forceRefresh); err != nil {
		return nil, err
	}

	pipelines := make([]*Pipeline, 0, len(s.cache))
	for _, p := range s.cache {
		pipelines = append(pipelines, p)
	}
	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].Name < pipelines[j].Name })
	return pipelines, nil
}

// Get returns one pipeline by name, scanning if the cache is stale.
func (s *Service) Get(ctx context.Context, name string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshLocked(ctx, false); err != nil {
		return nil, err
	}
	p, ok := s.cache[name]
	if !ok {
		return nil, &fferrors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return p, nil
}

// Invalidate clears the cache. The next Discover or Get rescans. Called
// after git syncs and by the filesystem watcher.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.cachedAt = time.Time{}
}

// refreshLocked rescans when forced, never scanned, or past the TTL.
// Callers hold s.mu.
func (s *Service) refreshLocked(ctx context.Context, force bool) error {
	if !force && s.cache != nil && s.ttl > 0 && time.Since(s.cachedAt) < s.ttl {
		return nil
	}

	cache, err := s.scan(ctx)
	if err != nil {
		return err
	}
	s.cache = cache
	s.cachedAt = time.Now()
	return nil
}

// scan walks the root's immediate subdirectories. Per-pipeline problems
// are isolated: a broken metadata file or missing entry file never
// aborts the scan.
func (s *Service) scan(ctx context.Context) (map[string]*Pipeline, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines root: %w", err)
	}

	cache := make(map[string]*Pipeline)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == "" || name[0] == '.' || name[0] == '_' {
			continue
		}

		dir := filepath.Join(s.root, name)
		meta, warning := s.loadMetadata(name, dir)

		entryFile := filepath.Join(dir, meta.EntryFile())
		if _, err := os.Stat(entryFile); err != nil {
			s.logger.Debug("skipping directory without entry file",
				log.String("pipeline", name), log.String("entry", meta.EntryFile()))
			continue
		}

		if warning != "" {
			s.logger.Warn("pipeline metadata problem",
				log.String("pipeline", name), log.String("warning", warning))
		}

		cache[name] = &Pipeline{
			Name:     name,
			Dir:      dir,
			Metadata: meta,
			Warning:  warning,
		}
	}

	s.logger.Debug("pipeline scan complete", log.Int("count", len(cache)))
	return cache, nil
}

// loadMetadata reads pipeline.json, then <name>.json, then falls back to
// defaults.
func (s *Service) loadMetadata(name, dir string) (Metadata, string) {
	for _, file := range []string{metadataFileName, name + ".json"} {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return DefaultMetadata(), fmt.Sprintf("cannot read %s: %v", file, err)
		}
		return parseMetadata(data)
	}
	return DefaultMetadata(), ""
}

// SetEnabled flips the enabled flag in the on-disk metadata and
// invalidates the cache.
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.mutateMetadata(ctx, name, func(doc map[string]any) {
		doc["enabled"] = enabled
	})
}

// SetWebhookKey sets or clears (empty key) the webhook key in the
// on-disk metadata and invalidates the cache.
func (s *Service) SetWebhookKey(ctx context.Context, name, key string) error {
	return s.mutateMetadata(ctx, name, func(doc map[string]any) {
		if key == "" {
			doc["webhook_key"] = nil
		} else {
			doc["webhook_key"] = key
		}
	})
}

// mutateMetadata rewrites a pipeline's metadata document atomically
// (write tmp, rename), preserving keys it does not understand. A missing
// document is created as pipeline.json.
func (s *Service) mutateMetadata(ctx context.Context, name string, mutate func(map[string]any)) error {
	p, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	path := filepath.Join(p.Dir, metadataFileName)
	doc := map[string]any{}
	for _, file := range []string{metadataFileName, name + ".json"} {
		candidate := filepath.Join(p.Dir, file)
		data, err := os.ReadFile(candidate)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			// Unusable document: start over rather than destroy it
			// further, but keep writing to the same file.
			s.logger.Warn("rewriting malformed metadata",
				log.String("pipeline", name), log.Error(err))
			doc = map[string]any{}
		}
		path = candidate
		break
	}

	mutate(doc)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace metadata: %w", err)
	}

	s.Invalidate()
	return nil
}
