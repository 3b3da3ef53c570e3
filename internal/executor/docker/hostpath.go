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

package docker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fflog "github.com/tombee/fastflow/internal/log"
)

// mountPair maps a path in this process's filesystem to the host path
// that backs it.
type mountPair struct {
	container string
	host      string
}

// hostPathResolver translates the paths this process sees into the host
// paths the engine needs for bind mounts. When fastflowd itself runs in
// a container, the engine only understands host paths: the resolver
// inspects fastflowd's own container (hostname == container id) and
// rebases against its mount table. FASTFLOW_HOST_DATA_DIR provides an
// explicit data-dir mapping when self-inspection is unavailable, and on
// a bare host paths pass through untouched.
type hostPathResolver struct {
	once    sync.Once
	inspect func(ctx context.Context, hostname string) ([]mountPair, error)
	hint    []mountPair
	logger  *slog.Logger

	mounts []mountPair
}

func newHostPathResolver(cfg Config, inspect func(context.Context, string) ([]mountPair, error), logger *slog.Logger) *hostPathResolver {
	r := &hostPathResolver{inspect: inspect, logger: logger}
	if cfg.HostDataDir != "" && cfg.DataDir != "" {
		r.hint = []mountPair{{container: filepath.Clean(cfg.DataDir), host: filepath.Clean(cfg.HostDataDir)}}
	}
	return r
}

// Resolve returns the host path backing p, or p unchanged when no
// mapping covers it.
func (r *hostPathResolver) Resolve(p string) string {
	r.once.Do(r.load)
	return rebase(p, r.mounts)
}

func (r *hostPathResolver) load() {
	mounts := append([]mountPair(nil), r.hint...)

	hostname, err := os.Hostname()
	if err == nil && r.inspect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pairs, err := r.inspect(ctx, hostname)
		if err != nil {
			// Normal on a bare host: the hostname is not a container id.
			r.logger.Debug("host path self-inspection unavailable", fflog.Error(err))
		} else {
			mounts = append(mounts, pairs...)
		}
	}

	sortMounts(mounts)
	r.mounts = mounts
}

// sortMounts orders mappings longest container path first so the most
// specific mount wins.
func sortMounts(mounts []mountPair) {
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].container) > len(mounts[j].container)
	})
}

func rebase(p string, mounts []mountPair) string {
	clean := filepath.Clean(p)
	for _, m := range mounts {
		if clean == m.container {
			return m.host
		}
		if strings.HasPrefix(clean, m.container+string(filepath.Separator)) {
			return filepath.Join(m.host, strings.TrimPrefix(clean, m.container))
		}
	}
	return clean
}
