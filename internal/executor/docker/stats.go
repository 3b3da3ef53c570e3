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
	"encoding/json"

	"github.com/docker/docker/api/types/container"

	"github.com/tombee/fastflow/internal/executor"
)

const bytesPerMB = 1024 * 1024

// StreamMetrics follows the engine's stats stream and converts each
// frame into a resource sample. The first frame carries no baseline and
// is skipped; after that the engine reports roughly once per second.
func (b *Backend) StreamMetrics(ctx context.Context, h executor.Handle) (<-chan executor.Sample, error) {
	var stats container.StatsResponseReader
	err := b.breaker.Do(ctx, "container_stats", func() error {
		var err error
		stats, err = b.cli.ContainerStats(ctx, h.ID, true)
		return err
	})
	if err != nil {
		return nil, b.wrap("container_stats", "attach to container stats", err)
	}

	out := make(chan executor.Sample, 16)
	go func() {
		defer close(out)
		defer stats.Body.Close()

		dec := json.NewDecoder(stats.Body)
		for {
			var frame container.StatsResponse
			if err := dec.Decode(&frame); err != nil {
				return
			}
			sample, ok := sampleFromFrame(&frame)
			if !ok {
				continue
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func sampleFromFrame(f *container.StatsResponse) (executor.Sample, bool) {
	// No previous frame to delta against yet.
	if f.PreCPUStats.SystemUsage == 0 {
		return executor.Sample{}, false
	}
	return executor.Sample{
		Timestamp:  f.Read.UTC(),
		CPUPercent: cpuPercent(f),
		RAMMB:      memoryUsageMB(&f.MemoryStats),
		RAMLimitMB: float64(f.MemoryStats.Limit) / bytesPerMB,
	}, true
}

// cpuPercent computes usage against the previous stats frame:
//
//	cpu% = Δcontainer_cpu / Δsystem_cpu × online_cpus × 100
//
// clamped to [0,100]. A non-positive system delta makes the ratio
// undefined, reported as 0.
func cpuPercent(f *container.StatsResponse) float64 {
	cpuDelta := float64(f.CPUStats.CPUUsage.TotalUsage) - float64(f.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(f.CPUStats.SystemUsage) - float64(f.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta <= 0 {
		return 0
	}

	cpus := float64(f.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(f.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}

	pct := cpuDelta / sysDelta * cpus * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// memoryUsageMB reports working-set memory: total usage minus the page
// cache the kernel can reclaim, matching what the OOM killer pressures.
func memoryUsageMB(m *container.MemoryStats) float64 {
	usage := m.Usage
	if v, ok := m.Stats["inactive_file"]; ok && v < usage { // cgroup v2
		usage -= v
	} else if v, ok := m.Stats["total_inactive_file"]; ok && v < usage { // cgroup v1
		usage -= v
	}
	return float64(usage) / bytesPerMB
}
