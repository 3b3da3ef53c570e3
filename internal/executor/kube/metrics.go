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

package kube

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"

	"github.com/tombee/fastflow/internal/executor"
)

// metricsInterval is the sampling cadence against the metrics API.
const metricsInterval = 2 * time.Second

const bytesPerMB = 1024 * 1024

// StreamMetrics polls the cluster metrics API for the Job's pod. The
// metrics-server lags pod start by a scrape cycle and may be absent
// entirely; a tick without data is skipped, never reported as zeros.
func (b *Backend) StreamMetrics(ctx context.Context, h executor.Handle) (<-chan executor.Sample, error) {
	podName, err := b.waitForPod(ctx, h.ID)
	if err != nil {
		return nil, b.wrap("pod_metrics", "find job pod", err)
	}

	limitMB := b.memoryLimitMB(ctx, h.ID)

	out := make(chan executor.Sample, 16)
	go func() {
		defer close(out)

		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			pm, err := b.metrics.MetricsV1beta1().PodMetricses(b.cfg.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				continue
			}
			sample, ok := sampleFromPodMetrics(pm, limitMB)
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

// memoryLimitMB reads the limit back off the Job spec so re-attached
// streams report it correctly after a daemon restart. Zero when the
// run is unlimited or the Job is already gone.
func (b *Backend) memoryLimitMB(ctx context.Context, jobName string) float64 {
	job, err := b.cli.BatchV1().Jobs(b.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		return 0
	}
	containers := job.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return 0
	}
	q, ok := containers[0].Resources.Limits[corev1.ResourceMemory]
	if !ok {
		return 0
	}
	return float64(q.Value()) / bytesPerMB
}

func sampleFromPodMetrics(pm *metricsv1beta1.PodMetrics, limitMB float64) (executor.Sample, bool) {
	if len(pm.Containers) == 0 {
		return executor.Sample{}, false
	}

	var cores, bytes float64
	for i := range pm.Containers {
		usage := pm.Containers[i].Usage
		if cpu, ok := usage[corev1.ResourceCPU]; ok {
			cores += cpu.AsApproximateFloat64()
		}
		if mem, ok := usage[corev1.ResourceMemory]; ok {
			bytes += mem.AsApproximateFloat64()
		}
	}

	pct := cores * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	ts := pm.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	return executor.Sample{
		Timestamp:  ts.UTC(),
		CPUPercent: pct,
		RAMMB:      bytes / bytesPerMB,
		RAMLimitMB: limitMB,
	}, true
}
