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
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/tombee/fastflow/internal/executor"
	fflog "github.com/tombee/fastflow/internal/log"
)

const podPollInterval = time.Second

// StreamLogs follows the Job pod's output. The apiserver is asked for
// server-side timestamps so every chunk starts on a well-framed line;
// the reader strips them again before the lines reach anyone else.
func (b *Backend) StreamLogs(ctx context.Context, h executor.Handle) (<-chan executor.LogLine, error) {
	podName, err := b.waitForPod(ctx, h.ID)
	if err != nil {
		return nil, b.wrap("pod_logs", "find job pod", err)
	}

	var stream io.ReadCloser
	// The kubelet refuses log requests while the container is still
	// creating; retry until it is attachable or the run is torn down.
	err = wait.PollUntilContextCancel(ctx, podPollInterval, true, func(ctx context.Context) (bool, error) {
		req := b.cli.CoreV1().Pods(b.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{
			Follow:     true,
			Timestamps: true,
		})
		s, err := req.Stream(ctx)
		if err != nil {
			b.logger.Debug("pod log stream not ready", fflog.String("pod", podName), fflog.Error(err))
			return false, nil
		}
		stream = s
		return true, nil
	})
	if err != nil {
		return nil, b.wrap("pod_logs", "open pod log stream", err)
	}

	go func() {
		<-ctx.Done()
		stream.Close()
	}()

	return executor.ScanStream(ctx, stream, stripServerTimestamp), nil
}

// waitForPod resolves the Job's pod name, waiting out the scheduling
// delay between Job creation and pod existence.
func (b *Backend) waitForPod(ctx context.Context, jobName string) (string, error) {
	var podName string
	err := wait.PollUntilContextCancel(ctx, podPollInterval, true, func(ctx context.Context) (bool, error) {
		pods, err := b.cli.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + jobName,
		})
		if err != nil {
			b.logger.Debug("pod list failed", fflog.String("job", jobName), fflog.Error(err))
			return false, nil
		}
		if len(pods.Items) == 0 {
			return false, nil
		}
		podName = pods.Items[0].Name
		return true, nil
	})
	return podName, err
}

// stripServerTimestamp removes the RFC3339Nano prefix the apiserver
// adds when Timestamps is set. Lines that do not carry one (shouldn't
// happen) pass through unchanged.
func stripServerTimestamp(line string) string {
	ts, rest, ok := strings.Cut(line, " ")
	if !ok {
		return line
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		return line
	}
	return rest
}
