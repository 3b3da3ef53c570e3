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
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tombee/fastflow/internal/executor"
)

// StreamLogs follows the container's output from the beginning. The
// engine multiplexes stdout and stderr into one stream; both are
// demultiplexed into the same line channel, in emission order.
func (b *Backend) StreamLogs(ctx context.Context, h executor.Handle) (<-chan executor.LogLine, error) {
	var rc io.ReadCloser
	err := b.breaker.Do(ctx, "container_logs", func() error {
		var err error
		rc, err = b.cli.ContainerLogs(ctx, h.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		return err
	})
	if err != nil {
		return nil, b.wrap("container_logs", "attach to container logs", err)
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})

	// Detach promptly on cancellation: closing the source unblocks the
	// demux goroutine mid-read.
	go func() {
		select {
		case <-ctx.Done():
			rc.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(done)
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
		rc.Close()
	}()

	return executor.ScanStream(ctx, pr, nil), nil
}
