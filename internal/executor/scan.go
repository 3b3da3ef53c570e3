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

package executor

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"
)

// Notebook image payloads travel base64-encoded on a single line, so
// the scanner must tolerate lines far beyond the bufio default.
const maxLogLineBytes = 16 * 1024 * 1024

// ScanStream turns a workload's raw output into LogLine events. Lines
// are delivered in order; the first setup sentinel becomes a marker
// event and later identical lines pass through as ordinary output.
// transform, when non-nil, rewrites each raw line before inspection
// (the Kubernetes backend strips server-side timestamps with it). The
// channel closes on EOF, read error, or ctx cancellation.
func ScanStream(ctx context.Context, r io.Reader, transform func(string) string) <-chan LogLine {
	out := make(chan LogLine, 64)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)

		sentinelSeen := false
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			if transform != nil {
				line = transform(line)
			}

			event := LogLine{Text: line, At: time.Now().UTC()}
			if !sentinelSeen && line == SentinelLine {
				sentinelSeen = true
				event = LogLine{Sentinel: true, At: event.At}
			}

			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
