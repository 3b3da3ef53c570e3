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

// Package notebook handles the cell protocol spoken by the in-container
// notebook runner. The runner executes main.ipynb cell by cell and
// reports progress as tab-delimited lines on stdout; this package
// parses those lines, keeps per-cell records in the store, and renders
// the condensed form that goes into the human-readable run log.
package notebook

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Protocol line prefixes emitted by the runner.
const (
	linePrefix  = "FASTFLOW_CELL_"
	prefixStart = "FASTFLOW_CELL_START"
	prefixOut   = "FASTFLOW_CELL_OUTPUT"
	prefixEnd   = "FASTFLOW_CELL_END"
)

// Event kinds.
const (
	KindStart  = "start"
	KindOutput = "output"
	KindEnd    = "end"
)

// Output streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamImage  = "image"
)

// Cell statuses carried on END lines.
const (
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusRetrying = "RETRYING"
)

// Event is one parsed protocol line.
//
// START:  Index.
// OUTPUT: Index, Stream, Payload (decoded).
// END:    Index, Status, Attempt (RETRYING/FAILED), Err (optional).
type Event struct {
	Kind    string
	Index   int
	Stream  string
	Payload []byte
	Status  string
	Attempt int
	Err     string
}

// IsProtocolLine reports whether the line belongs to the cell protocol.
// Cheap prefix check so the log pump can fast-path ordinary output.
func IsProtocolLine(line string) bool {
	return strings.HasPrefix(line, linePrefix)
}

// ParseLine decodes one protocol line. Returns an error for lines that
// carry the protocol prefix but are malformed; callers should log and
// pass those through as ordinary output rather than drop them.
func ParseLine(line string) (*Event, error) {
	fields := strings.Split(line, "\t")
	switch fields[0] {
	case prefixStart:
		if len(fields) < 2 {
			return nil, fmt.Errorf("cell start: want 2 fields, got %d", len(fields))
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("cell start: bad index %q", fields[1])
		}
		return &Event{Kind: KindStart, Index: index}, nil

	case prefixOut:
		// OUTPUT <index> <stream> <encoding> <payload>
		if len(fields) < 5 {
			return nil, fmt.Errorf("cell output: want 5 fields, got %d", len(fields))
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("cell output: bad index %q", fields[1])
		}
		stream := fields[2]
		switch stream {
		case StreamStdout, StreamStderr, StreamImage:
		default:
			return nil, fmt.Errorf("cell output: unknown stream %q", stream)
		}
		payload, err := decodePayload(fields[3], fields[4])
		if err != nil {
			return nil, fmt.Errorf("cell output: %w", err)
		}
		return &Event{Kind: KindOutput, Index: index, Stream: stream, Payload: payload}, nil

	case prefixEnd:
		// END <index> <status> [<attempt>] [<err>]
		if len(fields) < 3 {
			return nil, fmt.Errorf("cell end: want 3 fields, got %d", len(fields))
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("cell end: bad index %q", fields[1])
		}
		ev := &Event{Kind: KindEnd, Index: index, Status: fields[2]}
		switch ev.Status {
		case StatusSuccess, StatusFailed, StatusRetrying:
		default:
			return nil, fmt.Errorf("cell end: unknown status %q", ev.Status)
		}
		if len(fields) > 3 && fields[3] != "" {
			attempt, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("cell end: bad attempt %q", fields[3])
			}
			ev.Attempt = attempt
		}
		if len(fields) > 4 {
			// The runner flattens the error to a single line but may
			// not strip tabs from arbitrary exception text.
			ev.Err = strings.Join(fields[4:], " ")
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown protocol line %q", fields[0])
	}
}

func decodePayload(encoding, payload string) ([]byte, error) {
	switch encoding {
	case "plain":
		return []byte(payload), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("bad base64 payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}
