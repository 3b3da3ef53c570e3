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

package notebook

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// RunnerFileName is the runner's name inside the runner directory,
// which containers see mounted at /runner.
const RunnerFileName = "runner.py"

// CellDefaultsEnv carries the metadata cells array to the runner as a
// JSON list aligned with code-cell order.
const CellDefaultsEnv = "FASTFLOW_CELL_DEFAULTS"

//go:embed runner.py
var runnerScript []byte

// MaterialiseRunner writes the embedded runner script into dir,
// creating it if needed, and returns the script path. Called at daemon
// startup so the directory can be bind-mounted into notebook containers.
func MaterialiseRunner(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create runner directory: %w", err)
	}
	path := filepath.Join(dir, RunnerFileName)
	if err := os.WriteFile(path, runnerScript, 0o644); err != nil {
		return "", fmt.Errorf("failed to write runner script: %w", err)
	}
	return path, nil
}
