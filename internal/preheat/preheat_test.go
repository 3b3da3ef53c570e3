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

package preheat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/store"
)

// fakeUVScript records every invocation to $UV_FAKE_LOG and honours
// UV_FAKE_FAIL_* switches so tests can force individual steps to fail.
const fakeUVScript = `#!/bin/sh
echo "$@" >> "$UV_FAKE_LOG"
case "$1" in
--version)
	echo "uv 0.5.11"
	;;
python)
	if [ -n "$UV_FAKE_FAIL_PYTHON" ]; then
		echo "error: no managed interpreter" >&2
		exit 1
	fi
	;;
pip)
	if [ -n "$UV_FAKE_FAIL_COMPILE" ]; then
		echo "No solution found when resolving dependencies" >&2
		exit 1
	fi
	while [ $# -gt 0 ]; do
		if [ "$1" = "-o" ]; then
			: > "$2"
		fi
		shift
	done
	;;
run)
	if [ -n "$UV_FAKE_FAIL_RUN" ]; then
		echo "error: failed to build environment" >&2
		exit 1
	fi
	;;
esac
exit 0
`

type testEnv struct {
	heater  *Heater
	store   *store.Store
	logPath string
	appLink string
}

func createTestHeater(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	uvPath := filepath.Join(dir, "uv")
	if err := os.WriteFile(uvPath, []byte(fakeUVScript), 0o755); err != nil {
		t.Fatalf("failed to write fake uv: %v", err)
	}

	logPath := filepath.Join(dir, "invocations.log")
	t.Setenv("UV_FAKE_LOG", logPath)

	st, err := store.New(store.Config{Path: filepath.Join(dir, "test.db"), WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	appLink := filepath.Join(dir, "app")
	h := New(Config{
		UVBinary:         uvPath,
		CacheDir:         filepath.Join(dir, "uv-cache"),
		PythonInstallDir: filepath.Join(dir, "uv-python"),
		AppLink:          appLink,
		CommandTimeout:   30 * time.Second,
	}, st, nil)

	return &testEnv{heater: h, store: st, logPath: logPath, appLink: appLink}
}

func createTestPipeline(t *testing.T, pythonVersion string, withRequirements bool) *discovery.Pipeline {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatalf("failed to write main.py: %v", err)
	}
	if withRequirements {
		if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("requests\n"), 0o644); err != nil {
			t.Fatalf("failed to write requirements.txt: %v", err)
		}
	}

	meta := discovery.DefaultMetadata()
	meta.PythonVersion = pythonVersion
	return &discovery.Pipeline{Name: "etl", Dir: dir, Metadata: meta}
}

func (e *testEnv) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(e.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("failed to read invocation log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestHeater_Preheat(t *testing.T) {
	env := createTestHeater(t)
	p := createTestPipeline(t, "3.12", true)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if !ok {
		t.Fatalf("Preheat() = false, message %q", msg)
	}
	if !strings.Contains(msg, "environment ready") {
		t.Errorf("message = %q, want environment ready", msg)
	}

	calls := env.invocations(t)
	if len(calls) != 3 {
		t.Fatalf("uv invoked %d times, want 3: %v", len(calls), calls)
	}
	if calls[0] != "python install 3.12" {
		t.Errorf("first call = %q, want python install", calls[0])
	}
	if !strings.HasPrefix(calls[1], "pip compile ") || !strings.Contains(calls[1], "-o") {
		t.Errorf("second call = %q, want pip compile with -o", calls[1])
	}
	wantLock := filepath.Join(env.appLink, "requirements.txt.lock")
	if !strings.Contains(calls[2], "--with-requirements "+wantLock) {
		t.Errorf("third call = %q, want --with-requirements %s", calls[2], wantLock)
	}
	if !strings.Contains(calls[2], "--python 3.12") {
		t.Errorf("third call = %q, want --python 3.12", calls[2])
	}

	if _, err := os.Stat(filepath.Join(p.Dir, "requirements.txt.lock")); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
	if _, err := os.Lstat(env.appLink); !os.IsNotExist(err) {
		t.Errorf("app link not removed after warmup: %v", err)
	}

	row, err := env.store.GetPipeline(context.Background(), "etl")
	if err != nil {
		t.Fatalf("failed to get pipeline row: %v", err)
	}
	if row.LastCacheWarmup == nil {
		t.Error("last cache warmup not recorded")
	}
}

func TestHeater_Preheat_NoRequirements(t *testing.T) {
	env := createTestHeater(t)
	p := createTestPipeline(t, "", false)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if !ok {
		t.Fatalf("Preheat() = false, message %q", msg)
	}
	if !strings.Contains(msg, "nothing to warm") {
		t.Errorf("message = %q, want nothing to warm", msg)
	}
	if calls := env.invocations(t); len(calls) != 0 {
		t.Errorf("uv invoked %d times, want 0: %v", len(calls), calls)
	}

	row, err := env.store.GetPipeline(context.Background(), "etl")
	if err != nil {
		t.Fatalf("failed to get pipeline row: %v", err)
	}
	if row.LastCacheWarmup == nil {
		t.Error("last cache warmup not recorded")
	}
}

func TestHeater_Preheat_CompileFailure(t *testing.T) {
	env := createTestHeater(t)
	t.Setenv("UV_FAKE_FAIL_COMPILE", "1")
	p := createTestPipeline(t, "", true)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if ok {
		t.Fatal("Preheat() = true, want failure")
	}
	if !strings.Contains(msg, "failed to compile requirements") {
		t.Errorf("message = %q, want compile failure", msg)
	}
	if !strings.Contains(msg, "No solution found") {
		t.Errorf("message = %q, want uv stderr included", msg)
	}

	if _, err := env.store.GetPipeline(context.Background(), "etl"); !fferrors.IsNotFound(err) {
		t.Errorf("pipeline row created despite failure, err = %v", err)
	}
}

func TestHeater_Preheat_PythonInstallFailureIsNonFatal(t *testing.T) {
	env := createTestHeater(t)
	t.Setenv("UV_FAKE_FAIL_PYTHON", "1")
	p := createTestPipeline(t, "3.11", true)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if !ok {
		t.Fatalf("Preheat() = false, message %q", msg)
	}
}

func TestHeater_Preheat_RunFailure(t *testing.T) {
	env := createTestHeater(t)
	t.Setenv("UV_FAKE_FAIL_RUN", "1")
	p := createTestPipeline(t, "", true)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if ok {
		t.Fatal("Preheat() = true, want failure")
	}
	if !strings.Contains(msg, "failed to build environment") {
		t.Errorf("message = %q, want build failure", msg)
	}
	if _, err := os.Lstat(env.appLink); !os.IsNotExist(err) {
		t.Errorf("app link not removed after failed warmup: %v", err)
	}
}

func TestHeater_Preheat_AppLinkOccupied(t *testing.T) {
	env := createTestHeater(t)
	if err := os.Mkdir(env.appLink, 0o755); err != nil {
		t.Fatalf("failed to occupy app link path: %v", err)
	}
	p := createTestPipeline(t, "", true)

	ok, msg := env.heater.Preheat(context.Background(), p)
	if ok {
		t.Fatal("Preheat() = true, want failure")
	}
	if !strings.Contains(msg, "cannot stage") {
		t.Errorf("message = %q, want cannot stage", msg)
	}
}

func TestHeater_Preheat_ReusesMatchingLink(t *testing.T) {
	env := createTestHeater(t)
	p := createTestPipeline(t, "", true)
	if err := os.Symlink(p.Dir, env.appLink); err != nil {
		t.Fatalf("failed to pre-create app link: %v", err)
	}

	ok, msg := env.heater.Preheat(context.Background(), p)
	if !ok {
		t.Fatalf("Preheat() = false, message %q", msg)
	}
	// The link existed before the warmup, so the warmup must not tear
	// it down.
	target, err := os.Readlink(env.appLink)
	if err != nil {
		t.Fatalf("app link removed: %v", err)
	}
	if target != p.Dir {
		t.Errorf("app link target = %q, want %q", target, p.Dir)
	}
}

func TestHeater_UVVersion(t *testing.T) {
	env := createTestHeater(t)

	v := env.heater.UVVersion(context.Background())
	if v != "uv 0.5.11" {
		t.Errorf("UVVersion() = %q, want uv 0.5.11", v)
	}

	// Cached: a second call must not re-invoke uv.
	env.heater.UVVersion(context.Background())
	if calls := env.invocations(t); len(calls) != 1 {
		t.Errorf("uv invoked %d times, want 1: %v", len(calls), calls)
	}
}
