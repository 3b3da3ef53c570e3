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

package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/notebook"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// encrypt seals a value with the harness vault's key, as the CLI would
// when writing encrypted_env into pipeline.json.
func encrypt(t *testing.T, h *harness, plaintext string) string {
	t.Helper()
	ciphertext, err := h.orc.vault.EncryptString(plaintext)
	require.NoError(t, err)
	return ciphertext
}

func TestBuildEnv_MergeOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One key per adjacent pair of layers, each won by the later layer.
	meta := discovery.Metadata{
		DefaultEnv: map[string]string{
			"PIPE_DEFAULT":     "pipeline",
			"K_SCHED":          "pipeline",
			"K_PIPE_ENC":       "pipeline",
			"PYTHONUNBUFFERED": "0",
		},
		EncryptedEnv: map[string]string{
			"K_PIPE_ENC":  encrypt(t, h, "pipeline-encrypted"),
			"K_SCHED_ENC": encrypt(t, h, "pipeline-encrypted"),
		},
	}
	sched := &discovery.NamedSchedule{
		Name: "nightly",
		DefaultEnv: map[string]string{
			"K_SCHED": "schedule",
		},
		EncryptedEnv: map[string]string{
			"K_SCHED_ENC": encrypt(t, h, "schedule-encrypted"),
			"K_VAULT":     encrypt(t, h, "schedule-encrypted"),
		},
	}
	require.NoError(t, h.orc.vault.Set(ctx, "K_VAULT", "vault", false))
	require.NoError(t, h.orc.vault.Set(ctx, "K_CALLER", "vault", false))

	req := SubmitRequest{
		Env:        map[string]string{"K_CALLER": "caller", "K_PARAM": "caller"},
		Parameters: map[string]string{"K_PARAM": "param"},
	}

	env, err := h.orc.buildEnv(ctx, meta, sched, req)
	require.NoError(t, err)

	assert.Equal(t, "pipeline", env["PIPE_DEFAULT"])
	assert.Equal(t, "schedule", env["K_SCHED"])
	assert.Equal(t, "pipeline-encrypted", env["K_PIPE_ENC"])
	assert.Equal(t, "schedule-encrypted", env["K_SCHED_ENC"])
	assert.Equal(t, "vault", env["K_VAULT"])
	assert.Equal(t, "caller", env["K_CALLER"])
	assert.Equal(t, "param", env["K_PARAM"])

	// The fixed base env always wins, even over pipeline defaults.
	assert.Equal(t, "1", env["PYTHONUNBUFFERED"])
	assert.Equal(t, executor.UVCacheDir, env["UV_CACHE_DIR"])
	assert.Equal(t, executor.UVPythonDir, env["UV_PYTHON_INSTALL_DIR"])
	assert.Equal(t, "copy", env["UV_LINK_MODE"])
}

func TestBuildEnv_DecryptionFailureRejects(t *testing.T) {
	h := newHarness(t)

	meta := discovery.Metadata{
		EncryptedEnv: map[string]string{"BROKEN": "bm90LWEtY2lwaGVydGV4dA=="},
	}
	_, err := h.orc.buildEnv(context.Background(), meta, nil, SubmitRequest{})
	require.Error(t, err)
	assert.True(t, fferrors.IsDecryption(err))

	var derr *fferrors.DecryptionError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "BROKEN", derr.Key)
}

func TestPlan_ScheduleOverrides(t *testing.T) {
	h := newHarness(t)

	pipelineTimeout := 60
	schedTimeout := 300
	schedRetries := 5
	meta := discovery.DefaultMetadata()
	meta.CPUHardLimit = 1
	meta.MemHardLimit = "512m"
	meta.CPUSoftLimit = 0.5
	meta.Timeout = &pipelineTimeout
	meta.RetryAttempts = 1
	meta.Schedules = []discovery.NamedSchedule{{
		Name:          "nightly",
		CPUHardLimit:  2,
		MemHardLimit:  "1g",
		MemSoftLimit:  "768m",
		Timeout:       &schedTimeout,
		RetryAttempts: &schedRetries,
	}}

	p := &discovery.Pipeline{Name: "warehouse", Dir: t.TempDir(), Metadata: meta}

	pl, err := h.orc.plan(context.Background(), p, SubmitRequest{RunConfigID: "nightly"}, "img:1")
	require.NoError(t, err)

	assert.Equal(t, 2.0, pl.cpuLimit)
	assert.Equal(t, int64(1024*1024*1024), pl.memLimitBytes)
	assert.Equal(t, 768.0, pl.memSoftMB)
	assert.Equal(t, 50.0, pl.cpuSoftPct) // pipeline soft limit survives
	assert.Equal(t, 300*time.Second, pl.timeout)
	assert.Equal(t, 5, pl.retryAttempts)
	assert.Equal(t, "img:1", pl.image)
	require.NotNil(t, pl.schedule)
	assert.Equal(t, "nightly", pl.schedule.Name)

	// Without a run config the pipeline-level values apply.
	pl, err = h.orc.plan(context.Background(), p, SubmitRequest{}, "img:1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, pl.cpuLimit)
	assert.Equal(t, int64(512*1024*1024), pl.memLimitBytes)
	assert.Equal(t, 60*time.Second, pl.timeout)
	assert.Equal(t, 1, pl.retryAttempts)
	assert.Nil(t, pl.schedule)
}

func TestPlan_MemLimitValidation(t *testing.T) {
	h := newHarness(t)

	meta := discovery.DefaultMetadata()
	meta.MemHardLimit = "lots"
	p := &discovery.Pipeline{Name: "bad", Dir: t.TempDir(), Metadata: meta}

	_, err := h.orc.plan(context.Background(), p, SubmitRequest{}, "img")
	require.Error(t, err)
	assert.True(t, fferrors.IsValidation(err))
}

func TestBuildCommand_Script(t *testing.T) {
	meta := discovery.DefaultMetadata()

	cmd := buildCommand(meta, false)
	require.Len(t, cmd, 5)
	assert.Equal(t, []string{"uv", "run", "python", "-u"}, cmd[:4])
	assert.Contains(t, cmd[4], executor.SentinelLine)
	assert.Contains(t, cmd[4], "runpy.run_path")
	assert.Contains(t, cmd[4], `"/app/main.py"`)

	meta.PythonVersion = "3.12"
	cmd = buildCommand(meta, true)
	assert.Equal(t, []string{
		"uv", "run", "--python", "3.12",
		"--with-requirements", "/app/requirements.txt.lock",
		"python", "-u", "-c",
	}, cmd[:9])
}

func TestBuildCommand_Notebook(t *testing.T) {
	meta := discovery.DefaultMetadata()
	meta.Type = discovery.TypeNotebook

	cmd := buildCommand(meta, false)
	assert.Equal(t, []string{
		"uv", "run", "python", "-u",
		"/runner/runner.py", "/app/main.ipynb",
	}, cmd)

	// The notebook runner prints the sentinel itself; no wrapper.
	assert.False(t, strings.Contains(strings.Join(cmd, " "), executor.SentinelLine))
}

func TestPlan_LockFileDetection(t *testing.T) {
	h := newHarness(t)

	dir := t.TempDir()
	meta := discovery.DefaultMetadata()
	p := &discovery.Pipeline{Name: "locked", Dir: dir, Metadata: meta}

	pl, err := h.orc.plan(context.Background(), p, SubmitRequest{}, "img")
	require.NoError(t, err)
	assert.NotContains(t, pl.command, "--with-requirements")

	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("requests==2.32.0\n"), 0o644))
	pl, err = h.orc.plan(context.Background(), p, SubmitRequest{}, "img")
	require.NoError(t, err)
	assert.Contains(t, pl.command, "--with-requirements")
}

func TestPlan_NotebookCellDefaults(t *testing.T) {
	h := newHarness(t)

	meta := discovery.DefaultMetadata()
	meta.Type = discovery.TypeNotebook
	meta.Cells = []discovery.CellSpec{
		{Retries: 2, DelaySeconds: 1.5},
		{},
	}
	p := &discovery.Pipeline{Name: "report", Dir: t.TempDir(), Metadata: meta}

	pl, err := h.orc.plan(context.Background(), p, SubmitRequest{}, "img")
	require.NoError(t, err)
	assert.True(t, pl.notebook)

	var cells []discovery.CellSpec
	require.NoError(t, json.Unmarshal([]byte(pl.env[notebook.CellDefaultsEnv]), &cells))
	assert.Equal(t, meta.Cells, cells)
}
