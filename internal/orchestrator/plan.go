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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"

	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/notebook"
	"github.com/tombee/fastflow/internal/retrypolicy"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// lockFileName is the compiled requirements file the pre-heater leaves
// next to requirements.txt. Runs resolve it through /app so the uv
// cache key matches the one primed at warmup.
const lockFileName = "requirements.txt.lock"

// Base environment appended after every user-controlled layer. These
// keys pin uv at the mounted caches and keep Python output unbuffered
// so the log stream sees lines as they happen.
func baseEnv() map[string]string {
	return map[string]string{
		"UV_CACHE_DIR":          executor.UVCacheDir,
		"UV_PYTHON_INSTALL_DIR": executor.UVPythonDir,
		"UV_LINK_MODE":          "copy",
		"PYTHONUNBUFFERED":      "1",
	}
}

// runPlan is everything resolved at admission time: the effective
// limits after schedule overrides, the merged environment, and the
// container command. The lifecycle goroutine executes it unchanged.
type runPlan struct {
	pipeline *discovery.Pipeline
	schedule *discovery.NamedSchedule

	image   string
	command []string
	env     map[string]string

	cpuLimit      float64
	memLimitBytes int64
	cpuSoftPct    float64
	memSoftMB     float64

	timeout  time.Duration
	notebook bool

	retryAttempts int
	retryStrategy *retrypolicy.Strategy
}

// plan resolves a submission against pipeline metadata, the selected
// named schedule, and the vault. Decryption failures reject the
// submission; a run must never start with a partial environment.
func (o *Orchestrator) plan(ctx context.Context, p *discovery.Pipeline, req SubmitRequest, image string) (*runPlan, error) {
	meta := p.Metadata
	sched := meta.Schedule(req.RunConfigID)

	pl := &runPlan{
		pipeline:      p,
		schedule:      sched,
		image:         image,
		notebook:      meta.Type == discovery.TypeNotebook,
		retryAttempts: meta.RetryAttempts,
		retryStrategy: meta.RetryStrategy,
	}

	// Schedule overrides take precedence field by field.
	cpuHard, memHard := meta.CPUHardLimit, meta.MemHardLimit
	cpuSoft, memSoft := meta.CPUSoftLimit, meta.MemSoftLimit
	timeout := o.cfg.DefaultTimeout
	if meta.Timeout != nil {
		timeout = time.Duration(*meta.Timeout) * time.Second
	}
	if sched != nil {
		if sched.CPUHardLimit > 0 {
			cpuHard = sched.CPUHardLimit
		}
		if sched.MemHardLimit != "" {
			memHard = sched.MemHardLimit
		}
		if sched.CPUSoftLimit > 0 {
			cpuSoft = sched.CPUSoftLimit
		}
		if sched.MemSoftLimit != "" {
			memSoft = sched.MemSoftLimit
		}
		if sched.Timeout != nil {
			timeout = time.Duration(*sched.Timeout) * time.Second
		}
		if sched.RetryAttempts != nil {
			pl.retryAttempts = *sched.RetryAttempts
		}
		if sched.RetryStrategy != nil {
			pl.retryStrategy = sched.RetryStrategy
		}
	}
	pl.cpuLimit = cpuHard
	pl.timeout = timeout
	pl.cpuSoftPct = cpuSoft * 100

	if memHard != "" {
		bytes, err := units.RAMInBytes(memHard)
		if err != nil {
			return nil, &fferrors.ValidationError{
				Field:   "mem_hard_limit",
				Message: fmt.Sprintf("unparseable memory limit %q: %v", memHard, err),
			}
		}
		pl.memLimitBytes = bytes
	}
	if memSoft != "" {
		bytes, err := units.RAMInBytes(memSoft)
		if err != nil {
			return nil, &fferrors.ValidationError{
				Field:   "mem_soft_limit",
				Message: fmt.Sprintf("unparseable memory limit %q: %v", memSoft, err),
			}
		}
		pl.memSoftMB = float64(bytes) / (1024 * 1024)
	}

	env, err := o.buildEnv(ctx, meta, sched, req)
	if err != nil {
		return nil, err
	}
	if pl.notebook && len(meta.Cells) > 0 {
		defaults, err := json.Marshal(meta.Cells)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cell defaults: %w", err)
		}
		env[notebook.CellDefaultsEnv] = string(defaults)
	}
	pl.env = env

	pl.command = buildCommand(meta, hasLockFile(p.Dir))
	return pl, nil
}

// buildEnv merges the run environment. Later layers win:
// pipeline default_env, schedule default_env, pipeline encrypted_env,
// schedule encrypted_env, global secrets, caller env, caller
// parameters, fixed base env.
func (o *Orchestrator) buildEnv(ctx context.Context, meta discovery.Metadata, sched *discovery.NamedSchedule, req SubmitRequest) (map[string]string, error) {
	env := make(map[string]string)

	for k, v := range meta.DefaultEnv {
		env[k] = v
	}
	if sched != nil {
		for k, v := range sched.DefaultEnv {
			env[k] = v
		}
	}

	if err := o.decryptInto(env, meta.EncryptedEnv); err != nil {
		return nil, err
	}
	if sched != nil {
		if err := o.decryptInto(env, sched.EncryptedEnv); err != nil {
			return nil, err
		}
	}

	secrets, err := o.vault.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load global secrets: %w", err)
	}
	for k, v := range secrets {
		env[k] = v
	}

	for k, v := range req.Env {
		env[k] = v
	}
	for k, v := range req.Parameters {
		env[k] = v
	}

	for k, v := range baseEnv() {
		env[k] = v
	}
	return env, nil
}

func (o *Orchestrator) decryptInto(env map[string]string, encrypted map[string]string) error {
	for k, ciphertext := range encrypted {
		plaintext, err := o.vault.DecryptString(ciphertext)
		if err != nil {
			return &fferrors.DecryptionError{Key: k, Cause: err}
		}
		env[k] = plaintext
	}
	return nil
}

// buildCommand constructs the container command. Script pipelines run
// main.py through an inline wrapper that prints the setup sentinel
// first; notebook pipelines hand over to the mounted runner, which
// prints the sentinel itself.
func buildCommand(meta discovery.Metadata, hasLock bool) []string {
	cmd := []string{"uv", "run"}
	if meta.PythonVersion != "" {
		cmd = append(cmd, "--python", meta.PythonVersion)
	}
	if hasLock {
		cmd = append(cmd, "--with-requirements", executor.AppDir+"/"+lockFileName)
	}

	if meta.Type == discovery.TypeNotebook {
		return append(cmd, "python", "-u",
			executor.RunnerDir+"/"+notebook.RunnerFileName,
			executor.AppDir+"/main.ipynb")
	}
	return append(cmd, "python", "-u", "-c", scriptWrapper())
}

// scriptWrapper is the -c payload for script pipelines: announce setup
// is done, then run /app/main.py as __main__ so user code behaves as if
// invoked directly.
func scriptWrapper() string {
	return fmt.Sprintf(
		`import runpy,sys;print(%q,flush=True);sys.argv=["main.py"];runpy.run_path(%q,run_name="__main__")`,
		executor.SentinelLine, executor.AppDir+"/main.py")
}

func hasLockFile(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, lockFileName))
	return err == nil
}
