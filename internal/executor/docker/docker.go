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

// Package docker runs pipeline workloads as containers on a Docker
// engine reached through a hardened socket proxy. The raw runtime
// socket is never exposed to this process; every API call goes through
// the proxy URL and the docker circuit breaker.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/tombee/fastflow/internal/executor"
	fflog "github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/resilience"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Config describes how the backend reaches the engine and which host
// directories back the standard workload mounts.
type Config struct {
	// Host is the Docker API endpoint, normally the socket proxy
	// (e.g. tcp://docker-proxy:2375). Empty falls back to DOCKER_HOST.
	Host string

	// WorkerImage is the image used when a RunSpec does not name one.
	WorkerImage string

	// UVCacheDir and UVPythonDir are this process's paths for the
	// shared uv caches, mounted read-write into every workload.
	UVCacheDir  string
	UVPythonDir string

	// RunnerDir holds the notebook runner assets, mounted read-only
	// into notebook workloads.
	RunnerDir string

	// DataDir/HostDataDir map this process's data directory onto the
	// host filesystem when self-inspection cannot (FASTFLOW_HOST_DATA_DIR).
	DataDir     string
	HostDataDir string
}

// Backend implements executor.Backend on the Docker Engine API.
type Backend struct {
	cli     *client.Client
	cfg     Config
	breaker *resilience.Breaker
	logger  *slog.Logger
	paths   *hostPathResolver
}

var _ executor.Backend = (*Backend)(nil)

// New connects to the engine. The connection is lazy: failures surface
// on the first API call, not here.
func New(cfg Config, breaker *resilience.Breaker, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = fflog.WithComponent(logger, "docker")

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentDocker,
			Op:        "connect",
			Message:   "create docker client",
			Cause:     err,
		}
	}

	b := &Backend{
		cli:     cli,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}
	b.paths = newHostPathResolver(cfg, b.selfMounts, logger)
	return b, nil
}

// Name identifies the backend in logs and run rows.
func (b *Backend) Name() string { return "docker" }

// Close releases the engine connection.
func (b *Backend) Close() error { return b.cli.Close() }

// Submit creates and starts one container for the run. The container is
// never auto-removed; Cleanup deletes it after finalisation so logs and
// the exit state stay inspectable in between.
func (b *Backend) Submit(ctx context.Context, spec executor.RunSpec) (executor.Handle, error) {
	img := spec.Image
	if img == "" {
		img = b.cfg.WorkerImage
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        spec.Command,
		Env:        envSlice(spec.Env),
		WorkingDir: executor.AppDir,
		Labels: map[string]string{
			executor.LabelRunID:    spec.RunID,
			executor.LabelPipeline: spec.Pipeline,
		},
	}
	host := b.hostConfig(spec)

	name := "fastflow-" + spec.RunID

	var id string
	create := func() error {
		resp, err := b.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	}

	err := b.breaker.Do(ctx, "container_create", func() error {
		err := create()
		if err == nil || !cerrdefs.IsNotFound(err) {
			return err
		}
		// Worker image not present yet: pull once and retry.
		if pullErr := b.pullImage(ctx, img); pullErr != nil {
			return pullErr
		}
		return create()
	})
	if err != nil {
		return executor.Handle{}, b.wrap("container_create", "create container", err)
	}

	h := executor.Handle{ID: id, RunID: spec.RunID, Pipeline: spec.Pipeline}

	err = b.breaker.Do(ctx, "container_start", func() error {
		return b.cli.ContainerStart(ctx, id, container.StartOptions{})
	})
	if err != nil {
		// Never leave a created-but-unstarted container behind.
		if rmErr := b.remove(context.WithoutCancel(ctx), id); rmErr != nil {
			b.logger.Warn("failed to remove unstarted container",
				fflog.String("container_id", id), fflog.Error(rmErr))
		}
		return executor.Handle{}, b.wrap("container_start", "start container", err)
	}

	b.logger.Debug("container started",
		fflog.String(fflog.RunIDKey, spec.RunID),
		fflog.String(fflog.PipelineKey, spec.Pipeline),
		fflog.String("container_id", id))
	return h, nil
}

func (b *Backend) hostConfig(spec executor.RunSpec) *container.HostConfig {
	binds := []string{
		b.paths.Resolve(spec.PipelineDir) + ":" + executor.AppDir + ":ro",
		b.paths.Resolve(b.cfg.UVCacheDir) + ":" + executor.UVCacheDir,
		b.paths.Resolve(b.cfg.UVPythonDir) + ":" + executor.UVPythonDir,
	}
	if spec.Notebook {
		binds = append(binds, b.paths.Resolve(b.cfg.RunnerDir)+":"+executor.RunnerDir+":ro")
	}

	return &container.HostConfig{
		Binds:      binds,
		AutoRemove: false,
		LogConfig:  container.LogConfig{Type: "json-file"},
		Resources: container.Resources{
			// Memory == MemorySwap denies swap: breaching the limit
			// OOM-kills instead of thrashing.
			Memory:     spec.MemLimitBytes,
			MemorySwap: spec.MemLimitBytes,
			NanoCPUs:   int64(spec.CPULimit * 1e9),
		},
	}
}

func (b *Backend) pullImage(ctx context.Context, ref string) error {
	b.logger.Info("pulling worker image", fflog.String("image", ref))
	rc, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull completes only once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Wait blocks until the container stops. It is deliberately outside the
// breaker: a daemon pipeline legitimately runs for days, and a slot held
// that long tells the breaker nothing about the engine's health.
func (b *Backend) Wait(ctx context.Context, h executor.Handle) (executor.WaitResult, error) {
	respCh, errCh := b.cli.ContainerWait(ctx, h.ID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return executor.WaitResult{}, b.wrap("container_wait", "wait for container", err)
	case resp := <-respCh:
		if resp.Error != nil {
			b.logger.Warn("container wait reported an error",
				fflog.String("container_id", h.ID),
				fflog.String("message", resp.Error.Message))
		}
		return executor.WaitResult{
			ExitCode:  int(resp.StatusCode),
			OOMKilled: b.oomKilled(ctx, h.ID),
		}, nil
	case <-ctx.Done():
		return executor.WaitResult{}, ctx.Err()
	}
}

// oomKilled reports whether the kernel killed the container for memory.
// Exit 137 alone also classifies as OOM upstream; this flag catches the
// cases where the runtime knows more than the exit code shows.
func (b *Backend) oomKilled(ctx context.Context, id string) bool {
	info, err := b.cli.ContainerInspect(ctx, id)
	if err != nil || info.State == nil {
		return false
	}
	return info.State.OOMKilled
}

// Cancel stops the container: SIGTERM, then SIGKILL once grace expires.
// Zero grace kills immediately. Cancelling a container that is already
// gone succeeds.
func (b *Backend) Cancel(ctx context.Context, h executor.Handle, grace time.Duration) error {
	err := b.breaker.Do(ctx, "container_stop", func() error {
		if grace <= 0 {
			return b.cli.ContainerKill(ctx, h.ID, "KILL")
		}
		secs := int(grace.Seconds())
		return b.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs})
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		// Killing an already-exited container is a no-op, not a failure.
		if cerrdefs.IsConflict(err) {
			return nil
		}
		return b.wrap("container_stop", "stop container", err)
	}
	return nil
}

// Cleanup removes the container and its anonymous volumes. Idempotent.
func (b *Backend) Cleanup(ctx context.Context, h executor.Handle) error {
	if err := b.remove(ctx, h.ID); err != nil {
		return b.wrap("container_remove", "remove container", err)
	}
	return nil
}

func (b *Backend) remove(ctx context.Context, id string) error {
	err := b.breaker.Do(ctx, "container_remove", func() error {
		return b.cli.ContainerRemove(ctx, id, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// ListLive enumerates every container this system labelled, running or
// terminated, for zombie reconciliation.
func (b *Backend) ListLive(ctx context.Context) ([]executor.LiveWorkload, error) {
	var summaries []container.Summary
	err := b.breaker.Do(ctx, "container_list", func() error {
		var err error
		summaries, err = b.cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", executor.LabelRunID)),
		})
		return err
	})
	if err != nil {
		return nil, b.wrap("container_list", "list containers", err)
	}

	out := make([]executor.LiveWorkload, 0, len(summaries))
	for _, c := range summaries {
		w := executor.LiveWorkload{
			Handle: executor.Handle{
				ID:       c.ID,
				RunID:    c.Labels[executor.LabelRunID],
				Pipeline: c.Labels[executor.LabelPipeline],
			},
		}
		info, err := b.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				continue
			}
			return nil, b.wrap("container_inspect", "inspect container", err)
		}
		if info.State != nil {
			w.Running = info.State.Running
			w.ExitCode = info.State.ExitCode
			w.OOMKilled = info.State.OOMKilled
		}
		out = append(out, w)
	}
	return out, nil
}

// selfMounts inspects this process's own container (hostname == short
// container id when running under Docker) and returns its mount table.
func (b *Backend) selfMounts(ctx context.Context, hostname string) ([]mountPair, error) {
	info, err := b.cli.ContainerInspect(ctx, hostname)
	if err != nil {
		return nil, err
	}
	pairs := make([]mountPair, 0, len(info.Mounts))
	for _, m := range info.Mounts {
		if m.Source == "" || m.Destination == "" {
			continue
		}
		pairs = append(pairs, mountPair{container: m.Destination, host: m.Source})
	}
	return pairs, nil
}

// wrap converts an engine error into an InfrastructureError unless the
// breaker already produced one.
func (b *Backend) wrap(op, msg string, err error) error {
	var infra *fferrors.InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	return &fferrors.InfrastructureError{
		Component: resilience.ComponentDocker,
		Op:        op,
		Message:   msg,
		Cause:     err,
	}
}

// envSlice renders the env map in the KEY=value form the engine wants,
// sorted so container configs are deterministic.
func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
