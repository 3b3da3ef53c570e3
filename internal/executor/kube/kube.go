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

// Package kube runs pipeline workloads as Kubernetes Jobs. Each run is
// one Job with a single pod; the pipeline source is copied onto a shared
// ReadWriteMany volume before the Job is created, and the same volume
// provides the uv caches as sub-paths.
package kube

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/tombee/fastflow/internal/executor"
	fflog "github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/resilience"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

const (
	// runsSubPath is where run source trees live on the shared volume.
	runsSubPath = "pipeline_runs"

	// runnerSubPath is where the notebook runner assets live on the
	// shared volume.
	runnerSubPath = "runner"

	uvCacheSubPath  = "uv_cache"
	uvPythonSubPath = "uv_python"

	sharedVolumeName = "fastflow-shared"
	containerName    = "pipeline"

	// jobPollInterval paces Job status polling while waiting for exit.
	jobPollInterval = 2 * time.Second
)

// Config describes the cluster connection and the shared volume layout.
type Config struct {
	// Kubeconfig is the path to a kubeconfig file. Empty tries the
	// in-cluster config first, then ~/.kube/config.
	Kubeconfig string

	// Namespace receives the Jobs. Default "default".
	Namespace string

	// WorkerImage is the image used when a RunSpec does not name one.
	WorkerImage string

	// SharedDir is this process's mount point of the ReadWriteMany
	// volume shared with the pipeline pods.
	SharedDir string

	// PVCName is the claim backing SharedDir inside the cluster.
	PVCName string

	// RunnerDir holds the notebook runner assets on local disk; they
	// are copied onto the shared volume before the first notebook run.
	RunnerDir string

	// TerminationGrace is the pod-level grace period baked into the Job
	// template. Cancel may shorten it per call.
	TerminationGrace time.Duration
}

// Backend implements executor.Backend on Kubernetes Jobs.
type Backend struct {
	cli     kubernetes.Interface
	metrics metricsclient.Interface
	cfg     Config
	breaker *resilience.Breaker
	logger  *slog.Logger

	runnerMu     sync.Mutex
	runnerStaged bool
}

var _ executor.Backend = (*Backend)(nil)

// New connects to the cluster: in-cluster config when running as a pod,
// otherwise the configured (or default) kubeconfig.
func New(cfg Config, breaker *resilience.Breaker, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = fflog.WithComponent(logger, "kube")
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	restCfg, err := loadRESTConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentKubernetes,
			Op:        "connect",
			Message:   "load cluster config",
			Cause:     err,
		}
	}

	cli, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentKubernetes,
			Op:        "connect",
			Message:   "create clientset",
			Cause:     err,
		}
	}
	mc, err := metricsclient.NewForConfig(restCfg)
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentKubernetes,
			Op:        "connect",
			Message:   "create metrics clientset",
			Cause:     err,
		}
	}

	return &Backend{
		cli:     cli,
		metrics: mc,
		cfg:     cfg,
		breaker: breaker,
		logger:  logger,
	}, nil
}

func loadRESTConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	home, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return nil, err
	}
	return clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
}

// Name identifies the backend in logs and run rows.
func (b *Backend) Name() string { return "kubernetes" }

// Close is a no-op; the clientset has no connection to release.
func (b *Backend) Close() error { return nil }

// Submit stages the pipeline source onto the shared volume and creates
// one Job for the run.
func (b *Backend) Submit(ctx context.Context, spec executor.RunSpec) (executor.Handle, error) {
	runDir := filepath.Join(b.cfg.SharedDir, runsSubPath, spec.RunID)
	if err := copyTree(spec.PipelineDir, runDir); err != nil {
		return executor.Handle{}, &fferrors.InfrastructureError{
			Component: resilience.ComponentKubernetes,
			Op:        "stage_source",
			Message:   "copy pipeline source to shared volume",
			Cause:     err,
		}
	}

	if spec.Notebook {
		if err := b.stageRunner(); err != nil {
			return executor.Handle{}, err
		}
	}

	job := b.buildJob(spec)
	err := b.breaker.Do(ctx, "job_create", func() error {
		_, err := b.cli.BatchV1().Jobs(b.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		// Never leave a staged source tree behind for a run that does
		// not exist.
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			b.logger.Warn("failed to remove staged source", fflog.String("dir", runDir), fflog.Error(rmErr))
		}
		return executor.Handle{}, b.wrap("job_create", "create job", err)
	}

	b.logger.Debug("job created",
		fflog.String(fflog.RunIDKey, spec.RunID),
		fflog.String(fflog.PipelineKey, spec.Pipeline),
		fflog.String("job", job.Name))

	return executor.Handle{ID: job.Name, RunID: spec.RunID, Pipeline: spec.Pipeline}, nil
}

func (b *Backend) buildJob(spec executor.RunSpec) *batchv1.Job {
	labels := map[string]string{
		executor.LabelRunID:    spec.RunID,
		executor.LabelPipeline: sanitizeLabelValue(spec.Pipeline),
	}

	img := spec.Image
	if img == "" {
		img = b.cfg.WorkerImage
	}

	mounts := []corev1.VolumeMount{
		{Name: sharedVolumeName, MountPath: executor.AppDir, SubPath: filepath.Join(runsSubPath, spec.RunID), ReadOnly: true},
		{Name: sharedVolumeName, MountPath: executor.UVCacheDir, SubPath: uvCacheSubPath},
		{Name: sharedVolumeName, MountPath: executor.UVPythonDir, SubPath: uvPythonSubPath},
	}
	if spec.Notebook {
		mounts = append(mounts, corev1.VolumeMount{
			Name: sharedVolumeName, MountPath: executor.RunnerDir, SubPath: runnerSubPath, ReadOnly: true,
		})
	}

	limits := corev1.ResourceList{}
	if spec.CPULimit > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.CPULimit*1000), resource.DecimalSI)
	}
	if spec.MemLimitBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemLimitBytes, resource.BinarySI)
	}

	var backoffLimit int32 = 0
	grace := int64(30)
	if b.cfg.TerminationGrace > 0 {
		grace = int64(b.cfg.TerminationGrace.Seconds())
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(spec.RunID),
			Namespace: b.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			// The retry engine owns retries; the Job must never rerun a
			// failed pod on its own.
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:                 corev1.RestartPolicyNever,
					TerminationGracePeriodSeconds: &grace,
					Volumes: []corev1.Volume{{
						Name: sharedVolumeName,
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
								ClaimName: b.cfg.PVCName,
							},
						},
					}},
					Containers: []corev1.Container{{
						Name:         containerName,
						Image:        img,
						Command:      spec.Command,
						Env:          envVars(spec.Env),
						WorkingDir:   executor.AppDir,
						VolumeMounts: mounts,
						Resources:    corev1.ResourceRequirements{Limits: limits},
					}},
				},
			},
		},
	}

	if spec.Timeout > 0 {
		deadline := int64(spec.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job
}

// Wait polls the Job until a terminal condition appears, then derives
// the exit state from the pod. Like the engine backend it runs outside
// the breaker; the individual status gets are cheap and a daemon
// pipeline can stay active for days.
func (b *Backend) Wait(ctx context.Context, h executor.Handle) (executor.WaitResult, error) {
	var result executor.WaitResult

	err := wait.PollUntilContextCancel(ctx, jobPollInterval, true, func(ctx context.Context) (bool, error) {
		job, err := b.cli.BatchV1().Jobs(b.cfg.Namespace).Get(ctx, h.ID, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				// Cancelled underneath us: the Job is gone.
				result = executor.WaitResult{ExitCode: executor.TimeoutExitCode}
				return true, nil
			}
			// Transient API failures must not abort a wait that may
			// already be hours in.
			b.logger.Warn("job status poll failed", fflog.String("job", h.ID), fflog.Error(err))
			return false, nil
		}

		done, failed, reason := jobTerminal(job)
		if !done {
			return false, nil
		}

		if !failed {
			result = executor.WaitResult{ExitCode: 0}
			return true, nil
		}
		if reason == "DeadlineExceeded" {
			result = executor.WaitResult{ExitCode: executor.TimeoutExitCode}
			return true, nil
		}
		result = b.podExit(ctx, h.ID)
		return true, nil
	})
	if err != nil {
		return executor.WaitResult{}, err
	}
	return result, nil
}

// jobTerminal reports whether the Job reached a terminal condition, and
// if so whether it failed and why.
func jobTerminal(job *batchv1.Job) (done, failed bool, reason string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, false, string(cond.Type)
		case batchv1.JobFailed:
			return true, true, cond.Reason
		}
	}
	return false, false, ""
}

// podExit reads the terminated container state off the Job's pod. A pod
// that vanished before inspection yields a generic failure.
func (b *Backend) podExit(ctx context.Context, jobName string) executor.WaitResult {
	pods, err := b.cli.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		return executor.WaitResult{ExitCode: 1}
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		for _, cs := range pod.Status.ContainerStatuses {
			term := cs.State.Terminated
			if term == nil {
				continue
			}
			return executor.WaitResult{
				ExitCode:  int(term.ExitCode),
				OOMKilled: term.Reason == "OOMKilled" || term.ExitCode == 137,
			}
		}
	}
	return executor.WaitResult{ExitCode: 1}
}

// Cancel terminates the run: pods are deleted with the requested grace,
// then the Job object goes with background propagation. Cancelling a
// Job that is already gone succeeds.
func (b *Backend) Cancel(ctx context.Context, h executor.Handle, grace time.Duration) error {
	secs := int64(grace.Seconds())
	if secs < 0 {
		secs = 0
	}

	err := b.breaker.Do(ctx, "job_cancel", func() error {
		pods, err := b.cli.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + h.ID,
		})
		if err != nil {
			return err
		}
		for i := range pods.Items {
			err := b.cli.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, pods.Items[i].Name, metav1.DeleteOptions{
				GracePeriodSeconds: &secs,
			})
			if err != nil && !apierrors.IsNotFound(err) {
				return err
			}
		}
		return b.deleteJob(ctx, h.ID)
	})
	if err != nil {
		return b.wrap("job_cancel", "cancel job", err)
	}
	return nil
}

// Cleanup removes the Job, its pods, and the staged source tree.
// Idempotent.
func (b *Backend) Cleanup(ctx context.Context, h executor.Handle) error {
	err := b.breaker.Do(ctx, "job_delete", func() error {
		return b.deleteJob(ctx, h.ID)
	})
	if err != nil {
		return b.wrap("job_delete", "delete job", err)
	}

	if h.RunID != "" {
		runDir := filepath.Join(b.cfg.SharedDir, runsSubPath, h.RunID)
		if err := os.RemoveAll(runDir); err != nil {
			return &fferrors.InfrastructureError{
				Component: resilience.ComponentKubernetes,
				Op:        "cleanup_source",
				Message:   "remove staged source",
				Cause:     err,
			}
		}
	}
	return nil
}

func (b *Backend) deleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := b.cli.BatchV1().Jobs(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// ListLive enumerates every Job this system labelled, terminated or
// not, for zombie reconciliation.
func (b *Backend) ListLive(ctx context.Context) ([]executor.LiveWorkload, error) {
	var jobs *batchv1.JobList
	err := b.breaker.Do(ctx, "job_list", func() error {
		var err error
		jobs, err = b.cli.BatchV1().Jobs(b.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: executor.LabelRunID,
		})
		return err
	})
	if err != nil {
		return nil, b.wrap("job_list", "list jobs", err)
	}

	out := make([]executor.LiveWorkload, 0, len(jobs.Items))
	for i := range jobs.Items {
		job := &jobs.Items[i]
		w := executor.LiveWorkload{
			Handle: executor.Handle{
				ID:       job.Name,
				RunID:    job.Labels[executor.LabelRunID],
				Pipeline: job.Labels[executor.LabelPipeline],
			},
		}
		done, failed, reason := jobTerminal(job)
		w.Running = !done
		if done && failed {
			if reason == "DeadlineExceeded" {
				w.ExitCode = executor.TimeoutExitCode
			} else {
				res := b.podExit(ctx, job.Name)
				w.ExitCode = res.ExitCode
				w.OOMKilled = res.OOMKilled
			}
		}
		out = append(out, w)
	}
	return out, nil
}

// stageRunner copies the notebook runner assets onto the shared volume
// once per process lifetime. The mutex serialises concurrent notebook
// submissions; a failed copy leaves the flag unset so the next
// submission retries.
func (b *Backend) stageRunner() error {
	b.runnerMu.Lock()
	defer b.runnerMu.Unlock()
	if b.runnerStaged {
		return nil
	}

	dst := filepath.Join(b.cfg.SharedDir, runnerSubPath)
	if err := copyTree(b.cfg.RunnerDir, dst); err != nil {
		return &fferrors.InfrastructureError{
			Component: resilience.ComponentKubernetes,
			Op:        "stage_runner",
			Message:   "copy notebook runner to shared volume",
			Cause:     err,
		}
	}
	b.runnerStaged = true
	return nil
}

func (b *Backend) wrap(op, msg string, err error) error {
	var infra *fferrors.InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	return &fferrors.InfrastructureError{
		Component: resilience.ComponentKubernetes,
		Op:        op,
		Message:   msg,
		Cause:     err,
	}
}

func jobName(runID string) string {
	return "fastflow-" + strings.ToLower(runID)
}

// envVars renders the env map sorted by name so Job specs are
// deterministic.
func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

// sanitizeLabelValue coerces a pipeline name into a legal label value:
// alphanumeric, '-', '_' and '.', at most 63 characters, alphanumeric at
// both ends.
func sanitizeLabelValue(v string) string {
	var sb strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	s := sb.String()
	if len(s) > 63 {
		s = s[:63]
	}
	s = strings.Trim(s, "-_.")
	return s
}
