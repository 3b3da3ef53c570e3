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

// Package daemon assembles the Fast-Flow control plane: store, vault,
// discovery, pre-heater, execution backend, orchestrator, scheduler,
// cleanup, git sync and the HTTP API, with one Start/Shutdown pair
// owning their lifecycle order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tombee/fastflow/internal/backup"
	"github.com/tombee/fastflow/internal/cleanup"
	"github.com/tombee/fastflow/internal/config"
	"github.com/tombee/fastflow/internal/daemon/api"
	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/executor"
	"github.com/tombee/fastflow/internal/executor/docker"
	"github.com/tombee/fastflow/internal/executor/kube"
	"github.com/tombee/fastflow/internal/gitsync"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/metrics"
	"github.com/tombee/fastflow/internal/notebook"
	"github.com/tombee/fastflow/internal/orchestrator"
	"github.com/tombee/fastflow/internal/preheat"
	"github.com/tombee/fastflow/internal/resilience"
	"github.com/tombee/fastflow/internal/scheduler"
	"github.com/tombee/fastflow/internal/store"
	"github.com/tombee/fastflow/internal/vault"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Backend overrides the configured execution backend. Tests inject
	// a fake here; production leaves it nil.
	Backend executor.Backend
}

// Daemon is the fastflowd process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    *store.Store
	vault    *vault.Vault
	disc     *discovery.Service
	heater   *preheat.Heater
	backend  executor.Backend
	breakers *resilience.Set
	orc      *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	sweeper  *cleanup.Sweeper
	syncer   *gitsync.Syncer

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New wires a daemon. Nothing starts running until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(log.FromEnv()), "daemon")

	for _, dir := range []string{
		cfg.Paths.DataDir, cfg.Paths.LogsDir, cfg.RunsDir(),
		cfg.UVCacheDir(), cfg.UVPythonDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	st, err := store.New(store.Config{Path: cfg.DBPath(), WAL: true})
	if err != nil {
		return nil, err
	}

	key, err := vault.KeyFromEnv()
	if err != nil {
		if !cfg.DevMode {
			st.Close()
			return nil, err
		}
		logger.Warn("FASTFLOW_SECRET_KEY is not set; using an ephemeral key, secrets will not survive a restart")
		if key, err = vault.GenerateKey(); err != nil {
			st.Close()
			return nil, err
		}
	}
	vlt, err := vault.New(st, key, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	disc, err := discovery.New(discovery.Config{
		Root:     cfg.Paths.PipelinesDir,
		CacheTTL: cfg.Discovery.CacheTTL,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if _, err := notebook.MaterialiseRunner(cfg.RunnerDir()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to materialise notebook runner: %w", err)
	}

	heater := preheat.New(preheat.Config{
		UVBinary:         cfg.Runtime.UVBinary,
		CacheDir:         cfg.UVCacheDir(),
		PythonInstallDir: cfg.UVPythonDir(),
	}, st, logger)

	breakers := resilience.NewSet(resilience.SetConfig{
		FailureThreshold: uint32(cfg.Resilience.FailureThreshold),
		Cooldown:         cfg.Resilience.Cooldown,
		OnStateChange:    metrics.ObserveBreaker,
	}, logger)

	backend := opts.Backend
	if backend == nil {
		backend, err = newBackend(cfg, breakers, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	settingsFn := func(ctx context.Context) (*store.Settings, error) {
		return st.GetSettings(ctx)
	}

	notifier := orchestrator.NewWebhookNotifier(
		&http.Client{Timeout: 10 * time.Second},
		func(ctx context.Context) string {
			settings, err := settingsFn(ctx)
			if err != nil || settings == nil {
				return ""
			}
			return settings.NotificationURL
		},
		logger,
	)

	orc := orchestrator.New(orchestrator.Config{
		LogsDir:         cfg.Paths.LogsDir,
		RunsDir:         cfg.RunsDir(),
		WorkerImage:     cfg.Runtime.WorkerImage,
		MaxParallelRuns: cfg.Runtime.MaxParallelRuns,
		DefaultTimeout:  cfg.Runtime.DefaultTimeout,
		CancelGrace:     cfg.Runtime.CancelGrace,
		ShutdownGrace:   cfg.Runtime.ShutdownGrace,
	}, orchestrator.Deps{
		Store:     st,
		Discovery: disc,
		Vault:     vlt,
		Heater:    heater,
		Backend:   backend,
		Notifier:  notifier,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Config{
		DefaultRestartCooldown: cfg.Scheduler.DefaultRestartCooldown,
		SubmitTimeout:          cfg.Scheduler.SubmitTimeout,
	}, scheduler.Deps{
		Store:     st,
		Discovery: disc,
		Runner:    orc,
		Logger:    logger,
	})
	orc.SetTerminalHook(sched.HandleTerminal)

	uploader := backup.New(backup.Config{
		Endpoint:     cfg.Backup.Endpoint,
		UsePathStyle: cfg.Backup.UsePathStyle,
	}, settingsFn, breakers.ObjectStorage, logger)

	sweeper := cleanup.New(cleanup.Config{
		LogsDir:             cfg.Paths.LogsDir,
		RunsDir:             cfg.RunsDir(),
		LogRetentionDays:    cfg.Cleanup.LogRetentionDays,
		PerPipelineKeepRuns: cfg.Cleanup.PerPipelineKeepRuns,
		MaxLogSizeMB:        cfg.Cleanup.MaxLogSizeMB,
		Schedule:            cfg.Cleanup.Schedule,
	}, cleanup.Deps{
		Store:    st,
		Backend:  backend,
		Uploader: uploader,
		Logger:   logger,
	})

	syncer := gitsync.New(gitsync.Config{
		Dir: cfg.Paths.PipelinesDir,
	}, gitCredentials(settingsFn, vlt), breakers.Git, breakers.OAuth, logger)

	// A sync that changed the tree invalidates discovery and re-mirrors
	// metadata schedules. Order matters: the scheduler refresh rescans.
	syncer.OnSynced(func(ctx context.Context) {
		disc.Invalidate()
		if err := sched.RefreshMetadataJobs(ctx); err != nil {
			logger.Warn("schedule refresh after git sync failed", log.Error(err))
		}
		if err := sched.Reconcile(ctx); err != nil {
			logger.Warn("schedule reconcile after git sync failed", log.Error(err))
		}
	})

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		store:    st,
		vault:    vlt,
		disc:     disc,
		heater:   heater,
		backend:  backend,
		breakers: breakers,
		orc:      orc,
		sched:    sched,
		sweeper:  sweeper,
		syncer:   syncer,
	}, nil
}

// newBackend builds the configured execution backend.
func newBackend(cfg *config.Config, breakers *resilience.Set, logger *slog.Logger) (executor.Backend, error) {
	switch cfg.Backend.Type {
	case "kubernetes":
		return kube.New(kube.Config{
			Kubeconfig:       cfg.Backend.Kubernetes.Kubeconfig,
			Namespace:        cfg.Backend.Kubernetes.Namespace,
			WorkerImage:      cfg.Runtime.WorkerImage,
			SharedDir:        cfg.Paths.SharedDir,
			PVCName:          cfg.Backend.Kubernetes.PVCName,
			RunnerDir:        cfg.RunnerDir(),
			TerminationGrace: cfg.Runtime.CancelGrace,
		}, breakers.Kubernetes, logger)
	default:
		return docker.New(docker.Config{
			Host:        cfg.Backend.Docker.Host,
			WorkerImage: cfg.Runtime.WorkerImage,
			UVCacheDir:  cfg.UVCacheDir(),
			UVPythonDir: cfg.UVPythonDir(),
			RunnerDir:   cfg.RunnerDir(),
			DataDir:     cfg.Paths.DataDir,
			HostDataDir: cfg.Backend.Docker.HostDataDir,
		}, breakers.Docker, logger)
	}
}

// gitCredentials reads the sync remote and token from settings on every
// sync, decrypting the token through the vault.
func gitCredentials(settings func(context.Context) (*store.Settings, error), vlt *vault.Vault) gitsync.CredentialsFunc {
	return func(ctx context.Context) (gitsync.Credentials, error) {
		st, err := settings(ctx)
		if err != nil {
			return gitsync.Credentials{}, err
		}
		if st == nil || st.GitRemote == "" {
			return gitsync.Credentials{}, nil
		}
		creds := gitsync.Credentials{
			RemoteURL: st.GitRemote,
			Branch:    st.GitBranch,
			Username:  st.GitUsername,
		}
		if st.GitTokenCiphertext != "" {
			token, err := vlt.DecryptString(st.GitTokenCiphertext)
			if err != nil {
				return gitsync.Credentials{}, err
			}
			creds.TokenSource = gitsync.StaticToken(token)
		}
		return creds, nil
	}
}

// Start reconciles pre-existing workloads, starts the background jobs
// and serves the API until ctx is cancelled or the server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	// Zombie reconciliation first: restored runs must hold their
	// admission slots before the scheduler or the API submit anything.
	if err := d.orc.Reconcile(ctx); err != nil {
		d.logger.Warn("workload reconciliation failed", log.Error(err))
	}

	if d.cfg.WatchEnabled() {
		if err := d.disc.StartWatcher(ctx); err != nil {
			d.logger.Warn("pipeline watcher unavailable; relying on cache TTL", log.Error(err))
		}
	}

	if err := d.sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := d.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cleanup: %w", err)
	}

	ln, err := net.Listen("tcp", d.cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Listen.Addr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	router := d.buildRouter()
	mw := log.NewHTTPMiddleware(d.logger)
	d.server = &http.Server{
		Handler:     mw.Handler(router),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	d.logger.Info("fastflowd starting",
		log.String("version", d.opts.Version),
		log.String("listen_addr", ln.Addr().String()),
		log.String("backend", d.backend.Name()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// buildRouter assembles the API surface.
func (d *Daemon) buildRouter() *api.Router {
	router := api.NewRouter(api.RouterConfig{
		Version:   d.opts.Version,
		Commit:    d.opts.Commit,
		BuildDate: d.opts.BuildDate,
	})
	router.SetLiveCounter(d.orc)
	router.SetMetricsHandler(metrics.Handler())

	api.NewRunsHandler(d.orc, d.store).RegisterRoutes(router.Mux())
	api.NewPipelinesHandler(d.disc, d.store, d.heater).RegisterRoutes(router.Mux())
	api.NewSchedulesHandler(d.sched).RegisterRoutes(router.Mux())
	api.NewTriggersHandler(d.store, d.disc).RegisterRoutes(router.Mux())
	api.NewSecretsHandler(d.vault).RegisterRoutes(router.Mux())
	api.NewSettingsHandler(d.store, d.vault).RegisterRoutes(router.Mux())
	api.NewSyncHandler(d.syncer).RegisterRoutes(router.Mux())

	return router
}

// Addr returns the bound listen address, or "" before Start opened it.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Shutdown drains in dependency order: stop intake (HTTP), stop the
// time-based producers, then the orchestrator with its workloads, then
// the backend and the store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated", log.Int("live_runs", d.orc.LiveCount()))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Listen.ShutdownTimeout)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
		}
		cancel()
	}

	if err := d.sweeper.Stop(ctx); err != nil {
		d.logger.Error("cleanup shutdown error", log.Error(err))
	}
	if err := d.sched.Stop(ctx); err != nil {
		d.logger.Error("scheduler shutdown error", log.Error(err))
	}

	d.disc.StopWatcher()

	if err := d.orc.Shutdown(ctx); err != nil {
		d.logger.Error("orchestrator shutdown error", log.Error(err))
	}

	if err := d.backend.Close(); err != nil {
		d.logger.Error("backend close error", log.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error("store close error", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
