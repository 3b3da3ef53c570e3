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

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/fastflow/internal/config"
	"github.com/tombee/fastflow/internal/daemon"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/vault"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		listenAddr   string
		pipelinesDir string
		dataDir      string
		backendType  string
		devMode      bool
	)

	root := &cobra.Command{
		Use:   "fastflowd",
		Short: "Fast-Flow pipeline orchestrator daemon",
		Long: `fastflowd runs Python pipelines as Docker containers or Kubernetes
Jobs: discovery, scheduling, dependency pre-heating, retries, retention
and a control-plane HTTP API in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// CLI flags win over both the file and the environment.
			if listenAddr != "" {
				cfg.Listen.Addr = listenAddr
			}
			if pipelinesDir != "" {
				cfg.Paths.PipelinesDir = pipelinesDir
			}
			if dataDir != "" {
				cfg.Paths.DataDir = dataDir
			}
			if backendType != "" {
				cfg.Backend.Type = backendType
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if devMode {
				cfg.DevMode = true
			}

			d, err := daemon.New(cfg, daemon.Options{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Start(ctx)
			}()

			select {
			case sig := <-sigCh:
				logger.Info("signal received; shutting down", log.String("signal", sig.String()))
				cancel()
				if err := d.Shutdown(context.Background()); err != nil {
					logger.Error("shutdown error", log.Error(err))
				}
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	root.Flags().StringVar(&listenAddr, "listen", "", "Control-plane listen address")
	root.Flags().StringVar(&pipelinesDir, "pipelines-dir", "", "Directory holding pipeline subdirectories")
	root.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the database, logs and caches")
	root.Flags().StringVar(&backendType, "backend", "", "Execution backend (docker, kubernetes)")
	root.Flags().BoolVar(&devMode, "dev", false, "Development mode: tolerate a missing FASTFLOW_SECRET_KEY")

	root.AddCommand(newVersionCmd(), newGenKeyCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fastflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a vault master key for FASTFLOW_SECRET_KEY",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}
