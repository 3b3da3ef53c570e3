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

// Package backup ships run artifacts to object storage before the
// cleanup sweeper deletes them locally. It implements the sweeper's
// Uploader port on top of S3-compatible storage; bucket, prefix and
// region come from the persisted settings document so operators can
// repoint backups without a restart.
package backup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tombee/fastflow/internal/cleanup"
	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/resilience"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Config carries the deploy-time knobs. Bucket, prefix and region are
// deliberately absent: those live in settings and are re-read on every
// sweep.
type Config struct {
	// Endpoint overrides the S3 endpoint for MinIO and friends. Empty
	// means AWS.
	Endpoint string

	// UsePathStyle forces path-style addressing, required by most
	// self-hosted S3 implementations.
	UsePathStyle bool

	// PutTimeout bounds a single object upload including retries.
	// Default: 1m
	PutTimeout time.Duration

	// Retry bounds the backoff loop around each upload.
	Retry resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PutTimeout <= 0 {
		c.PutTimeout = time.Minute
	}
	return c
}

// SettingsFunc returns the current settings document. nil settings mean
// nothing has been persisted yet.
type SettingsFunc func(ctx context.Context) (*store.Settings, error)

// objectPutter is the slice of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader copies run logs and metrics into a bucket keyed by
// pipeline and run ID. It satisfies cleanup.Uploader: only runs whose
// artifacts all made it upstream are reported back for local deletion.
type S3Uploader struct {
	cfg      Config
	settings SettingsFunc
	breaker  *resilience.Breaker
	logger   *slog.Logger

	mu     sync.Mutex
	client objectPutter
	region string
}

// New builds an uploader. The S3 client is constructed lazily on first
// use so a daemon with backups disabled never touches the AWS config
// chain.
func New(cfg Config, settings SettingsFunc, breaker *resilience.Breaker, logger *slog.Logger) *S3Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Uploader{
		cfg:      cfg.withDefaults(),
		settings: settings,
		breaker:  breaker,
		logger:   log.WithComponent(logger, "backup"),
	}
}

// Upload implements cleanup.Uploader. When backups are disabled in
// settings every run is reported as uploaded so retention is not gated
// on a feature the operator turned off. Per-run failures are logged and
// withheld from the result; the sweeper keeps those artifacts and the
// next sweep tries again.
func (u *S3Uploader) Upload(ctx context.Context, items []cleanup.Artifact) (map[string]bool, error) {
	st, err := u.settings(ctx)
	if err != nil {
		return nil, err
	}

	uploaded := make(map[string]bool, len(items))
	if st == nil || !st.BackupEnabled || st.BackupBucket == "" {
		for _, item := range items {
			uploaded[item.Run.ID] = true
		}
		return uploaded, nil
	}

	client, err := u.clientFor(ctx, st.BackupRegion)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		if u.uploadRun(ctx, client, st, item) {
			uploaded[item.Run.ID] = true
		}
	}
	return uploaded, nil
}

// uploadRun ships every artifact the run still has on disk. Missing
// files are fine; a run that never started has nothing to preserve.
func (u *S3Uploader) uploadRun(ctx context.Context, client objectPutter, st *store.Settings, item cleanup.Artifact) bool {
	for _, local := range []string{item.LogPath, item.MetricsPath} {
		if local == "" {
			continue
		}
		if _, err := os.Stat(local); errors.Is(err, os.ErrNotExist) {
			continue
		}
		key := objectKey(st.BackupPrefix, item.Run.Pipeline, item.Run.ID, local)
		if err := u.putFile(ctx, client, st.BackupBucket, key, local); err != nil {
			u.logger.Warn("artifact upload failed; keeping run local",
				log.String("run_id", item.Run.ID),
				log.String("pipeline", item.Run.Pipeline),
				log.String("key", key),
				log.Error(err),
			)
			return false
		}
	}
	return true
}

// putFile uploads one file, re-opening it on every attempt so retries
// never send a drained reader.
func (u *S3Uploader) putFile(ctx context.Context, client objectPutter, bucket, key, local string) error {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.PutTimeout)
	defer cancel()

	return resilience.Retry(ctx, u.cfg.Retry, u.logger, "s3 put", func() error {
		return u.breaker.Do(ctx, "put object", func() error {
			f, err := os.Open(local)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
				Body:   f,
			})
			if err != nil {
				return &fferrors.InfrastructureError{
					Component: resilience.ComponentObjectStorage,
					Op:        "put object",
					Cause:     err,
				}
			}
			return nil
		})
	})
}

// clientFor returns the cached client, rebuilding it when the settings
// region changed since the last sweep.
func (u *S3Uploader) clientFor(ctx context.Context, region string) (objectPutter, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.client != nil && u.region == region {
		return u.client, nil
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &fferrors.InfrastructureError{
			Component: resilience.ComponentObjectStorage,
			Op:        "load aws config",
			Cause:     err,
		}
	}

	u.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if u.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(u.cfg.Endpoint)
		}
		o.UsePathStyle = u.cfg.UsePathStyle
	})
	u.region = region
	return u.client, nil
}

// objectKey lays artifacts out as <prefix>/<pipeline>/<run-id>/<file>.
func objectKey(prefix, pipeline, runID, local string) string {
	return path.Join(prefix, pipeline, runID, filepath.Base(local))
}
