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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/resilience"
	"github.com/tombee/fastflow/internal/store"
)

// Notifier delivers run lifecycle events. Implementations must never
// block finalisation on delivery problems; failures are logged and
// dropped.
type Notifier interface {
	// RunFinished fires once per terminal run. Retried failures stay
	// silent until the final attempt.
	RunFinished(ctx context.Context, run *store.Run)

	// SoftLimitBreached fires at most once per run, on the first metric
	// sample over a soft limit.
	SoftLimitBreached(ctx context.Context, run *store.Run, sample MetricPoint)
}

// LogNotifier writes events to the process log. It is the default when
// no notification URL is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: log.WithComponent(logger, "notify")}
}

// RunFinished implements Notifier.
func (n *LogNotifier) RunFinished(_ context.Context, run *store.Run) {
	n.logger.Info("run finished",
		log.String(log.RunIDKey, run.ID),
		log.String(log.PipelineKey, run.Pipeline),
		log.String("status", string(run.Status)),
		log.String("error_type", run.ErrorType))
}

// SoftLimitBreached implements Notifier.
func (n *LogNotifier) SoftLimitBreached(_ context.Context, run *store.Run, sample MetricPoint) {
	n.logger.Warn("soft resource limit exceeded",
		log.String(log.RunIDKey, run.ID),
		log.String(log.PipelineKey, run.Pipeline),
		log.Attr("cpu_percent", sample.CPUPercent),
		log.Attr("ram_mb", sample.RAMMB))
}

// WebhookNotifier POSTs JSON events to a configured endpoint. The URL
// is resolved per event so settings changes apply without a restart;
// an empty URL falls back to log-only delivery.
type WebhookNotifier struct {
	client   *http.Client
	endpoint func(ctx context.Context) string
	policy   resilience.RetryPolicy
	logger   *slog.Logger
	fallback *LogNotifier
}

// NewWebhookNotifier builds a notifier delivering over client to the
// URL endpoint returns at event time.
func NewWebhookNotifier(client *http.Client, endpoint func(ctx context.Context) string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	// Finalisation must not stall long on a dead endpoint.
	policy := resilience.DefaultRetryPolicy()
	policy.MaxElapsedTime = 30 * time.Second
	return &WebhookNotifier{
		client:   client,
		endpoint: endpoint,
		policy:   policy,
		logger:   log.WithComponent(logger, "notify"),
		fallback: NewLogNotifier(logger),
	}
}

type runFinishedEvent struct {
	Event string     `json:"event"`
	Run   *store.Run `json:"run"`
}

type softLimitEvent struct {
	Event    string      `json:"event"`
	RunID    string      `json:"run_id"`
	Pipeline string      `json:"pipeline"`
	Sample   MetricPoint `json:"sample"`
}

// RunFinished implements Notifier.
func (n *WebhookNotifier) RunFinished(ctx context.Context, run *store.Run) {
	n.fallback.RunFinished(ctx, run)
	n.deliver(ctx, runFinishedEvent{Event: "run_finished", Run: run})
}

// SoftLimitBreached implements Notifier.
func (n *WebhookNotifier) SoftLimitBreached(ctx context.Context, run *store.Run, sample MetricPoint) {
	n.fallback.SoftLimitBreached(ctx, run, sample)
	n.deliver(ctx, softLimitEvent{
		Event:    "soft_limit",
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		Sample:   sample,
	})
}

func (n *WebhookNotifier) deliver(ctx context.Context, event any) {
	url := n.endpoint(ctx)
	if url == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode notification", log.Error(err))
		return
	}

	err = resilience.Retry(ctx, n.policy, n.logger, "deliver notification", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("notification endpoint returned %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		n.logger.Warn("notification delivery failed", log.Error(err))
	}
}
