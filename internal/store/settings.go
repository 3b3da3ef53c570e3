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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Settings is the runtime-mutable orchestrator configuration, persisted
// as one JSON document. Zero values mean "fall back to the static
// config".
type Settings struct {
	// MaxParallelRuns caps concurrently live runs across all pipelines.
	MaxParallelRuns int `json:"max_parallel_runs,omitempty"`

	// WorkerImage is the container image runs execute in.
	WorkerImage string `json:"worker_image,omitempty"`

	// LogRetentionDays ages out terminal runs and their log files.
	LogRetentionDays int `json:"log_retention_days,omitempty"`

	// PerPipelineKeepRuns keeps the newest N terminal runs per pipeline.
	PerPipelineKeepRuns int `json:"per_pipeline_keep_runs,omitempty"`

	// MaxLogSizeMB truncates log files larger than this during cleanup.
	MaxLogSizeMB int `json:"max_log_size_mb,omitempty"`

	// CleanupSchedule is the cron expression the cleanup job fires on.
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`

	// NotificationURL receives run-finished and soft-limit webhook
	// POSTs. Empty disables outbound notifications.
	NotificationURL string `json:"notification_url,omitempty"`

	// Git sync wiring. Token is stored encrypted by the vault.
	GitRemote          string `json:"git_remote,omitempty"`
	GitBranch          string `json:"git_branch,omitempty"`
	GitUsername        string `json:"git_username,omitempty"`
	GitTokenCiphertext string `json:"git_token_ciphertext,omitempty"`

	// Log backup wiring (object storage).
	BackupEnabled bool   `json:"backup_enabled,omitempty"`
	BackupBucket  string `json:"backup_bucket,omitempty"`
	BackupPrefix  string `json:"backup_prefix,omitempty"`
	BackupRegion  string `json:"backup_region,omitempty"`
}

// GetSettings returns the persisted settings document, or nil when none
// has been saved yet.
func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings replaces the persisted settings document.
func (s *Store) SaveSettings(ctx context.Context, settings *Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `INSERT INTO settings (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	_, err = s.exec(ctx, query, string(payload), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
