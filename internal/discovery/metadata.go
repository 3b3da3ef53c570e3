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

package discovery

import (
	"encoding/json"
	"strings"

	"github.com/tombee/fastflow/internal/retrypolicy"
)

// Pipeline entry kinds.
const (
	TypeScript   = "script"
	TypeNotebook = "notebook"
)

// Metadata is the normalised form of a pipeline's metadata file. Absent
// files and malformed JSON both resolve to DefaultMetadata(), so a
// pipeline directory with just a main.py is runnable as-is.
type Metadata struct {
	Type          string `json:"type"`
	PythonVersion string `json:"python_version,omitempty"`
	Enabled       bool   `json:"enabled"`

	// Resource limits. CPU in cores; memory in human-readable units
	// ("512m", "2g") parsed by the backend at submit time. Soft limits
	// are monitored, never enforced.
	CPUHardLimit float64 `json:"cpu_hard_limit,omitempty"`
	MemHardLimit string  `json:"mem_hard_limit,omitempty"`
	CPUSoftLimit float64 `json:"cpu_soft_limit,omitempty"`
	MemSoftLimit string  `json:"mem_soft_limit,omitempty"`

	// Timeout in seconds. 0 means unbounded (daemon pipeline); nil means
	// inherit the global default.
	Timeout *int `json:"timeout,omitempty"`

	RetryAttempts int                   `json:"retry_attempts,omitempty"`
	RetryStrategy *retrypolicy.Strategy `json:"retry_strategy,omitempty"`

	DefaultEnv   map[string]string `json:"default_env,omitempty"`
	EncryptedEnv map[string]string `json:"encrypted_env,omitempty"`

	// WebhookKey empty means webhooks are disabled.
	WebhookKey string `json:"webhook_key,omitempty"`

	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`

	// Schedule spec: exactly one of cron, interval or run-once is
	// normally set; the scheduler registers whichever are present.
	ScheduleCron            string `json:"schedule_cron,omitempty"`
	ScheduleIntervalSeconds int    `json:"schedule_interval_seconds,omitempty"`
	RunOnceAt               string `json:"run_once_at,omitempty"`
	ScheduleStart           string `json:"schedule_start,omitempty"`
	ScheduleEnd             string `json:"schedule_end,omitempty"`

	// Daemon policy for unbounded pipelines.
	RestartOnCrash  bool   `json:"restart_on_crash,omitempty"`
	RestartCooldown int    `json:"restart_cooldown,omitempty"`
	RestartInterval string `json:"restart_interval,omitempty"`

	MaxInstances int `json:"max_instances,omitempty"`

	DownstreamTriggers []TriggerSpec   `json:"downstream_triggers,omitempty"`
	Schedules          []NamedSchedule `json:"schedules,omitempty"`
	Cells              []CellSpec      `json:"cells,omitempty"`
}

// TriggerSpec is a downstream trigger declared in metadata.
type TriggerSpec struct {
	Pipeline    string `json:"pipeline"`
	OnSuccess   bool   `json:"on_success"`
	OnFailure   bool   `json:"on_failure"`
	RunConfigID string `json:"run_config_id,omitempty"`
}

// NamedSchedule is a per-schedule override block. A run submitted with a
// run_config_id picks up this schedule's limits, timeout, retry policy
// and env on top of the pipeline-level values.
type NamedSchedule struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`

	ScheduleCron            string `json:"schedule_cron,omitempty"`
	ScheduleIntervalSeconds int    `json:"schedule_interval_seconds,omitempty"`
	RunOnceAt               string `json:"run_once_at,omitempty"`
	ScheduleStart           string `json:"schedule_start,omitempty"`
	ScheduleEnd             string `json:"schedule_end,omitempty"`

	CPUHardLimit float64 `json:"cpu_hard_limit,omitempty"`
	MemHardLimit string  `json:"mem_hard_limit,omitempty"`
	CPUSoftLimit float64 `json:"cpu_soft_limit,omitempty"`
	MemSoftLimit string  `json:"mem_soft_limit,omitempty"`

	Timeout       *int                  `json:"timeout,omitempty"`
	RetryAttempts *int                  `json:"retry_attempts,omitempty"`
	RetryStrategy *retrypolicy.Strategy `json:"retry_strategy,omitempty"`

	DefaultEnv   map[string]string `json:"default_env,omitempty"`
	EncryptedEnv map[string]string `json:"encrypted_env,omitempty"`
}

// CellSpec is a notebook cell's retry default.
type CellSpec struct {
	Retries      int     `json:"retries,omitempty"`
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
}

// DefaultMetadata returns the metadata applied when no file exists or the
// file cannot be parsed.
func DefaultMetadata() Metadata {
	return Metadata{
		Type:    TypeScript,
		Enabled: true,
	}
}

// EntryFile returns the file that must exist for the pipeline to be
// discoverable.
func (m Metadata) EntryFile() string {
	if m.Type == TypeNotebook {
		return "main.ipynb"
	}
	return "main.py"
}

// Schedule returns the named schedule matching a run_config_id, checking
// IDs first and names second. Returns nil when no schedule matches.
func (m Metadata) Schedule(runConfigID string) *NamedSchedule {
	if runConfigID == "" {
		return nil
	}
	for i := range m.Schedules {
		if m.Schedules[i].ID == runConfigID {
			return &m.Schedules[i]
		}
	}
	for i := range m.Schedules {
		if m.Schedules[i].Name == runConfigID {
			return &m.Schedules[i]
		}
	}
	return nil
}

// rawMetadata is the tolerant unmarshal target. Fields that default to
// true are pointers so absence is distinguishable from false, and
// downstream triggers are raw so one malformed entry cannot poison the
// rest.
type rawMetadata struct {
	Type          string `json:"type"`
	PythonVersion string `json:"python_version"`
	Enabled       *bool  `json:"enabled"`

	CPUHardLimit float64 `json:"cpu_hard_limit"`
	MemHardLimit string  `json:"mem_hard_limit"`
	CPUSoftLimit float64 `json:"cpu_soft_limit"`
	MemSoftLimit string  `json:"mem_soft_limit"`

	Timeout       *int                  `json:"timeout"`
	RetryAttempts int                   `json:"retry_attempts"`
	RetryStrategy *retrypolicy.Strategy `json:"retry_strategy"`

	DefaultEnv   map[string]string `json:"default_env"`
	EncryptedEnv map[string]string `json:"encrypted_env"`

	WebhookKey  string   `json:"webhook_key"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`

	ScheduleCron            string `json:"schedule_cron"`
	ScheduleIntervalSeconds int    `json:"schedule_interval_seconds"`
	RunOnceAt               string `json:"run_once_at"`
	ScheduleStart           string `json:"schedule_start"`
	ScheduleEnd             string `json:"schedule_end"`

	RestartOnCrash  bool   `json:"restart_on_crash"`
	RestartCooldown int    `json:"restart_cooldown"`
	RestartInterval string `json:"restart_interval"`

	MaxInstances int `json:"max_instances"`

	DownstreamTriggers []json.RawMessage `json:"downstream_triggers"`
	Schedules          []NamedSchedule   `json:"schedules"`
	Cells              []CellSpec        `json:"cells"`
}

// rawTrigger accepts both key spellings seen in the wild for the
// downstream pipeline name.
type rawTrigger struct {
	Pipeline           string `json:"pipeline"`
	DownstreamPipeline string `json:"downstream_pipeline"`
	OnSuccess          *bool  `json:"on_success"`
	OnFailure          *bool  `json:"on_failure"`
	RunConfigID        string `json:"run_config_id"`
}

// parseMetadata decodes and normalises a metadata document. The returned
// warning is non-empty when the document was unusable and defaults were
// applied, or when individual fields were corrected.
func parseMetadata(data []byte) (Metadata, string) {
	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return DefaultMetadata(), "invalid metadata JSON: " + err.Error()
	}
	return raw.normalize()
}

func (raw rawMetadata) normalize() (Metadata, string) {
	var warning string

	m := Metadata{
		PythonVersion:           strings.TrimSpace(raw.PythonVersion),
		CPUHardLimit:            raw.CPUHardLimit,
		MemHardLimit:            strings.TrimSpace(raw.MemHardLimit),
		CPUSoftLimit:            raw.CPUSoftLimit,
		MemSoftLimit:            strings.TrimSpace(raw.MemSoftLimit),
		Timeout:                 raw.Timeout,
		RetryAttempts:           raw.RetryAttempts,
		RetryStrategy:           raw.RetryStrategy,
		DefaultEnv:              raw.DefaultEnv,
		EncryptedEnv:            raw.EncryptedEnv,
		WebhookKey:              strings.TrimSpace(raw.WebhookKey),
		Tags:                    raw.Tags,
		Description:             raw.Description,
		ScheduleCron:            strings.TrimSpace(raw.ScheduleCron),
		ScheduleIntervalSeconds: raw.ScheduleIntervalSeconds,
		RunOnceAt:               strings.TrimSpace(raw.RunOnceAt),
		ScheduleStart:           strings.TrimSpace(raw.ScheduleStart),
		ScheduleEnd:             strings.TrimSpace(raw.ScheduleEnd),
		RestartOnCrash:          raw.RestartOnCrash,
		RestartCooldown:         raw.RestartCooldown,
		RestartInterval:         strings.TrimSpace(raw.RestartInterval),
		MaxInstances:            raw.MaxInstances,
		Schedules:               raw.Schedules,
		Cells:                   raw.Cells,
	}

	// Type is a closed set; anything else falls back to script.
	switch strings.TrimSpace(raw.Type) {
	case "", TypeScript:
		m.Type = TypeScript
	case TypeNotebook:
		m.Type = TypeNotebook
	default:
		m.Type = TypeScript
		warning = "unknown pipeline type " + strings.TrimSpace(raw.Type) + ", treating as script"
	}

	m.Enabled = raw.Enabled == nil || *raw.Enabled

	// Named schedules are addressable by ID; fall back to the name.
	for i := range m.Schedules {
		if m.Schedules[i].ID == "" {
			m.Schedules[i].ID = m.Schedules[i].Name
		}
	}

	// Downstream triggers: drop anything that is not an object with a
	// non-empty downstream name; defaults are on_success only.
	for _, entry := range raw.DownstreamTriggers {
		var rt rawTrigger
		if err := json.Unmarshal(entry, &rt); err != nil {
			continue
		}
		name := strings.TrimSpace(rt.Pipeline)
		if name == "" {
			name = strings.TrimSpace(rt.DownstreamPipeline)
		}
		if name == "" {
			continue
		}
		m.DownstreamTriggers = append(m.DownstreamTriggers, TriggerSpec{
			Pipeline:    name,
			OnSuccess:   rt.OnSuccess == nil || *rt.OnSuccess,
			OnFailure:   rt.OnFailure != nil && *rt.OnFailure,
			RunConfigID: strings.TrimSpace(rt.RunConfigID),
		})
	}

	return m, warning
}
