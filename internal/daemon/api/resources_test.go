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

package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/fastflow/internal/store"
)

func TestSchedulesCRUD(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "nightly", nil)

	var job store.ScheduledJob
	rec := h.do(t, http.MethodPost, "/v1/schedules", map[string]any{
		"pipeline":      "nightly",
		"trigger_type":  "cron",
		"trigger_value": "0 2 * * *",
	}, &job)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, store.SourceAPI, job.Source)
	assert.True(t, job.Enabled)

	t.Run("list", func(t *testing.T) {
		var listing struct {
			Schedules []*store.ScheduledJob `json:"schedules"`
		}
		rec := h.do(t, http.MethodGet, "/v1/schedules?pipeline=nightly", nil, &listing)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, listing.Schedules, 1)
		assert.Equal(t, job.ID, listing.Schedules[0].ID)
	})

	t.Run("disable", func(t *testing.T) {
		enabled := false
		rec := h.do(t, http.MethodPatch, "/v1/schedules/"+job.ID, map[string]any{"enabled": &enabled}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		stored, err := h.st.GetScheduledJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.False(t, stored.Enabled)
	})

	t.Run("delete", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/v1/schedules/"+job.ID, nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = h.do(t, http.MethodDelete, "/v1/schedules/"+job.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestScheduleValidation(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "nightly", nil)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "unknown pipeline",
			body: map[string]any{"pipeline": "ghost", "trigger_type": "cron", "trigger_value": "* * * * *"},
			want: http.StatusNotFound,
		},
		{
			name: "missing pipeline",
			body: map[string]any{"trigger_type": "cron", "trigger_value": "* * * * *"},
			want: http.StatusBadRequest,
		},
		{
			name: "bad cron expression",
			body: map[string]any{"pipeline": "nightly", "trigger_type": "cron", "trigger_value": "not a cron"},
			want: http.StatusBadRequest,
		},
		{
			name: "one-shot in the past",
			body: map[string]any{"pipeline": "nightly", "trigger_type": "once", "trigger_value": "2001-01-01T00:00:00Z"},
			want: http.StatusBadRequest,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/schedules", tc.body, nil)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestTriggersCRUD(t *testing.T) {
	h := newHarness(t)
	h.addPipeline(t, "extract", nil)
	h.addPipeline(t, "load", nil)

	var trig store.DownstreamTrigger
	rec := h.do(t, http.MethodPost, "/v1/triggers", map[string]any{
		"upstream":   "extract",
		"downstream": "load",
		"on_success": true,
	}, &trig)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, trig.ID)
	assert.True(t, trig.Enabled)

	t.Run("missing endpoint rejected", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/v1/triggers", map[string]any{
			"upstream":   "extract",
			"downstream": "ghost",
			"on_success": true,
		}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list by upstream", func(t *testing.T) {
		var listing struct {
			Triggers []*store.DownstreamTrigger `json:"triggers"`
		}
		rec := h.do(t, http.MethodGet, "/v1/triggers?upstream=extract", nil, &listing)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, listing.Triggers, 1)
		assert.Equal(t, "load", listing.Triggers[0].Downstream)
	})

	t.Run("disable and delete", func(t *testing.T) {
		enabled := false
		rec := h.do(t, http.MethodPatch, "/v1/triggers/"+trig.ID, map[string]any{"enabled": &enabled}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, http.MethodDelete, "/v1/triggers/"+trig.ID, nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestSecretsCRUD(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPut, "/v1/secrets/env/DATABASE_URL", map[string]any{
		"value": "postgres://etl:hunter2@db/warehouse",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("list withholds values", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/v1/secrets", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "env/DATABASE_URL")
		assert.NotContains(t, rec.Body.String(), "hunter2")
	})

	t.Run("get decrypts", func(t *testing.T) {
		var got map[string]string
		rec := h.do(t, http.MethodGet, "/v1/secrets/env/DATABASE_URL", nil, &got)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "postgres://etl:hunter2@db/warehouse", got["value"])
	})

	t.Run("parameter flag round-trips", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v1/secrets/params/REGION", map[string]any{
			"value":        "eu-west-1",
			"is_parameter": true,
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"is_parameter":true`)
	})

	t.Run("delete", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/v1/secrets/env/DATABASE_URL", nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = h.do(t, http.MethodGet, "/v1/secrets/env/DATABASE_URL", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSettingsRoundTrip(t *testing.T) {
	h := newHarness(t)

	var view struct {
		store.Settings
		GitTokenSet bool `json:"git_token_set"`
	}
	rec := h.do(t, http.MethodGet, "/v1/settings", nil, &view)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, view.GitTokenSet)

	rec = h.do(t, http.MethodPut, "/v1/settings", map[string]any{
		"max_parallel_runs":  4,
		"log_retention_days": 14,
		"git_remote":         "https://github.com/acme/pipelines.git",
		"git_token":          "ghp_plaintext",
	}, &view)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, view.MaxParallelRuns)
	assert.True(t, view.GitTokenSet)
	assert.NotContains(t, rec.Body.String(), "ghp_plaintext")

	t.Run("token survives a tokenless update", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v1/settings", map[string]any{
			"max_parallel_runs": 8,
		}, &view)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 8, view.MaxParallelRuns)
		assert.True(t, view.GitTokenSet)

		stored, err := h.st.GetSettings(context.Background())
		require.NoError(t, err)
		token, err := h.vlt.DecryptString(stored.GitTokenCiphertext)
		require.NoError(t, err)
		assert.Equal(t, "ghp_plaintext", token)
	})

	t.Run("explicit empty token clears", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/v1/settings", map[string]any{
			"git_token": "",
		}, &view)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, view.GitTokenSet)
	})
}
