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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tombee/fastflow/internal/daemon/httputil"
	"github.com/tombee/fastflow/internal/scheduler"
	"github.com/tombee/fastflow/internal/store"
)

// SchedulesHandler serves scheduled-job CRUD. Mutations go through the
// scheduler so live registrations stay aligned with the rows.
type SchedulesHandler struct {
	sched *scheduler.Scheduler
}

// NewSchedulesHandler creates a schedules API handler.
func NewSchedulesHandler(sched *scheduler.Scheduler) *SchedulesHandler {
	return &SchedulesHandler{sched: sched}
}

// RegisterRoutes registers schedule endpoints on the mux.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/schedules", h.handleList)
	mux.HandleFunc("POST /v1/schedules", h.handleCreate)
	mux.HandleFunc("PATCH /v1/schedules/{id}", h.handlePatch)
	mux.HandleFunc("DELETE /v1/schedules/{id}", h.handleDelete)
}

func (h *SchedulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.sched.List(r.Context(), r.URL.Query().Get("pipeline"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

func (h *SchedulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var job store.ScheduledJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	// API-created rows are always api-sourced, whatever the caller
	// claims: pipeline_json rows belong to the metadata mirror.
	job.Source = store.SourceAPI
	job.Enabled = true

	if err := h.sched.Create(r.Context(), &job); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &job)
}

type scheduleEnableBody struct {
	Enabled *bool `json:"enabled"`
}

func (h *SchedulesHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body scheduleEnableBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		httputil.WriteError(w, http.StatusBadRequest, "body must carry an enabled flag")
		return
	}
	if err := h.sched.SetEnabled(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

func (h *SchedulesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Delete(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
