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
	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/store"
)

// TriggersHandler serves downstream-trigger CRUD. Rows here are the
// store-side half of trigger resolution; metadata-declared triggers are
// read-only through the pipelines API.
type TriggersHandler struct {
	store *store.Store
	disc  *discovery.Service
}

// NewTriggersHandler creates a triggers API handler.
func NewTriggersHandler(st *store.Store, disc *discovery.Service) *TriggersHandler {
	return &TriggersHandler{store: st, disc: disc}
}

// RegisterRoutes registers trigger endpoints on the mux.
func (h *TriggersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/triggers", h.handleList)
	mux.HandleFunc("POST /v1/triggers", h.handleCreate)
	mux.HandleFunc("PATCH /v1/triggers/{id}", h.handlePatch)
	mux.HandleFunc("DELETE /v1/triggers/{id}", h.handleDelete)
}

func (h *TriggersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.ListDownstreamTriggers(r.Context(), r.URL.Query().Get("upstream"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (h *TriggersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var t store.DownstreamTrigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	t.Enabled = true

	// Both ends must exist; a trigger naming a missing pipeline would
	// just fail silently at resolution time.
	if _, err := h.disc.Get(r.Context(), t.Upstream); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if _, err := h.disc.Get(r.Context(), t.Downstream); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	if err := h.store.CreateDownstreamTrigger(r.Context(), &t); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, &t)
}

type triggerEnableBody struct {
	Enabled *bool `json:"enabled"`
}

func (h *TriggersHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body triggerEnableBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		httputil.WriteError(w, http.StatusBadRequest, "body must carry an enabled flag")
		return
	}
	if err := h.store.SetDownstreamTriggerEnabled(r.Context(), r.PathValue("id"), *body.Enabled); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

func (h *TriggersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDownstreamTrigger(r.Context(), r.PathValue("id")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
