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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tombee/fastflow/internal/daemon/httputil"
	"github.com/tombee/fastflow/internal/discovery"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Preheater warms one pipeline's dependency cache.
type Preheater interface {
	Preheat(ctx context.Context, p *discovery.Pipeline) (bool, string)
}

// PipelinesHandler serves pipeline listings, metadata mutation and
// manual cache warmups.
type PipelinesHandler struct {
	disc   *discovery.Service
	store  *store.Store
	heater Preheater
}

// NewPipelinesHandler creates a pipelines API handler.
func NewPipelinesHandler(disc *discovery.Service, st *store.Store, heater Preheater) *PipelinesHandler {
	return &PipelinesHandler{disc: disc, store: st, heater: heater}
}

// RegisterRoutes registers pipeline endpoints on the mux.
func (h *PipelinesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pipelines", h.handleList)
	mux.HandleFunc("GET /v1/pipelines/{name}", h.handleGet)
	mux.HandleFunc("PATCH /v1/pipelines/{name}", h.handlePatch)
	mux.HandleFunc("POST /v1/pipelines/{name}/preheat", h.handlePreheat)
}

// pipelineView joins on-disk metadata with the persisted statistics row.
type pipelineView struct {
	*discovery.Pipeline
	Stats *store.Pipeline `json:"stats,omitempty"`
}

func (h *PipelinesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	pipelines, err := h.disc.Discover(r.Context(), force)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	stats, err := h.store.ListPipelines(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	byName := make(map[string]*store.Pipeline, len(stats))
	for _, p := range stats {
		byName[p.Name] = p
	}

	views := make([]pipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		views = append(views, pipelineView{Pipeline: p, Stats: byName[p.Name]})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pipelines": views})
}

func (h *PipelinesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	p, err := h.disc.Get(r.Context(), name)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	stats, err := h.store.GetPipeline(r.Context(), name)
	if err != nil && !fferrors.IsNotFound(err) {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pipelineView{Pipeline: p, Stats: stats})
}

// patchBody mutates the on-disk metadata. Pointer fields distinguish
// "leave alone" from "set to zero value".
type patchBody struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	WebhookKey *string `json:"webhook_key,omitempty"`
}

func (h *PipelinesHandler) handlePatch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.Enabled == nil && body.WebhookKey == nil {
		httputil.WriteError(w, http.StatusBadRequest, "nothing to change: set enabled and/or webhook_key")
		return
	}

	if body.Enabled != nil {
		if err := h.disc.SetEnabled(r.Context(), name, *body.Enabled); err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
	}
	if body.WebhookKey != nil {
		if err := h.disc.SetWebhookKey(r.Context(), name, *body.WebhookKey); err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
	}

	p, err := h.disc.Get(r.Context(), name)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PipelinesHandler) handlePreheat(w http.ResponseWriter, r *http.Request) {
	p, err := h.disc.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}

	ok, message := h.heater.Preheat(r.Context(), p)
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	httputil.WriteJSON(w, status, map[string]any{
		"ok":      ok,
		"message": message,
	})
}
