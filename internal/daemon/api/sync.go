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

	"github.com/tombee/fastflow/internal/daemon/httputil"
	"github.com/tombee/fastflow/internal/gitsync"
)

// Syncer runs one git sync of the pipelines checkout.
type Syncer interface {
	Sync(ctx context.Context) (*gitsync.Result, error)
}

// SyncHandler exposes the operator-triggered git sync. Discovery
// invalidation and scheduler refresh hang off the syncer's OnSynced
// hooks, so one POST covers the whole sync-refresh-reconcile chain.
type SyncHandler struct {
	syncer Syncer
}

// NewSyncHandler creates a sync API handler.
func NewSyncHandler(s Syncer) *SyncHandler {
	return &SyncHandler{syncer: s}
}

// RegisterRoutes registers the sync endpoint on the mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sync", h.handleSync)
}

func (h *SyncHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncer.Sync(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
