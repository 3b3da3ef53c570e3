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
	"time"

	"github.com/tombee/fastflow/internal/daemon/httputil"
	"github.com/tombee/fastflow/internal/vault"
)

// SecretsHandler serves vault CRUD. List never returns secret values;
// reading a single key decrypts it for the operator UI.
type SecretsHandler struct {
	vault *vault.Vault
}

// NewSecretsHandler creates a secrets API handler.
func NewSecretsHandler(v *vault.Vault) *SecretsHandler {
	return &SecretsHandler{vault: v}
}

// RegisterRoutes registers secret endpoints on the mux. Keys may
// contain slashes ("env/DATABASE_URL"), hence the trailing wildcard.
func (h *SecretsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/secrets", h.handleList)
	mux.HandleFunc("GET /v1/secrets/{key...}", h.handleGet)
	mux.HandleFunc("PUT /v1/secrets/{key...}", h.handlePut)
	mux.HandleFunc("DELETE /v1/secrets/{key...}", h.handleDelete)
}

// secretView is a listing entry: metadata only, values withheld.
type secretView struct {
	Key         string    `json:"key"`
	IsParameter bool      `json:"is_parameter"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (h *SecretsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	secrets, err := h.vault.List(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	views := make([]secretView, 0, len(secrets))
	for _, s := range secrets {
		views = append(views, secretView{
			Key:         s.Key,
			IsParameter: s.IsParameter,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"secrets": views})
}

func (h *SecretsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := h.vault.Get(r.Context(), key)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"key":   key,
		"value": value,
	})
}

type secretPutBody struct {
	Value       string `json:"value"`
	IsParameter bool   `json:"is_parameter"`
}

func (h *SecretsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var body secretPutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	key := r.PathValue("key")
	if err := h.vault.Set(r.Context(), key, body.Value, body.IsParameter); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"key":          key,
		"is_parameter": body.IsParameter,
	})
}

func (h *SecretsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.Delete(r.Context(), r.PathValue("key")); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
