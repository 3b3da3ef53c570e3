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
	"github.com/tombee/fastflow/internal/store"
	"github.com/tombee/fastflow/internal/vault"
)

// SettingsHandler serves the singleton settings document. The git token
// travels in plaintext only inside a PUT body; it is encrypted before
// the row is written and never echoed back.
type SettingsHandler struct {
	store *store.Store
	vault *vault.Vault

	// onChanged hooks run after a successful save (scheduler/cleanup
	// pick up new knobs on their own; the notifier endpoint and git
	// wiring read settings per use, so nothing re-assembles).
	onChanged []func()
}

// NewSettingsHandler creates a settings API handler.
func NewSettingsHandler(st *store.Store, v *vault.Vault, onChanged ...func()) *SettingsHandler {
	return &SettingsHandler{store: st, vault: v, onChanged: onChanged}
}

// RegisterRoutes registers settings endpoints on the mux.
func (h *SettingsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/settings", h.handleGet)
	mux.HandleFunc("PUT /v1/settings", h.handlePut)
}

// settingsView is the read shape: the ciphertext is withheld, its
// presence surfaced as a flag.
type settingsView struct {
	store.Settings
	GitTokenSet bool `json:"git_token_set"`
}

// settingsPut is the write shape: settings plus an optional plaintext
// token. An absent token keeps the stored one; an explicit empty string
// clears it.
type settingsPut struct {
	store.Settings
	GitToken *string `json:"git_token,omitempty"`
}

func (h *SettingsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if settings == nil {
		settings = &store.Settings{}
	}
	view := settingsView{Settings: *settings, GitTokenSet: settings.GitTokenCiphertext != ""}
	view.GitTokenCiphertext = ""
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *SettingsHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	var body settingsPut
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	settings := body.Settings
	switch {
	case body.GitToken == nil:
		// Keep whatever is stored.
		current, err := h.store.GetSettings(r.Context())
		if err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
		if current != nil {
			settings.GitTokenCiphertext = current.GitTokenCiphertext
		}
	case *body.GitToken == "":
		settings.GitTokenCiphertext = ""
	default:
		ciphertext, err := h.vault.EncryptString(*body.GitToken)
		if err != nil {
			httputil.WriteErrorFrom(w, err)
			return
		}
		settings.GitTokenCiphertext = ciphertext
	}

	if err := h.store.SaveSettings(r.Context(), &settings); err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	for _, fn := range h.onChanged {
		fn()
	}

	view := settingsView{Settings: settings, GitTokenSet: settings.GitTokenCiphertext != ""}
	view.GitTokenCiphertext = ""
	httputil.WriteJSON(w, http.StatusOK, view)
}
