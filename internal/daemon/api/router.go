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

// Package api provides the control-plane HTTP surface: a thin layer
// over the orchestrator, scheduler, vault and store. Handlers translate
// HTTP to core calls and core errors back to status codes; no pipeline
// logic lives here.
package api

import (
	"net/http"

	"github.com/tombee/fastflow/internal/daemon/httputil"
)

// RouterConfig holds build-time identity for the version endpoint.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// LiveCounter reports the number of live runs for the health endpoint.
type LiveCounter interface {
	LiveCount() int
}

// Router wraps an http.ServeMux with the health and version endpoints.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	live   LiveCounter
}

// NewRouter creates a router with the baseline endpoints registered.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
	}

	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /{$}", r.handleRoot)

	return r
}

// SetLiveCounter wires the orchestrator into the health endpoint.
func (r *Router) SetLiveCounter(lc LiveCounter) {
	r.live = lc
}

// SetMetricsHandler registers the Prometheus endpoint.
func (r *Router) SetMetricsHandler(h http.Handler) {
	if h != nil {
		r.mux.Handle("GET /metrics", h)
	}
}

// Mux returns the underlying ServeMux for registering resource routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "fastflowd",
		"version": r.config.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if r.live != nil {
		resp["live_runs"] = r.live.LiveCount()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
