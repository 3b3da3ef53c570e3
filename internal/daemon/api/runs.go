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
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/tombee/fastflow/internal/daemon/httputil"
	"github.com/tombee/fastflow/internal/orchestrator"
	"github.com/tombee/fastflow/internal/store"
)

// RunsHandler serves run submission, inspection, cancellation and the
// SSE log/metric streams.
type RunsHandler struct {
	orc   *orchestrator.Orchestrator
	store *store.Store
}

// NewRunsHandler creates a runs API handler.
func NewRunsHandler(orc *orchestrator.Orchestrator, st *store.Store) *RunsHandler {
	return &RunsHandler{orc: orc, store: st}
}

// RegisterRoutes registers run endpoints on the mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/pipelines/{name}/runs", h.handleSubmit)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/health", h.handleHealth)
	mux.HandleFunc("GET /v1/runs/{id}/logs", h.handleLogs)
	mux.HandleFunc("GET /v1/runs/{id}/metrics", h.handleMetrics)
}

// submitBody is the optional request payload for a manual submission.
type submitBody struct {
	Env         map[string]string `json:"env,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	RunConfigID string            `json:"run_config_id,omitempty"`
}

func (h *RunsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}

	run, err := h.orc.Submit(r.Context(), orchestrator.SubmitRequest{
		Pipeline:    r.PathValue("name"),
		Env:         body.Env,
		Parameters:  body.Parameters,
		RunConfigID: body.RunConfigID,
		TriggeredBy: orchestrator.TriggerManual,
	})
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, run)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Pipeline: q.Get("pipeline"),
		Status:   store.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.orc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (h *RunsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	hs, err := h.orc.Health(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, hs)
}

// handleLogs streams a run's log lines as server-sent events. Live runs
// get the fan-out backlog followed by new lines until the run finalises;
// finished runs replay the persisted log file.
func (h *RunsHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	backlog, ch, cancel, live := h.orc.SubscribeLogs(id)
	if live {
		defer cancel()
		flusher, ok := sseStart(w)
		if !ok {
			return
		}
		for _, ev := range backlog {
			sseEvent(w, ev)
		}
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-ch:
				if !open {
					return
				}
				sseEvent(w, ev)
				flusher.Flush()
			}
		}
	}

	// Not live: the persisted file is complete (finalisation happens
	// strictly after stream drain).
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if run.LogFile == "" {
		httputil.WriteError(w, http.StatusNotFound, "run has no log file")
		return
	}
	h.replayFile(w, r, run.LogFile, func(line string) any {
		return map[string]string{"text": line}
	})
}

// handleMetrics streams a run's resource samples as server-sent events,
// falling back to the persisted JSONL file for finished runs.
func (h *RunsHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	backlog, ch, cancel, live := h.orc.SubscribeMetrics(id)
	if live {
		defer cancel()
		flusher, ok := sseStart(w)
		if !ok {
			return
		}
		for _, s := range backlog {
			sseEvent(w, s)
		}
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case s, open := <-ch:
				if !open {
					return
				}
				sseEvent(w, s)
				flusher.Flush()
			}
		}
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	if run.MetricsFile == "" {
		httputil.WriteError(w, http.StatusNotFound, "run has no metrics file")
		return
	}
	h.replayFile(w, r, run.MetricsFile, func(line string) any {
		// Metrics files are JSONL; pass samples through untouched.
		return json.RawMessage(line)
	})
}

// replayFile streams a persisted artifact line by line as SSE and
// closes the stream.
func (h *RunsHandler) replayFile(w http.ResponseWriter, r *http.Request, path string, wrap func(string) any) {
	f, err := os.Open(path)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "artifact file is gone")
		return
	}
	defer f.Close()

	flusher, ok := sseStart(w)
	if !ok {
		return
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if r.Context().Err() != nil {
			return
		}
		if line := scanner.Text(); line != "" {
			sseEvent(w, wrap(line))
		}
	}
	flusher.Flush()
}

// sseStart writes the event-stream preamble. A transport that cannot
// flush cannot carry SSE; those get a 500.
func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported by transport")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

// sseEvent writes one `data:` frame.
func sseEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
