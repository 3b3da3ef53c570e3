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

// Package httputil carries the JSON response helpers shared by every
// API handler, including the mapping from the core's error kinds to
// HTTP status codes.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code
// and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErrorFrom maps a core error to its HTTP status and writes it.
func WriteErrorFrom(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), err.Error())
}

// StatusFor maps the core's error kinds onto HTTP status codes.
// Unrecognised errors are internal.
func StatusFor(err error) int {
	switch {
	case fferrors.IsNotFound(err):
		return http.StatusNotFound
	case fferrors.IsValidation(err):
		return http.StatusBadRequest
	case fferrors.IsDisabled(err):
		return http.StatusConflict
	case fferrors.IsConcurrencyLimit(err):
		return http.StatusTooManyRequests
	case fferrors.IsInfrastructure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
