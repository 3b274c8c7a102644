/*
Copyright 2025 The LogLens Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/server/response"
)

// handleML serves the action-style ML endpoint. "status" is an open probe;
// every other action requires an authenticated principal.
func (s *Server) handleML(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "status":
		response.WriteJSON(w, http.StatusOK, s.ml.PipelineStatus(r.Context()))

	case "analyze":
		if ClaimsFrom(r.Context()) == nil {
			response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
			return
		}
		logID := r.URL.Query().Get("log_id")
		limit := parseIntParam(r, "limit", models.DefaultPageSize)

		report, err := s.ml.Analyze(r.Context(), logID, limit)
		if err != nil {
			response.WriteError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, report)

	default:
		response.WriteErrorKind(w, errors.KindValidationFailed,
			"action must be one of: analyze, status", nil)
	}
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	if ClaimsFrom(r.Context()) == nil {
		response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
		return
	}

	prediction, err := s.ml.GetPrediction(r.Context(), chi.URLParam(r, "external_id"))
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"prediction": prediction})
}

func (s *Server) handleMLAnalytics(w http.ResponseWriter, r *http.Request) {
	if ClaimsFrom(r.Context()) == nil {
		response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
		return
	}

	rollup, err := s.ml.AnalyticsRollup(r.Context())
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, rollup)
}
