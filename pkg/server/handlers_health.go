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

	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/server/response"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"row_store":   "up",
		"index_store": "up",
	}
	status := "healthy"

	if err := s.rowCheck(r.Context()); err != nil {
		services["row_store"] = "down"
		status = "degraded"
	}
	if _, err := s.query.IndexDocCount(); err != nil {
		services["index_store"] = "down"
		status = "degraded"
	}
	services["analyzer"] = s.ml.PipelineStatus(r.Context()).MLSystem

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	response.WriteJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

// handleLiveness answers as long as the process serves requests.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

// handleReadiness gates on the row store only; the index and cache degrade
// gracefully and should not pull the instance out of rotation.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.rowCheck(r.Context()); err != nil {
		response.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// handleReindex re-derives the search index from the row store.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	indexed, err := s.query.Rebuild(r.Context(), 500)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	s.logger.Info("search index rebuilt via admin request",
		zap.Int64("documents", indexed),
		zap.String("principal_id", ClaimsFrom(r.Context()).Subject),
	)
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":           "index rebuilt",
		"documents_indexed": indexed,
	})
}

// handleAdminStatus reports per-component state for operators.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	report := map[string]interface{}{
		"row_store":   "up",
		"index_store": "up",
		"environment": s.cfg.Environment,
	}

	if err := s.rowCheck(r.Context()); err != nil {
		report["row_store"] = "down"
	}
	if count, err := s.query.IndexDocCount(); err != nil {
		report["index_store"] = "down"
	} else {
		report["index_documents"] = count
	}

	ml := s.ml.PipelineStatus(r.Context())
	report["analyzer"] = map[string]interface{}{
		"ml_system":          ml.MLSystem,
		"last_prediction_at": ml.LastPredictionAt,
		"total_predictions":  ml.TotalPredictions,
	}
	response.WriteJSON(w, http.StatusOK, report)
}
