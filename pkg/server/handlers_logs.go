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
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/ingest"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/server/response"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Logs []*models.LogEntry `json:"logs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	summary, err := s.ingest.Ingest(r.Context(), req.Logs)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	var perEntryErrors []ingest.EntryOutcome
	for _, res := range summary.Results {
		if !res.Stored {
			perEntryErrors = append(perEntryErrors, res)
		}
	}
	body := map[string]interface{}{
		"ingested_count": summary.Stored,
		"failed_count":   summary.Rejected,
	}
	if len(perEntryErrors) > 0 {
		body["per_entry_errors"] = perEntryErrors
	}
	if summary.IndexFailed > 0 {
		body["index_failed"] = summary.IndexFailed
	}
	response.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseSearchParams(r)
	if err != nil {
		response.WriteError(w, err)
		return
	}

	result, err := s.query.Search(r.Context(), filter, page)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":        result.Entries,
		"total_count": result.Total,
		"limit":       result.Limit,
		"offset":      result.Offset,
	})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	entry, err := s.query.GetLog(r.Context(), chi.URLParam(r, "external_id"))
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"log": entry})
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	value := r.URL.Query().Get("value")
	if key == "" || value == "" {
		response.WriteErrorKind(w, errors.KindMissingFields,
			"key and value query parameters are required",
			map[string]interface{}{"fields": []string{"key", "value"}})
		return
	}
	limit := parseIntParam(r, "limit", models.MaxPageSize)

	entries, err := s.query.Correlate(r.Context(), key, value, limit)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":              entries,
		"correlation_key":   key,
		"correlation_value": value,
		"count":             len(entries),
		"limit":             limit,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	filter := &models.SearchFilter{}
	if raw := r.URL.Query().Get("start_time"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			response.WriteError(w, err)
			return
		}
		filter.StartTime = &t
	}
	if raw := r.URL.Query().Get("end_time"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			response.WriteError(w, err)
			return
		}
		filter.EndTime = &t
	}
	start, end := filter.TimeBounds(time.Now().UTC())

	stats, err := s.query.Stats(r.Context(), start, end)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, stats)
}

func parseSearchParams(r *http.Request) (*models.SearchFilter, models.Page, error) {
	q := r.URL.Query()
	filter := &models.SearchFilter{
		TextQuery:     q.Get("q"),
		Host:          q.Get("host"),
		Service:       q.Get("service"),
		RequestID:     q.Get("request_id"),
		SessionID:     q.Get("session_id"),
		CorrelationID: q.Get("correlation_id"),
		IPAddress:     q.Get("ip_address"),
	}

	if raw := q.Get("source_type"); raw != "" {
		if !models.ValidSourceType(raw) {
			return nil, models.Page{}, errors.Newf(errors.KindValidationFailed,
				"source_type %q is not valid", raw)
		}
		filter.SourceType = models.SourceType(raw)
	}
	if raw := q.Get("level"); raw != "" {
		if !models.ValidLevel(raw) {
			return nil, models.Page{}, errors.Newf(errors.KindValidationFailed,
				"level %q is not valid", raw)
		}
		filter.Level = models.Level(raw)
	}
	if raw := q.Get("start_time"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, models.Page{}, err
		}
		filter.StartTime = &t
	}
	if raw := q.Get("end_time"); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, models.Page{}, err
		}
		filter.EndTime = &t
	}
	if raw := q.Get("is_anomaly"); raw != "" {
		flag, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, models.Page{}, errors.New(errors.KindValidationFailed,
				"is_anomaly must be a boolean")
		}
		filter.IsAnomaly = &flag
	}

	page := models.Page{
		Limit:  parseIntParam(r, "limit", models.DefaultPageSize),
		Offset: parseIntParam(r, "offset", 0),
	}.Normalize()
	return filter, page, nil
}

// parseIntParam returns the fallback on absent or unparseable values;
// bounds are enforced downstream by Page.Normalize or the repository.
func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func parseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Newf(errors.KindValidationFailed,
			"%q is not a valid ISO-8601 timestamp", raw)
	}
	return t.UTC(), nil
}
