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

package models

import "time"

// MaxPageSize is the hard cap on result page size; larger requests are
// clamped, not rejected.
const MaxPageSize = 1000

// DefaultPageSize applies when the caller omits a limit.
const DefaultPageSize = 100

// SearchFilter carries the optional predicates of a log search. A non-empty
// TextQuery makes the filter index-eligible (scored relevance).
type SearchFilter struct {
	SourceType SourceType `json:"source_type,omitempty"`
	Level      Level      `json:"level,omitempty"`
	Host       string     `json:"host,omitempty"`
	Service    string     `json:"service,omitempty"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	IsAnomaly *bool  `json:"is_anomaly,omitempty"`
	TextQuery string `json:"q,omitempty"`

	RequestID     string `json:"request_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
}

// HasText reports whether the filter needs scored full-text matching.
func (f *SearchFilter) HasText() bool { return f.TextQuery != "" }

// TimeBounds resolves the filter's effective window: missing upper bound is
// now, missing lower bound is 24 hours before the upper bound. Explicit
// values always win.
func (f *SearchFilter) TimeBounds(now time.Time) (start, end time.Time) {
	end = now
	if f.EndTime != nil {
		end = *f.EndTime
	}
	start = end.Add(-24 * time.Hour)
	if f.StartTime != nil {
		start = *f.StartTime
	}
	return start, end
}

// Page is limit/offset pagination. Normalize clamps to the documented
// bounds instead of erroring.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize returns a copy with limit clamped to (0, MaxPageSize] and a
// non-negative offset.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// AggregateStats is the statistics shape served over a time window. Totals
// by level and source always sum to TotalLogs over the same window.
type AggregateStats struct {
	TotalLogs         int64            `json:"total_logs"`
	LogsByLevel       map[Level]int64  `json:"logs_by_level"`
	LogsBySource      map[string]int64 `json:"logs_by_source"`
	AnomalyCount      int64            `json:"anomaly_count"`
	ErrorCount        int64            `json:"error_count"`
	AnomalyRate       float64          `json:"anomaly_rate"`
	ErrorRate         float64          `json:"error_rate"`
	AvgResponseTimeMs *float64         `json:"avg_response_time_ms,omitempty"`
}
