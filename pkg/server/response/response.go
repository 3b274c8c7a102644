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

// Package response writes the common API envelope. This is the only place
// domain errors are translated to HTTP status codes.
package response

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loglens/loglens/pkg/errors"
)

// Envelope is the body shape of every API response.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ErrorBody is the error half of the envelope. Code is one of the stable
// error kinds; Message is written for the API consumer.
type ErrorBody struct {
	Code    errors.Kind            `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// WriteJSON sends a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   true,
		Data:      data,
		Timestamp: timestamp(),
	})
}

// WriteError sends an error envelope with the status the error's kind maps
// to. Wrapped causes never serialize; only the client-facing message and
// details do.
func WriteError(w http.ResponseWriter, err error) {
	domainErr := errors.AsError(err)
	WriteErrorKind(w, domainErr.Kind, domainErr.Message, domainErr.Details)
}

// WriteErrorKind sends an error envelope for an explicit kind.
func WriteErrorKind(w http.ResponseWriter, kind errors.Kind, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    kind,
			Message: message,
			Details: details,
		},
		Timestamp: timestamp(),
	})
}
