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
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/auth"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/server/response"
)

// maxBodyBytes caps request bodies; ingest batches are the largest legal
// payload.
const maxBodyBytes = 32 << 20

// decodeJSON reads the body into dest, reporting invalid_json on malformed
// payloads.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		response.WriteErrorKind(w, errors.KindInvalidJSON, "request body is not valid JSON", nil)
		return false
	}
	return true
}

// requireFields reports missing_fields listing every empty required field.
func requireFields(w http.ResponseWriter, fields map[string]string) bool {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return true
	}
	response.WriteErrorKind(w, errors.KindMissingFields,
		"required fields are missing",
		map[string]interface{}{"fields": missing})
	return false
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{"username": req.Username, "password": req.Password}) {
		return
	}

	user, tokens, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":   user.View(),
		"tokens": tokens,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{
		"username": req.Username, "email": req.Email, "password": req.Password,
	}) {
		return
	}

	user, err := s.auth.Register(r.Context(), &req)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, map[string]interface{}{"user": user.View()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{"refresh_token": req.RefreshToken}) {
		return
	}

	tokens, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"user": user.View()})
}

// handleLogout acknowledges the logout. Tokens are stateless, so there is
// nothing to revoke server-side; the event is still logged for auditing.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	s.logger.Info("user logged out", zap.String("principal_id", claims.Subject))
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": "logged out"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{
		"current_password": req.CurrentPassword, "new_password": req.NewPassword,
	}) {
		return
	}

	claims := ClaimsFrom(r.Context())
	if err := s.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": "password changed"})
}

// handlePasswordResetRequest always acknowledges, whether or not the email
// maps to an account. The reset token goes out through a delivery channel,
// never in the response.
func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{"email": req.Email}) {
		return
	}

	token, err := s.auth.RequestPasswordReset(r.Context(), req.Email)
	if err != nil {
		s.logger.Error("password reset request failed", zap.Error(err))
	} else if token != "" {
		// Delivery is an external collaborator; record that a token exists
		// without recording the token.
		s.logger.Info("password reset token issued")
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !requireFields(w, map[string]string{"token": req.Token, "new_password": req.NewPassword}) {
		return
	}

	if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": "password reset"})
}
