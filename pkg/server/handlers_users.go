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
	"github.com/loglens/loglens/pkg/storage"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		response.WriteError(w, err)
		return
	}
	views := make([]*models.UserView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"users": views,
		"count": len(views),
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetByID(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"user": user.View()})
}

// adminUserUpdate is the admin-side partial update payload.
type adminUserUpdate struct {
	Email       *string             `json:"email,omitempty"`
	Role        *models.Role        `json:"role,omitempty"`
	Permissions []models.Permission `json:"permissions,omitempty"`
	IsActive    *bool               `json:"is_active,omitempty"`
	IsVerified  *bool               `json:"is_verified,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req adminUserUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := s.users.Update(r.Context(), chi.URLParam(r, "user_id"), &storage.UserUpdate{
		Email:       req.Email,
		Role:        req.Role,
		Permissions: req.Permissions,
		IsActive:    req.IsActive,
		IsVerified:  req.IsVerified,
	})
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"user": user.View()})
}

// handleDeleteUser removes an account. An admin deleting their own account
// is rejected, so the system cannot lose its last administrator by
// accident.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if claims := ClaimsFrom(r.Context()); claims != nil && claims.Subject == userID {
		response.WriteErrorKind(w, errors.KindValidationFailed,
			"administrators cannot delete their own account", nil)
		return
	}
	if err := s.users.Delete(r.Context(), userID); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": "user deleted"})
}

// handleUpdateSelf lets a user change their own email. Role, permissions,
// and activation are admin-only.
func (s *Server) handleUpdateSelf(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email *string `json:"email,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == nil {
		response.WriteErrorKind(w, errors.KindValidationFailed, "no fields to update", nil)
		return
	}

	claims := ClaimsFrom(r.Context())
	user, err := s.users.Update(r.Context(), claims.Subject, &storage.UserUpdate{Email: req.Email})
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"user": user.View()})
}

func (s *Server) handleDeleteSelf(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if claims.Role == models.RoleAdmin {
		response.WriteErrorKind(w, errors.KindValidationFailed,
			"administrators cannot delete their own account", nil)
		return
	}
	if err := s.users.Delete(r.Context(), claims.Subject); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"message": "account deleted"})
}
