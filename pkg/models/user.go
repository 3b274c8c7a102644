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

// Role is a user's coarse access tier.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleUser    Role = "user"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

// ValidRole reports whether s is a member of the role enumeration.
func ValidRole(s string) bool {
	switch Role(s) {
	case RoleViewer, RoleUser, RoleAnalyst, RoleAdmin:
		return true
	}
	return false
}

// Permission names a coarse capability a principal may hold.
type Permission string

const (
	PermReadLogs    Permission = "read_logs"
	PermIngestLogs  Permission = "ingest_logs"
	PermReadML      Permission = "read_ml"
	PermManageUsers Permission = "manage_users"
)

// DefaultPermissions returns the permission set a role implies. Explicit
// per-user permissions override this set.
func DefaultPermissions(role Role) []Permission {
	switch role {
	case RoleViewer:
		return []Permission{PermReadLogs}
	case RoleUser:
		return []Permission{PermReadLogs, PermIngestLogs}
	case RoleAnalyst:
		return []Permission{PermReadLogs, PermIngestLogs, PermReadML}
	case RoleAdmin:
		return []Permission{PermReadLogs, PermIngestLogs, PermReadML, PermManageUsers}
	default:
		return nil
	}
}

// User is an identity principal. PasswordHash never leaves the auth
// component; UserView is the transport shape.
type User struct {
	UserID       string       `json:"user_id" db:"user_id"`
	Username     string       `json:"username" db:"username"`
	Email        string       `json:"email" db:"email"`
	PasswordHash string       `json:"-" db:"password_hash"`
	Role         Role         `json:"role" db:"role"`
	Permissions  []Permission `json:"permissions" db:"-"`
	IsActive     bool         `json:"is_active" db:"is_active"`
	IsVerified   bool         `json:"is_verified" db:"is_verified"`
	LastLogin    *time.Time   `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// EffectivePermissions returns the explicit permission set when present,
// falling back to the role default.
func (u *User) EffectivePermissions() []Permission {
	if len(u.Permissions) > 0 {
		return u.Permissions
	}
	return DefaultPermissions(u.Role)
}

// HasPermission reports whether the user's effective set contains p.
func (u *User) HasPermission(p Permission) bool {
	for _, have := range u.EffectivePermissions() {
		if have == p {
			return true
		}
	}
	return false
}

// View strips credential material for transport.
func (u *User) View() *UserView {
	return &UserView{
		UserID:      u.UserID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		Permissions: u.EffectivePermissions(),
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
		LastLogin:   u.LastLogin,
		CreatedAt:   u.CreatedAt,
	}
}

// UserView is the client-facing projection of a user.
type UserView struct {
	UserID      string       `json:"user_id"`
	Username    string       `json:"username"`
	Email       string       `json:"email"`
	Role        Role         `json:"role"`
	Permissions []Permission `json:"permissions"`
	IsActive    bool         `json:"is_active"`
	IsVerified  bool         `json:"is_verified"`
	LastLogin   *time.Time   `json:"last_login,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}
