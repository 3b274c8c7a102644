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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// UserRepository handles PostgreSQL operations for the users table.
type UserRepository struct {
	db     *sqlx.DB
	logger logr.Logger
}

// NewUserRepository creates a new repository instance.
func NewUserRepository(db *sqlx.DB, logger logr.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

const userColumns = `
	user_id, username, email, password_hash, role, permissions,
	is_active, is_verified, last_login, created_at, updated_at`

// Create inserts a new user. Username and email collisions map to a conflict
// error.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	perms, err := marshalPermissions(user.Permissions)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO users (user_id, username, email, password_hash, role, permissions, is_active, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.Email, user.PasswordHash,
		string(user.Role), perms, user.IsActive, user.IsVerified,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.New(errors.KindConflict, "username or email is already taken")
		}
		return errors.Wrap(errors.KindStorageError, "failed to create user", err)
	}

	r.logger.V(1).Info("user created", "user_id", user.UserID, "role", user.Role)
	return nil
}

// GetByID returns the user or a not_found error.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getOne(ctx, "user_id = $1", userID)
}

// GetByUsername returns the user or a not_found error. The lookup is
// case-insensitive on the username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, "LOWER(username) = LOWER($1)", username)
}

// GetByEmail returns the user or a not_found error.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "LOWER(email) = LOWER($1)", email)
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE " + where

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, arg); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.New(errors.KindNotFound, "user not found")
		}
		return nil, errors.Wrap(errors.KindStorageError, "failed to fetch user", err)
	}
	return row.toModel()
}

// List returns all users ordered by creation time.
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	query := "SELECT " + userColumns + " FROM users ORDER BY created_at ASC"

	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(errors.KindStorageError, "failed to list users", err)
	}

	users := make([]*models.User, 0, len(rows))
	for i := range rows {
		user, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// UserUpdate carries the mutable fields of a user; nil means unchanged.
type UserUpdate struct {
	Email       *string
	Role        *models.Role
	Permissions []models.Permission
	IsActive    *bool
	IsVerified  *bool
}

// Update applies a partial update and returns the fresh row.
func (r *UserRepository) Update(ctx context.Context, userID string, update *UserUpdate) (*models.User, error) {
	var sets []string
	var args []interface{}

	set := func(clause string, value interface{}) {
		args = append(args, value)
		sets = append(sets, strings.Replace(clause, "?", strconv.Itoa(len(args)), 1))
	}

	if update.Email != nil {
		set("email = $?", *update.Email)
	}
	if update.Role != nil {
		if !models.ValidRole(string(*update.Role)) {
			return nil, errors.Newf(errors.KindValidationFailed, "role %q is not valid", *update.Role)
		}
		set("role = $?", string(*update.Role))
	}
	if update.Permissions != nil {
		perms, err := marshalPermissions(update.Permissions)
		if err != nil {
			return nil, err
		}
		set("permissions = $?", perms)
	}
	if update.IsActive != nil {
		set("is_active = $?", *update.IsActive)
	}
	if update.IsVerified != nil {
		set("is_verified = $?", *update.IsVerified)
	}
	if len(sets) == 0 {
		return nil, errors.New(errors.KindValidationFailed, "no fields to update")
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, userID)
	query := "UPDATE users SET " + strings.Join(sets, ", ") +
		" WHERE user_id = $" + strconv.Itoa(len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errors.New(errors.KindConflict, "email is already taken")
		}
		return nil, errors.Wrap(errors.KindStorageError, "failed to update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.New(errors.KindNotFound, "user not found")
	}
	return r.GetByID(ctx, userID)
}

// SetPasswordHash replaces the stored credential for a user.
func (r *UserRepository) SetPasswordHash(ctx context.Context, userID, hash string) error {
	const query = `UPDATE users SET password_hash = $1, updated_at = NOW() WHERE user_id = $2`

	res, err := r.db.ExecContext(ctx, query, hash, userID)
	if err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to update password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.KindNotFound, "user not found")
	}
	return nil
}

// TouchLastLogin records a successful authentication.
func (r *UserRepository) TouchLastLogin(ctx context.Context, userID string) error {
	const query = `UPDATE users SET last_login = NOW() WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to record login time", err)
	}
	return nil
}

// Delete removes a user.
func (r *UserRepository) Delete(ctx context.Context, userID string) error {
	const query = `DELETE FROM users WHERE user_id = $1`

	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return errors.Wrap(errors.KindStorageError, "failed to delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.KindNotFound, "user not found")
	}
	r.logger.V(1).Info("user deleted", "user_id", userID)
	return nil
}

type userRow struct {
	UserID       string       `db:"user_id"`
	Username     string       `db:"username"`
	Email        string       `db:"email"`
	PasswordHash string       `db:"password_hash"`
	Role         string       `db:"role"`
	Permissions  []byte       `db:"permissions"`
	IsActive     bool         `db:"is_active"`
	IsVerified   bool         `db:"is_verified"`
	LastLogin    sql.NullTime `db:"last_login"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (row *userRow) toModel() (*models.User, error) {
	user := &models.User{
		UserID:       row.UserID,
		Username:     row.Username,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Role:         models.Role(row.Role),
		IsActive:     row.IsActive,
		IsVerified:   row.IsVerified,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.LastLogin.Valid {
		t := row.LastLogin.Time
		user.LastLogin = &t
	}
	if len(row.Permissions) > 0 {
		if err := json.Unmarshal(row.Permissions, &user.Permissions); err != nil {
			return nil, errors.Wrap(errors.KindStorageError, "failed to decode user permissions", err)
		}
	}
	return user, nil
}

func marshalPermissions(perms []models.Permission) (interface{}, error) {
	if len(perms) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to encode permissions", err)
	}
	return raw, nil
}
