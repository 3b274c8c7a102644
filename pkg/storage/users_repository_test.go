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
	"regexp"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

var userRowColumns = []string{
	"user_id", "username", "email", "password_hash", "role", "permissions",
	"is_active", "is_verified", "last_login", "created_at", "updated_at",
}

func addUserRow(rows *sqlmock.Rows, userID, username string, ts time.Time) *sqlmock.Rows {
	return rows.AddRow(
		userID, username, username+"@example.com", "pbkdf2_sha256$120000$salt$key", "viewer",
		[]byte(`["read_logs"]`), true, false, nil, ts, ts,
	)
}

var _ = Describe("UserRepository", func() {
	var (
		ctx  context.Context
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *UserRepository
		now  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		db, mock = newMockDB()
		repo = NewUserRepository(db, logr.Discard())
		now = time.Now().UTC().Truncate(time.Second)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	Describe("Create", func() {
		user := func() *models.User {
			return &models.User{
				UserID:       "u-1",
				Username:     "alice",
				Email:        "alice@example.com",
				PasswordHash: "pbkdf2_sha256$120000$salt$key",
				Role:         models.RoleViewer,
				IsActive:     true,
			}
		}

		It("inserts the user with its permissions blob", func() {
			u := user()
			u.Permissions = []models.Permission{models.PermReadLogs}
			mock.ExpectExec("INSERT INTO users").
				WithArgs("u-1", "alice", "alice@example.com", u.PasswordHash,
					"viewer", []byte(`["read_logs"]`), true, false).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.Create(ctx, u)).To(Succeed())
		})

		It("stores NULL permissions for a role-default user", func() {
			mock.ExpectExec("INSERT INTO users").
				WithArgs("u-1", "alice", "alice@example.com", sqlmock.AnyArg(),
					"viewer", nil, true, false).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.Create(ctx, user())).To(Succeed())
		})

		It("maps a unique violation to a conflict", func() {
			mock.ExpectExec("INSERT INTO users").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})

			err := repo.Create(ctx, user())
			Expect(errors.KindOf(err)).To(Equal(errors.KindConflict))
			Expect(err.Error()).To(ContainSubstring("already taken"))
		})
	})

	Describe("lookups", func() {
		It("fetches by ID", func() {
			mock.ExpectQuery("SELECT .+ FROM users WHERE user_id = ").
				WithArgs("u-1").
				WillReturnRows(addUserRow(sqlmock.NewRows(userRowColumns), "u-1", "alice", now))

			user, err := repo.GetByID(ctx, "u-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(user.Username).To(Equal("alice"))
			Expect(user.Permissions).To(Equal([]models.Permission{models.PermReadLogs}))
			Expect(user.LastLogin).To(BeNil())
		})

		It("matches usernames case-insensitively", func() {
			mock.ExpectQuery(regexp.QuoteMeta("WHERE LOWER(username) = LOWER($1)")).
				WithArgs("ALICE").
				WillReturnRows(addUserRow(sqlmock.NewRows(userRowColumns), "u-1", "alice", now))

			user, err := repo.GetByUsername(ctx, "ALICE")
			Expect(err).ToNot(HaveOccurred())
			Expect(user.UserID).To(Equal("u-1"))
		})

		It("maps an absent user to not_found", func() {
			mock.ExpectQuery("SELECT .+ FROM users WHERE user_id = ").
				WithArgs("ghost").
				WillReturnRows(sqlmock.NewRows(userRowColumns))

			_, err := repo.GetByID(ctx, "ghost")
			Expect(errors.KindOf(err)).To(Equal(errors.KindNotFound))
		})
	})

	Describe("Update", func() {
		It("builds a partial SET clause from the provided fields", func() {
			email := "new@example.com"
			active := false
			mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET email = $1, is_active = $2, updated_at = NOW() WHERE user_id = $3")).
				WithArgs("new@example.com", false, "u-1").
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("SELECT .+ FROM users WHERE user_id = ").
				WithArgs("u-1").
				WillReturnRows(addUserRow(sqlmock.NewRows(userRowColumns), "u-1", "alice", now))

			user, err := repo.Update(ctx, "u-1", &UserUpdate{Email: &email, IsActive: &active})
			Expect(err).ToNot(HaveOccurred())
			Expect(user.UserID).To(Equal("u-1"))
		})

		It("rejects an empty update before touching the database", func() {
			_, err := repo.Update(ctx, "u-1", &UserUpdate{})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})

		It("rejects an unknown role before touching the database", func() {
			role := models.Role("superuser")
			_, err := repo.Update(ctx, "u-1", &UserUpdate{Role: &role})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})

		It("maps zero affected rows to not_found", func() {
			email := "new@example.com"
			mock.ExpectExec("UPDATE users SET ").
				WillReturnResult(sqlmock.NewResult(0, 0))

			_, err := repo.Update(ctx, "ghost", &UserUpdate{Email: &email})
			Expect(errors.KindOf(err)).To(Equal(errors.KindNotFound))
		})

		It("maps a unique violation on email to a conflict", func() {
			email := "taken@example.com"
			mock.ExpectExec("UPDATE users SET ").
				WillReturnError(&pgconn.PgError{Code: "23505"})

			_, err := repo.Update(ctx, "u-1", &UserUpdate{Email: &email})
			Expect(errors.KindOf(err)).To(Equal(errors.KindConflict))
		})
	})

	Describe("SetPasswordHash", func() {
		It("replaces the stored credential", func() {
			mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash = $1, updated_at = NOW() WHERE user_id = $2")).
				WithArgs("new-hash", "u-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.SetPasswordHash(ctx, "u-1", "new-hash")).To(Succeed())
		})

		It("maps zero affected rows to not_found", func() {
			mock.ExpectExec("UPDATE users SET password_hash = ").
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.SetPasswordHash(ctx, "ghost", "new-hash")
			Expect(errors.KindOf(err)).To(Equal(errors.KindNotFound))
		})
	})

	Describe("Delete", func() {
		It("removes the user", func() {
			mock.ExpectExec("DELETE FROM users WHERE user_id = ").
				WithArgs("u-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.Delete(ctx, "u-1")).To(Succeed())
		})

		It("maps zero affected rows to not_found", func() {
			mock.ExpectExec("DELETE FROM users WHERE user_id = ").
				WithArgs("ghost").
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.Delete(ctx, "ghost")
			Expect(errors.KindOf(err)).To(Equal(errors.KindNotFound))
		})
	})

	Describe("List", func() {
		It("returns users in creation order", func() {
			rows := sqlmock.NewRows(userRowColumns)
			addUserRow(rows, "u-1", "alice", now.Add(-time.Hour))
			addUserRow(rows, "u-2", "bob", now)
			mock.ExpectQuery("SELECT .+ FROM users ORDER BY created_at ASC").
				WillReturnRows(rows)

			users, err := repo.List(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(users).To(HaveLen(2))
			Expect(users[0].Username).To(Equal("alice"))
		})
	})
})
