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

package auth

import (
	"context"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// fakeUserStore is an in-memory UserStore keyed by user ID.
type fakeUserStore struct {
	users      map[string]*models.User
	lastLogins []string
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]*models.User{}}
}

func (f *fakeUserStore) Create(_ context.Context, user *models.User) error {
	for _, u := range f.users {
		if strings.EqualFold(u.Username, user.Username) || strings.EqualFold(u.Email, user.Email) {
			return errors.New(errors.KindConflict, "username or email is already taken")
		}
	}
	clone := *user
	f.users[user.UserID] = &clone
	return nil
}

func (f *fakeUserStore) GetByID(_ context.Context, userID string) (*models.User, error) {
	if u, ok := f.users[userID]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, errors.New(errors.KindNotFound, "user not found")
}

func (f *fakeUserStore) GetByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, errors.New(errors.KindNotFound, "user not found")
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, errors.New(errors.KindNotFound, "user not found")
}

func (f *fakeUserStore) SetPasswordHash(_ context.Context, userID, hash string) error {
	u, ok := f.users[userID]
	if !ok {
		return errors.New(errors.KindNotFound, "user not found")
	}
	u.PasswordHash = hash
	return nil
}

func (f *fakeUserStore) TouchLastLogin(_ context.Context, userID string) error {
	f.lastLogins = append(f.lastLogins, userID)
	return nil
}

var _ = Describe("Service", func() {
	var (
		ctx   context.Context
		store *fakeUserStore
		svc   *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newFakeUserStore()
		svc = NewService(store, &config.AuthConfig{
			SigningSecret:  "test-signing-secret",
			AccessTTL:      30 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			ResetTTL:       time.Hour,
			HashIterations: testIterations,
		}, zap.NewNop())
	})

	register := func(username, email, password string) *models.User {
		user, err := svc.Register(ctx, &RegisterRequest{Username: username, Email: email, Password: password})
		Expect(err).ToNot(HaveOccurred())
		return user
	}

	Describe("Register", func() {
		It("creates an account with the default role", func() {
			user := register("ana", "ana@example.com", "s3cure-pass")
			Expect(user.Role).To(Equal(models.RoleUser))
			Expect(user.IsActive).To(BeTrue())
			Expect(user.UserID).ToNot(BeEmpty())
			Expect(user.PasswordHash).To(HavePrefix("pbkdf2_sha256$"))
		})

		It("rejects a malformed username", func() {
			_, err := svc.Register(ctx, &RegisterRequest{Username: "x", Email: "x@example.com", Password: "s3cure-pass"})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})

		It("rejects a malformed email", func() {
			_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Email: "not-an-email", Password: "s3cure-pass"})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})

		It("rejects a short password", func() {
			_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Email: "ana@example.com", Password: "short"})
			Expect(errors.KindOf(err)).To(Equal(errors.KindValidationFailed))
		})

		It("surfaces a username conflict", func() {
			register("ana", "ana@example.com", "s3cure-pass")
			_, err := svc.Register(ctx, &RegisterRequest{Username: "ana", Email: "other@example.com", Password: "s3cure-pass"})
			Expect(errors.KindOf(err)).To(Equal(errors.KindConflict))
		})
	})

	Describe("Authenticate", func() {
		BeforeEach(func() {
			register("ana", "ana@example.com", "s3cure-pass")
		})

		It("returns the user and a token pair for valid credentials", func() {
			user, pair, err := svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(err).ToNot(HaveOccurred())
			Expect(user.Username).To(Equal("ana"))
			Expect(pair.AccessToken).ToNot(BeEmpty())
			Expect(store.lastLogins).To(HaveLen(1))
		})

		It("fails identically for an unknown user and a wrong password", func() {
			_, _, unknownErr := svc.Authenticate(ctx, "nobody", "s3cure-pass")
			_, _, wrongErr := svc.Authenticate(ctx, "ana", "wrong-pass")

			Expect(errors.KindOf(unknownErr)).To(Equal(errors.KindAuthenticationFailed))
			Expect(errors.KindOf(wrongErr)).To(Equal(errors.KindAuthenticationFailed))
			Expect(unknownErr.Error()).To(Equal(wrongErr.Error()))
		})

		It("fails identically for a deactivated account", func() {
			for _, u := range store.users {
				u.IsActive = false
			}
			_, _, err := svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(errors.KindOf(err)).To(Equal(errors.KindAuthenticationFailed))
		})
	})

	Describe("Refresh", func() {
		It("exchanges a refresh token for a new pair", func() {
			register("ana", "ana@example.com", "s3cure-pass")
			_, pair, err := svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(err).ToNot(HaveOccurred())

			fresh, err := svc.Refresh(ctx, pair.RefreshToken)
			Expect(err).ToNot(HaveOccurred())
			Expect(fresh.AccessToken).ToNot(BeEmpty())
		})

		It("rejects an access token", func() {
			register("ana", "ana@example.com", "s3cure-pass")
			_, pair, err := svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(err).ToNot(HaveOccurred())

			_, err = svc.Refresh(ctx, pair.AccessToken)
			Expect(errors.KindOf(err)).To(Equal(errors.KindInvalidToken))
		})

		It("rejects a refresh for a deactivated account", func() {
			register("ana", "ana@example.com", "s3cure-pass")
			_, pair, err := svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(err).ToNot(HaveOccurred())

			for _, u := range store.users {
				u.IsActive = false
			}
			_, err = svc.Refresh(ctx, pair.RefreshToken)
			Expect(errors.KindOf(err)).To(Equal(errors.KindInvalidToken))
		})
	})

	Describe("Password reset", func() {
		It("completes the request/confirm round trip", func() {
			register("ana", "ana@example.com", "s3cure-pass")

			token, err := svc.RequestPasswordReset(ctx, "ana@example.com")
			Expect(err).ToNot(HaveOccurred())
			Expect(token).ToNot(BeEmpty())

			Expect(svc.ResetPassword(ctx, token, "new-s3cure-pass")).To(Succeed())

			_, _, err = svc.Authenticate(ctx, "ana", "s3cure-pass")
			Expect(errors.KindOf(err)).To(Equal(errors.KindAuthenticationFailed))
			_, _, err = svc.Authenticate(ctx, "ana", "new-s3cure-pass")
			Expect(err).ToNot(HaveOccurred())
		})

		It("stays silent for an unknown email", func() {
			token, err := svc.RequestPasswordReset(ctx, "nobody@example.com")
			Expect(err).ToNot(HaveOccurred())
			Expect(token).To(BeEmpty())
		})

		It("stays silent for a deactivated account", func() {
			register("ana", "ana@example.com", "s3cure-pass")
			for _, u := range store.users {
				u.IsActive = false
			}
			token, err := svc.RequestPasswordReset(ctx, "ana@example.com")
			Expect(err).ToNot(HaveOccurred())
			Expect(token).To(BeEmpty())
		})
	})

	Describe("ChangePassword", func() {
		It("requires the current password", func() {
			user := register("ana", "ana@example.com", "s3cure-pass")

			err := svc.ChangePassword(ctx, user.UserID, "wrong-pass", "new-s3cure-pass")
			Expect(errors.KindOf(err)).To(Equal(errors.KindAuthenticationFailed))

			Expect(svc.ChangePassword(ctx, user.UserID, "s3cure-pass", "new-s3cure-pass")).To(Succeed())
			_, _, err = svc.Authenticate(ctx, "ana", "new-s3cure-pass")
			Expect(err).ToNot(HaveOccurred())
		})
	})
})
