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
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// UserStore is the slice of the user repository the auth service needs.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	SetPasswordHash(ctx context.Context, userID, hash string) error
	TouchLastLogin(ctx context.Context, userID string) error
}

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

// Service authenticates principals and manages their credentials.
type Service struct {
	users  UserStore
	tokens *TokenIssuer
	cfg    *config.AuthConfig
	logger *zap.Logger
}

// NewService wires the auth service.
func NewService(users UserStore, cfg *config.AuthConfig, logger *zap.Logger) *Service {
	return &Service{
		users:  users,
		tokens: NewTokenIssuer(cfg.SigningSecret, cfg.AccessTTL, cfg.RefreshTTL, cfg.ResetTTL),
		cfg:    cfg,
		logger: logger,
	}
}

// Tokens exposes the issuer for middleware-level verification.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// RegisterRequest is the self-service signup payload. Role is fixed to
// "user"; privilege escalation goes through admin user management.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new account with the default role.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*models.User, error) {
	if !usernameRe.MatchString(req.Username) {
		return nil, errors.New(errors.KindValidationFailed,
			"username must be 3-64 characters of letters, digits, '_', '.', or '-'")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, errors.New(errors.KindValidationFailed, "email address is not valid")
	}
	if len(req.Password) < 8 {
		return nil, errors.New(errors.KindValidationFailed, "password must be at least 8 characters")
	}

	hash, err := HashPassword(req.Password, s.cfg.HashIterations)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to hash password", err)
	}

	user := &models.User{
		UserID:       uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.UserID))
	return user, nil
}

// Authenticate verifies credentials and mints a token pair. Every failure
// mode reports the same generic authentication_failed error so callers
// cannot probe which usernames exist or which accounts are disabled.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, *TokenPair, error) {
	failed := errors.New(errors.KindAuthenticationFailed, "invalid username or password")

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			// Burn comparable time so a missing user is indistinguishable
			// from a wrong password.
			VerifyPassword(password, decoyHash)
			return nil, nil, failed
		}
		return nil, nil, err
	}
	if !VerifyPassword(password, user.PasswordHash) {
		return nil, nil, failed
	}
	if !user.IsActive {
		return nil, nil, failed
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindInternal, "failed to issue tokens", err)
	}
	if err := s.users.TouchLastLogin(ctx, user.UserID); err != nil {
		s.logger.Warn("failed to record login time", zap.String("user_id", user.UserID), zap.Error(err))
	}

	now := time.Now().UTC()
	user.LastLogin = &now
	return user, pair, nil
}

// decoyHash is a valid-shape hash of random material, used to equalize
// timing when the username does not exist.
var decoyHash = func() string {
	h, err := HashPassword(uuid.NewString(), 120000)
	if err != nil {
		return "pbkdf2_sha256$120000$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	}
	return h
}()

// Refresh exchanges a valid refresh token for a fresh pair. The user's
// current role and permissions are re-read so revocations take effect at
// refresh time.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, UseRefresh)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.New(errors.KindInvalidToken, "token is invalid or expired")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, errors.New(errors.KindInvalidToken, "token is invalid or expired")
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to issue tokens", err)
	}
	return pair, nil
}

// RequestPasswordReset mints a reset token for the account behind the email.
// The caller returns a generic acknowledgement either way; the token is only
// produced when the account exists and is active.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return "", nil
		}
		return "", err
	}
	if !user.IsActive {
		return "", nil
	}

	token, err := s.tokens.IssueReset(user)
	if err != nil {
		return "", errors.Wrap(errors.KindInternal, "failed to issue reset token", err)
	}
	return token, nil
}

// ResetPassword consumes a reset token and installs a new credential.
func (s *Service) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	claims, err := s.tokens.Verify(resetToken, UseReset)
	if err != nil {
		return err
	}
	if len(newPassword) < 8 {
		return errors.New(errors.KindValidationFailed, "password must be at least 8 characters")
	}

	hash, err := HashPassword(newPassword, s.cfg.HashIterations)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to hash password", err)
	}
	if err := s.users.SetPasswordHash(ctx, claims.Subject, hash); err != nil {
		return err
	}

	s.logger.Info("password reset completed", zap.String("user_id", claims.Subject))
	return nil
}

// ChangePassword verifies the current credential before installing the new
// one.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(currentPassword, user.PasswordHash) {
		return errors.New(errors.KindAuthenticationFailed, "current password is incorrect")
	}
	if len(newPassword) < 8 {
		return errors.New(errors.KindValidationFailed, "password must be at least 8 characters")
	}

	hash, err := HashPassword(newPassword, s.cfg.HashIterations)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "failed to hash password", err)
	}
	return s.users.SetPasswordHash(ctx, user.UserID, hash)
}
