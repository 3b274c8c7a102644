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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
)

// TokenUse distinguishes what a token is good for; a refresh token is never
// accepted on an API request and vice versa.
type TokenUse string

const (
	UseAccess  TokenUse = "access"
	UseRefresh TokenUse = "refresh"
	UseReset   TokenUse = "reset"
)

// Claims is the signed token payload. Role and permissions ride in the
// access token so request authorization needs no user lookup.
type Claims struct {
	Use         TokenUse            `json:"use"`
	Role        models.Role         `json:"role,omitempty"`
	Permissions []models.Permission `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 tokens.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	resetTTL   time.Duration
}

// NewTokenIssuer creates an issuer with the given signing secret and
// lifetimes.
func NewTokenIssuer(secret string, accessTTL, refreshTTL, resetTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		resetTTL:   resetTTL,
	}
}

// TokenPair is the result of a successful authentication.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// IssuePair mints an access/refresh token pair for the user.
func (ti *TokenIssuer) IssuePair(user *models.User) (*TokenPair, error) {
	access, err := ti.sign(user, UseAccess, ti.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := ti.sign(user, UseRefresh, ti.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(ti.accessTTL.Seconds()),
	}, nil
}

// IssueReset mints a short-lived password-reset token.
func (ti *TokenIssuer) IssueReset(user *models.User) (string, error) {
	return ti.sign(user, UseReset, ti.resetTTL)
}

func (ti *TokenIssuer) sign(user *models.User, use TokenUse, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Use: use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    "loglens",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if use == UseAccess {
		claims.Role = user.Role
		claims.Permissions = user.EffectivePermissions()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, requiring the expected use. Expired,
// malformed, wrongly-signed, and wrong-use tokens all map to the same
// invalid_token kind so clients learn nothing about which check failed.
func (ti *TokenIssuer) Verify(tokenString string, expected TokenUse) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New(errors.KindInvalidToken, "token is invalid or expired")
	}
	if claims.Use != expected {
		return nil, errors.New(errors.KindInvalidToken, "token is invalid or expired")
	}
	return claims, nil
}
