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
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/auth"
	"github.com/loglens/loglens/pkg/errors"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/ratelimit"
	"github.com/loglens/loglens/pkg/server/response"
)

type contextKey string

const claimsKey contextKey = "auth-claims"

// ClaimsFrom returns the verified access claims on the request context, or
// nil for anonymous requests.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// requestLogger logs one structured line per request and records the HTTP
// metrics, labeled by endpoint class.
func (s *Server) requestLogger(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			outcome := "ok"
			if ww.Status() >= 400 {
				outcome = "error"
			}
			s.metrics.RequestsTotal.WithLabelValues(string(class), outcome).Inc()
			s.metrics.RequestDuration.WithLabelValues(string(class)).Observe(duration.Seconds())

			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("endpoint", r.URL.Path),
				zap.Int("status_code", ww.Status()),
				zap.Int64("duration_ms", duration.Milliseconds()),
			}
			if claims := ClaimsFrom(r.Context()); claims != nil {
				fields = append(fields, zap.String("principal_id", claims.Subject))
			}
			s.logger.Info("request handled", fields...)
		})
	}
}

// recoverer converts panics into internal_error envelopes instead of
// letting chi's default plain-text recovery leak through.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("endpoint", r.URL.Path),
					zap.Stack("stack"),
				)
				response.WriteErrorKind(w, errors.KindInternal, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeout bounds the request's wall clock. Handlers observe it through
// context cancellation on their storage and index calls.
func timeout(budget time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), budget)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate verifies the bearer token when present and stores the claims
// on the context. With required set, a missing or invalid credential ends
// the request.
func (s *Server) authenticate(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				response.WriteErrorKind(w, errors.KindInvalidToken, "authorization header must be a bearer token", nil)
				return
			}
			claims, err := s.auth.Tokens().Verify(token, auth.UseAccess)
			if err != nil {
				response.WriteError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requirePermission gates a route on an access-token permission.
func requirePermission(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
				return
			}
			for _, have := range claims.Permissions {
				if have == perm {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.WriteErrorKind(w, errors.KindInsufficientPermissions,
				"this operation requires the "+string(perm)+" permission", nil)
		})
	}
}

// requireRole gates a route on the principal's role.
func requireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			if claims == nil {
				response.WriteErrorKind(w, errors.KindAuthRequired, "authentication is required", nil)
				return
			}
			if claims.Role != role {
				response.WriteErrorKind(w, errors.KindInsufficientRole,
					"this operation requires the "+string(role)+" role", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit meters the request against the class quota. Authenticated
// requests are keyed by user ID, anonymous ones by client IP. The standard
// X-RateLimit headers ride on every metered response, allowed or not.
func (s *Server) rateLimit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := clientIP(r)
			if claims := ClaimsFrom(r.Context()); claims != nil {
				principal = claims.Subject
			}

			decision, err := s.limiter.Allow(r.Context(), class, principal)
			if err != nil {
				// Limiter backends fail open; an error here is unexpected,
				// but dropping traffic over accounting is the wrong trade.
				s.logger.Warn("rate limiter errored, admitting request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				s.metrics.RateLimitDenied.WithLabelValues(string(class)).Inc()
				retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				response.WriteErrorKind(w, errors.KindRateLimitExceeded,
					"rate limit exceeded for this endpoint",
					map[string]interface{}{"retry_after_seconds": retryAfter})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the RealIP-resolved address and strips any port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
