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

// Package server assembles the HTTP API: routing, middleware chains per
// endpoint class, and the handlers over the business components.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/auth"
	"github.com/loglens/loglens/pkg/config"
	"github.com/loglens/loglens/pkg/ingest"
	"github.com/loglens/loglens/pkg/metrics"
	"github.com/loglens/loglens/pkg/ml"
	"github.com/loglens/loglens/pkg/models"
	"github.com/loglens/loglens/pkg/query"
	"github.com/loglens/loglens/pkg/ratelimit"
	"github.com/loglens/loglens/pkg/storage"
)

// IngestService is the write path the ingest handler calls.
type IngestService interface {
	Ingest(ctx context.Context, batch []*models.LogEntry) (*ingest.BatchSummary, error)
}

// QueryService is the read path the log handlers call.
type QueryService interface {
	Search(ctx context.Context, filter *models.SearchFilter, page models.Page) (*query.SearchResult, error)
	GetLog(ctx context.Context, externalID string) (*models.LogEntry, error)
	Correlate(ctx context.Context, key, value string, limit int) ([]*models.LogEntry, error)
	Stats(ctx context.Context, start, end time.Time) (*models.AggregateStats, error)
	Rebuild(ctx context.Context, batchSize int) (int64, error)
	IndexDocCount() (uint64, error)
}

// MLService is the serving path the ml handlers call.
type MLService interface {
	Analyze(ctx context.Context, logID string, limit int) (*ml.AnalyzeReport, error)
	PipelineStatus(ctx context.Context) *ml.Status
	GetPrediction(ctx context.Context, externalID string) (*models.Prediction, error)
	AnalyticsRollup(ctx context.Context) (*models.PredictionRollup, error)
}

// UserStore is the user management slice the user handlers call.
type UserStore interface {
	List(ctx context.Context) ([]*models.User, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
	Update(ctx context.Context, userID string, update *storage.UserUpdate) (*models.User, error)
	Delete(ctx context.Context, userID string) error
}

// HealthChecker probes one backing service.
type HealthChecker func(ctx context.Context) error

// Dependencies carries everything the server needs.
type Dependencies struct {
	Auth     *auth.Service
	Users    UserStore
	Ingest   IngestService
	Query    QueryService
	ML       MLService
	Limiter  ratelimit.Limiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	RowStore HealthChecker
}

// Server is the HTTP API process.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	auth     *auth.Service
	users    UserStore
	ingest   IngestService
	query    QueryService
	ml       MLService
	limiter  ratelimit.Limiter
	rowCheck HealthChecker

	httpServer *http.Server
}

// NewServer wires routing and middleware; it does not start listening.
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		auth:     deps.Auth,
		users:    deps.Users,
		ingest:   deps.Ingest,
		query:    deps.Query,
		ml:       deps.ML,
		limiter:  deps.Limiter,
		rowCheck: deps.RowStore,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler builds the router. Exposed so tests can drive the full middleware
// stack through httptest without a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	queryBudget := timeout(s.cfg.Server.QueryTimeout)
	ingestBudget := timeout(s.cfg.Server.IngestTimeout)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger(ratelimit.ClassAnonymous))
		r.Use(s.rateLimit(ratelimit.ClassAnonymous))
		r.Use(queryBudget)
		r.Get("/health", s.handleHealth)
		r.Get("/health/live", s.handleLiveness)
		r.Get("/health/ready", s.handleReadiness)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.metrics.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Credential endpoints: unauthenticated, tight quotas.
		r.Group(func(r chi.Router) {
			r.Use(s.requestLogger(ratelimit.ClassLogin))
			r.Use(s.rateLimit(ratelimit.ClassLogin))
			r.Use(queryBudget)
			r.Post("/auth/login", s.handleLogin)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requestLogger(ratelimit.ClassRegister))
			r.Use(s.rateLimit(ratelimit.ClassRegister))
			r.Use(queryBudget)
			r.Post("/auth/register", s.handleRegister)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requestLogger(ratelimit.ClassAPI))
			r.Use(s.rateLimit(ratelimit.ClassAPI))
			r.Use(queryBudget)
			r.Post("/auth/refresh", s.handleRefresh)
			r.Post("/auth/password-reset", s.handlePasswordResetRequest)
			r.Post("/auth/password-reset/confirm", s.handlePasswordResetConfirm)
		})

		// Session endpoints.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))
			r.Use(s.requestLogger(ratelimit.ClassAPI))
			r.Use(s.rateLimit(ratelimit.ClassAPI))
			r.Use(queryBudget)
			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/change-password", s.handleChangePassword)
			r.Put("/users/me", s.handleUpdateSelf)
			r.Delete("/users/me", s.handleDeleteSelf)
		})

		// Ingest.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))
			r.Use(requirePermission(models.PermIngestLogs))
			r.Use(s.requestLogger(ratelimit.ClassIngest))
			r.Use(s.rateLimit(ratelimit.ClassIngest))
			r.Use(ingestBudget)
			r.Post("/logs/ingest", s.handleIngest)
		})

		// Search and statistics.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))
			r.Use(requirePermission(models.PermReadLogs))
			r.Use(s.requestLogger(ratelimit.ClassSearch))
			r.Use(s.rateLimit(ratelimit.ClassSearch))
			r.Use(queryBudget)
			r.Get("/logs/search", s.handleSearch)
			r.Get("/logs/correlation", s.handleCorrelation)
			r.Get("/logs/statistics", s.handleStatistics)
			r.Get("/logs/{external_id}", s.handleGetLog)
		})

		// ML surface. The status action is an unauthenticated probe; the
		// handler enforces auth for every other action.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false))
			r.Use(s.requestLogger(ratelimit.ClassAPI))
			r.Use(s.rateLimit(ratelimit.ClassAPI))
			r.Use(queryBudget)
			r.Get("/ml", s.handleML)
			r.Get("/ml/predictions/{external_id}", s.handleGetPrediction)
			r.Get("/ml/analytics", s.handleMLAnalytics)
		})

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true))
			r.Use(requireRole(models.RoleAdmin))
			r.Use(s.requestLogger(ratelimit.ClassAdmin))
			r.Use(s.rateLimit(ratelimit.ClassAdmin))
			r.Use(ingestBudget)
			r.Get("/users", s.handleListUsers)
			r.Get("/users/{user_id}", s.handleGetUser)
			r.Put("/users/{user_id}", s.handleUpdateUser)
			r.Delete("/users/{user_id}", s.handleDeleteUser)
			r.Post("/admin/reindex", s.handleReindex)
			r.Get("/admin/status", s.handleAdminStatus)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting",
		zap.Int("port", s.cfg.Server.Port),
		zap.String("environment", s.cfg.Environment),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}
