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

package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loglens/loglens/pkg/config"
)

// RedisLimiter shares fixed windows across processes through Redis. When
// Redis is unreachable the check fails open into the local fallback, so a
// cache outage degrades fairness rather than availability.
type RedisLimiter struct {
	client   *redis.Client
	limits   *config.RateLimits
	fallback *MemoryLimiter
	logger   *zap.Logger
}

// NewRedisLimiter wires a Redis-backed limiter with a process-local
// fallback.
func NewRedisLimiter(client *redis.Client, limits *config.RateLimits, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		limits:   limits,
		fallback: NewMemoryLimiter(limits),
		logger:   logger,
	}
}

// Allow consumes one unit of the principal's quota for the class.
func (l *RedisLimiter) Allow(ctx context.Context, class Class, principal string) (Decision, error) {
	limit := LimitFor(l.limits, class)
	now := time.Now().UTC()
	key := bucketKey(class, principal, limit.Window, now)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// Expire a window past rollover so a slow clock never orphans counters.
	pipe.Expire(ctx, key, limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate-limit backend unavailable, using local window",
			zap.String("class", string(class)),
			zap.Error(err),
		)
		return l.fallback.Allow(ctx, class, principal)
	}

	count := incr.Val()
	remaining := int64(limit.Requests) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit.Requests),
		Limit:     limit.Requests,
		Remaining: int(remaining),
		ResetAt:   windowReset(limit.Window, now),
	}, nil
}
