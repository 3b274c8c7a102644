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
	"sync"
	"time"

	"github.com/loglens/loglens/pkg/config"
)

// MemoryLimiter keeps fixed windows in process memory. It serves
// single-instance deployments and the Redis outage fallback; counters are
// per-process, so a multi-instance deployment behind it over-admits by the
// instance count at worst.
type MemoryLimiter struct {
	limits *config.RateLimits

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates a process-local limiter.
func NewMemoryLimiter(limits *config.RateLimits) *MemoryLimiter {
	return &MemoryLimiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one unit of the principal's quota for the class.
func (l *MemoryLimiter) Allow(_ context.Context, class Class, principal string) (Decision, error) {
	limit := LimitFor(l.limits, class)
	now := time.Now().UTC()
	key := bucketKey(class, principal, limit.Window, now)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{resetAt: windowReset(limit.Window, now)}
		l.buckets[key] = b
		l.sweepLocked(now)
	}
	b.count++

	remaining := limit.Requests - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit.Requests,
		Limit:     limit.Requests,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}, nil
}

// sweepLocked drops expired windows so long-lived processes do not
// accumulate dead buckets. Called on bucket creation, which bounds its
// frequency.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
}
