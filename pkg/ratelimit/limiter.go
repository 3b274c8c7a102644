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

// Package ratelimit implements fixed-window request quotas keyed by
// principal and endpoint class. Authenticated requests are keyed by user ID,
// anonymous ones by client IP.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/loglens/loglens/pkg/config"
)

// Class is the endpoint family a request is metered under.
type Class string

const (
	ClassLogin     Class = "login"
	ClassRegister  Class = "register"
	ClassSearch    Class = "search"
	ClassIngest    Class = "ingest"
	ClassAdmin     Class = "admin"
	ClassAnonymous Class = "anonymous"
	ClassAPI       Class = "api"
)

// Decision is the outcome of one quota check. The counter increments even
// on denial, so a client hammering past the limit does not drain its window.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter checks and consumes one unit of quota.
type Limiter interface {
	Allow(ctx context.Context, class Class, principal string) (Decision, error)
}

// LimitFor resolves the quota for an endpoint class from the config table.
func LimitFor(limits *config.RateLimits, class Class) config.Limit {
	switch class {
	case ClassLogin:
		return limits.Login
	case ClassRegister:
		return limits.Register
	case ClassSearch:
		return limits.Search
	case ClassIngest:
		return limits.Ingest
	case ClassAdmin:
		return limits.Admin
	case ClassAnonymous:
		return limits.Anonymous
	default:
		return limits.API
	}
}

// bucketKey derives the counter key for a principal's current window. The
// window start is baked into the key so expiry and window rollover agree.
func bucketKey(class Class, principal string, window time.Duration, now time.Time) string {
	windowStart := now.Truncate(window).Unix()
	return fmt.Sprintf("ratelimit:%s:%s:%d", class, principal, windowStart)
}

// windowReset returns when the current fixed window rolls over.
func windowReset(window time.Duration, now time.Time) time.Time {
	return now.Truncate(window).Add(window)
}
