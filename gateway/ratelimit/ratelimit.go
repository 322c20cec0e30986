// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit implements per-subject fixed-window admission control.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the backing store could not be reached. The
// caller decides whether to fail open.
var ErrUnavailable = errors.New("rate limiter backend unavailable")

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter"`
}

// Limiter admits or rejects requests for a subject.
//
// Admit applies the limiter's default limit. AdmitLimit applies an explicit
// per-call limit; limit <= 0 means the default.
type Limiter interface {
	Admit(ctx context.Context, subjectID string) (Decision, error)
	AdmitLimit(ctx context.Context, subjectID string, limit int) (Decision, error)
}

// Config is shared by both limiter implementations.
type Config struct {
	Limit  int
	Window time.Duration
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Policy resolves the limit for a principal from its roles. The highest
// override among the principal's roles wins; without one, Default applies.
type Policy struct {
	Default int
	Roles   map[string]int
}

// LimitFor returns the effective limit for roles.
func (p Policy) LimitFor(roles []string) int {
	limit := 0
	for _, r := range roles {
		if v, ok := p.Roles[r]; ok && v > limit {
			limit = v
		}
	}
	if limit == 0 {
		return p.Default
	}
	return limit
}

func decide(count, limit int, resetAt, now time.Time) Decision {
	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}
