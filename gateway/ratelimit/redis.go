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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindowScript increments the subject's counter and starts the window
// on the first hit. The PTTL repair covers keys that lost their expiry.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter shares fixed-window counters across gateway processes.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedisLimiter creates a limiter that stores counters under
// "ratelimit:<subject>".
func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg.withDefaults(), prefix: "ratelimit:"}
}

// Admit checks subjectID against the default limit.
func (l *RedisLimiter) Admit(ctx context.Context, subjectID string) (Decision, error) {
	return l.AdmitLimit(ctx, subjectID, 0)
}

// AdmitLimit runs the fixed-window script. Any Redis failure is reported
// as ErrUnavailable.
func (l *RedisLimiter) AdmitLimit(ctx context.Context, subjectID string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = l.cfg.Limit
	}
	now := l.cfg.Now()
	windowMs := l.cfg.Window.Milliseconds()

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + subjectID}, windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %T", ErrUnavailable, res)
	}
	count, ok1 := vals[0].(int64)
	ttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, vals)
	}

	resetAt := now.Add(time.Duration(ttl) * time.Millisecond)
	return decide(int(count), limit, resetAt, now), nil
}

// Reset removes the counter for subjectID.
func (l *RedisLimiter) Reset(ctx context.Context, subjectID string) error {
	if err := l.client.Del(ctx, l.prefix+subjectID).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Connect parses a redis:// URL and verifies the server answers PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
