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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryLimiter_WindowExhaustion(t *testing.T) {
	c := newClock()
	l := NewMemoryLimiter(Config{Limit: 10, Window: 60 * time.Second, Now: c.Now})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 10-(i+1), d.Remaining)
		c.Advance(time.Second)
	}

	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 50*time.Second, d.RetryAfter)
	assert.Equal(t, c.t.Add(50*time.Second), d.ResetAt)

	c.Advance(50 * time.Second)
	d, err = l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "new window admits again")
	assert.Equal(t, 9, d.Remaining)
}

func TestMemoryLimiter_SubjectsAreIndependent(t *testing.T) {
	c := newClock()
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Minute, Now: c.Now})
	ctx := context.Background()

	d, _ := l.Admit(ctx, "u1")
	assert.True(t, d.Allowed)
	d, _ = l.Admit(ctx, "u1")
	assert.False(t, d.Allowed)

	d, _ = l.Admit(ctx, "u2")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_ConcurrentNoOvershoot(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 25, Window: time.Hour})
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Admit(ctx, "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
	b, ok := l.Snapshot("shared")
	require.True(t, ok)
	assert.Equal(t, 200, b.Count)
}

func TestMemoryLimiter_AdmitLimitOverride(t *testing.T) {
	l := NewMemoryLimiter(Config{Limit: 1, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.AdmitLimit(ctx, "admin", 5)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 5, d.Limit)
	}
	d, _ := l.AdmitLimit(ctx, "admin", 5)
	assert.False(t, d.Allowed)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	c := newClock()
	l := NewMemoryLimiter(Config{Limit: 5, Window: time.Minute, Now: c.Now})
	ctx := context.Background()

	_, _ = l.Admit(ctx, "a")
	_, _ = l.Admit(ctx, "b")
	c.Advance(30 * time.Second)
	_, _ = l.Admit(ctx, "c")
	c.Advance(31 * time.Second)

	assert.Equal(t, 2, l.Sweep())
	_, ok := l.Snapshot("c")
	assert.True(t, ok)
}

func TestPolicy_LimitFor(t *testing.T) {
	p := Policy{Default: 60, Roles: map[string]int{"admin": 600, "service": 300}}

	assert.Equal(t, 60, p.LimitFor(nil))
	assert.Equal(t, 60, p.LimitFor([]string{"reader"}))
	assert.Equal(t, 300, p.LimitFor([]string{"reader", "service"}))
	assert.Equal(t, 600, p.LimitFor([]string{"service", "admin"}))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_WindowExhaustion(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{Limit: 10, Window: 60 * time.Second})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Admit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)

	mr.FastForward(61 * time.Second)

	d, err = l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestRedisLimiter_KeyHasExpiry(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{Limit: 3, Window: 30 * time.Second})

	_, err := l.Admit(context.Background(), "u1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("ratelimit:u1"))
	assert.Greater(t, mr.TTL("ratelimit:u1"), time.Duration(0))
}

func TestRedisLimiter_Reset(t *testing.T) {
	_, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	_, _ = l.Admit(ctx, "u1")
	d, _ := l.Admit(ctx, "u1")
	require.False(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "u1"))
	d, err := l.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedisLimiter(client, Config{Limit: 1, Window: time.Minute})
	mr.Close()

	_, err := l.Admit(context.Background(), "u1")
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	_, err = Connect(context.Background(), "http://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}
