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
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// Bucket is the fixed-window counter for one subject.
type Bucket struct {
	SubjectID   string
	WindowStart time.Time
	Count       int
	Limit       int
	WindowSize  time.Duration
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// MemoryLimiter keeps buckets in process memory. Increment-and-check runs
// under the owning shard's lock, so concurrent requests for one subject
// never overshoot the limit.
type MemoryLimiter struct {
	cfg    Config
	shards [memoryShards]*bucketShard
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	l := &MemoryLimiter{cfg: cfg.withDefaults()}
	for i := range l.shards {
		l.shards[i] = &bucketShard{buckets: make(map[string]*Bucket)}
	}
	return l
}

func (l *MemoryLimiter) shard(subjectID string) *bucketShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subjectID))
	return l.shards[h.Sum32()%memoryShards]
}

// Admit checks subjectID against the default limit.
func (l *MemoryLimiter) Admit(ctx context.Context, subjectID string) (Decision, error) {
	return l.AdmitLimit(ctx, subjectID, 0)
}

// AdmitLimit counts the request and reports whether it fits in the current
// window. Rejected requests are counted too.
func (l *MemoryLimiter) AdmitLimit(_ context.Context, subjectID string, limit int) (Decision, error) {
	if limit <= 0 {
		limit = l.cfg.Limit
	}
	now := l.cfg.Now()
	s := l.shard(subjectID)

	s.mu.Lock()
	b, ok := s.buckets[subjectID]
	if !ok || !now.Before(b.WindowStart.Add(b.WindowSize)) {
		b = &Bucket{
			SubjectID:   subjectID,
			WindowStart: now,
			WindowSize:  l.cfg.Window,
		}
		s.buckets[subjectID] = b
	}
	b.Limit = limit
	b.Count++
	count := b.Count
	resetAt := b.WindowStart.Add(b.WindowSize)
	s.mu.Unlock()

	return decide(count, limit, resetAt, now), nil
}

// Snapshot returns a copy of the bucket for subjectID, if one exists.
func (l *MemoryLimiter) Snapshot(subjectID string) (Bucket, bool) {
	s := l.shard(subjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[subjectID]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Sweep drops buckets whose window has ended and returns how many it removed.
func (l *MemoryLimiter) Sweep() int {
	now := l.cfg.Now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, b := range s.buckets {
			if !now.Before(b.WindowStart.Add(b.WindowSize)) {
				delete(s.buckets, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps expired buckets every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
