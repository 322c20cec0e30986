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

package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnavailable wraps failures of the shared tier. The local arena is
// still authoritative when it is returned.
var ErrUnavailable = errors.New("shared cache tier unavailable")

// Kind is the outcome of a Lookup.
type Kind int

const (
	Miss Kind = iota
	Hit
	InFlight
)

func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case InFlight:
		return "in_flight"
	default:
		return "miss"
	}
}

// Result is returned by Lookup. Payload is set for Hit, Ticket for
// InFlight. Degraded is set when the shared tier failed during the lookup.
type Result struct {
	Kind     Kind
	Payload  []byte
	Ticket   *Ticket
	Degraded bool
}

// SharedStore is a cross-process payload store consulted after a local miss.
type SharedStore interface {
	Get(ctx context.Context, fp string) (payload []byte, ttl time.Duration, found bool, err error)
	Set(ctx context.Context, fp string, payload []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Entry is one arena slot. While Ticket is non-nil the computation is in
// flight and Payload is empty.
type Entry struct {
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
	TTL         time.Duration
	Ticket      *Ticket
}

// InFlight reports whether the entry's computation is still running.
func (e *Entry) InFlight() bool { return e.Ticket != nil }

func (e *Entry) expired(now time.Time) bool {
	return e.Ticket == nil && !now.Before(e.CreatedAt.Add(e.TTL))
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Options configures a Cache.
type Options struct {
	Shards        int
	Shared        SharedStore
	SweepInterval time.Duration
	Now           func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries       int    `json:"entries"`
	InFlight      int    `json:"inFlight"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	InFlightJoins uint64 `json:"inFlightJoins"`
	SharedHits    uint64 `json:"sharedHits"`
	SharedErrors  uint64 `json:"sharedErrors"`
	Stores        uint64 `json:"stores"`
	Invalidations uint64 `json:"invalidations"`
	SharedTier    bool   `json:"sharedTier"`
}

// Cache is a coalescing response cache. At most one computation per
// fingerprint is in flight in this process; concurrent callers join it.
type Cache struct {
	shards        []*shard
	shared        SharedStore
	now           func() time.Time
	sweepInterval time.Duration

	hits, misses, joins      atomic.Uint64
	sharedHits, sharedErrors atomic.Uint64
	stores, invalidations    atomic.Uint64
}

// New creates a Cache.
func New(opts Options) *Cache {
	n := opts.Shards
	if n <= 0 {
		n = 64
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	c := &Cache{
		shards:        make([]*shard, n),
		shared:        opts.Shared,
		now:           now,
		sweepInterval: sweep,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return c
}

func (c *Cache) shardFor(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Lookup reports whether fp has a fresh payload, a computation in flight,
// or nothing. Expired entries are removed on sight.
func (c *Cache) Lookup(ctx context.Context, fp string) Result {
	now := c.now()
	s := c.shardFor(fp)

	s.mu.Lock()
	if e, ok := s.entries[fp]; ok {
		switch {
		case e.InFlight():
			s.mu.Unlock()
			c.joins.Add(1)
			return Result{Kind: InFlight, Ticket: e.Ticket}
		case !e.expired(now):
			s.mu.Unlock()
			c.hits.Add(1)
			return Result{Kind: Hit, Payload: e.Payload}
		default:
			delete(s.entries, fp)
		}
	}
	s.mu.Unlock()

	if c.shared == nil {
		c.misses.Add(1)
		return Result{Kind: Miss}
	}

	payload, ttl, found, err := c.shared.Get(ctx, fp)
	if err != nil {
		c.sharedErrors.Add(1)
		c.misses.Add(1)
		return Result{Kind: Miss, Degraded: true}
	}
	if !found || ttl <= 0 {
		c.misses.Add(1)
		return Result{Kind: Miss}
	}

	s.mu.Lock()
	if _, exists := s.entries[fp]; !exists {
		s.entries[fp] = &Entry{Fingerprint: fp, Payload: payload, CreatedAt: now, TTL: ttl}
	}
	s.mu.Unlock()

	c.sharedHits.Add(1)
	c.hits.Add(1)
	return Result{Kind: Hit, Payload: payload}
}

// Claim reserves fp for computation. Exactly one caller per fingerprint
// gets granted=true; the rest receive the existing ticket, which may already
// be resolved if a store completed in between. A refused claim counts as
// a join or, for an already stored payload, a hit.
func (c *Cache) Claim(fp string) (*Ticket, bool) {
	now := c.now()
	s := c.shardFor(fp)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[fp]; ok {
		if e.InFlight() {
			c.joins.Add(1)
			return e.Ticket, false
		}
		if !e.expired(now) {
			c.hits.Add(1)
			return resolvedTicket(fp, e.Payload), false
		}
	}

	t := newTicket(fp)
	s.entries[fp] = &Entry{Fingerprint: fp, CreatedAt: now, Ticket: t}
	return t, true
}

// Store completes the computation for fp: every waiter receives payload and
// the entry lives for ttl. ttl <= 0 releases waiters without retaining the
// payload. A shared-tier failure is returned wrapped in ErrUnavailable after
// the local store has completed.
func (c *Cache) Store(ctx context.Context, fp string, payload []byte, ttl time.Duration) error {
	now := c.now()
	s := c.shardFor(fp)

	s.mu.Lock()
	var t *Ticket
	if e, ok := s.entries[fp]; ok && e.InFlight() {
		t = e.Ticket
	}
	if ttl > 0 {
		s.entries[fp] = &Entry{Fingerprint: fp, Payload: payload, CreatedAt: now, TTL: ttl}
	} else {
		delete(s.entries, fp)
	}
	s.mu.Unlock()

	if t != nil {
		t.resolve(payload, nil)
	}
	c.stores.Add(1)

	if c.shared != nil && ttl > 0 {
		if err := c.shared.Set(ctx, fp, payload, ttl); err != nil {
			c.sharedErrors.Add(1)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Invalidate removes fp and resolves any in-flight ticket with err, so
// waiters fail with the same error and nothing is cached.
func (c *Cache) Invalidate(fp string, err error) {
	s := c.shardFor(fp)

	s.mu.Lock()
	e, ok := s.entries[fp]
	if ok {
		delete(s.entries, fp)
	}
	s.mu.Unlock()

	if ok && e.InFlight() {
		e.Ticket.resolve(nil, err)
	}
	c.invalidations.Add(1)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.expired(now) {
				delete(s.entries, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps periodically until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Clear drops every completed entry locally and in the shared tier.
// In-flight computations are left alone so their waiters still resolve.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if !e.InFlight() {
				delete(s.entries, fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if c.shared != nil {
		if err := c.shared.Clear(ctx); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return removed, nil
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		InFlightJoins: c.joins.Load(),
		SharedHits:    c.sharedHits.Load(),
		SharedErrors:  c.sharedErrors.Load(),
		Stores:        c.stores.Load(),
		Invalidations: c.invalidations.Load(),
		SharedTier:    c.shared != nil,
	}
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.InFlight() {
				st.InFlight++
			} else {
				st.Entries++
			}
		}
		s.mu.Unlock()
	}
	return st
}
