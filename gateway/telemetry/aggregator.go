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

// Package telemetry folds request outcomes into live statistics and fans
// them out to stream subscribers and Prometheus.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures an Aggregator.
type Options struct {
	// Alpha is the EWMA smoothing factor in (0, 1]. Default 0.2.
	Alpha float64
	// RecentSize bounds the recent-events ring. Default 1000.
	RecentSize int
	// SnapshotRecent is how many recent events a new subscriber receives.
	// Default 50.
	SnapshotRecent int
	// Registerer receives the Prometheus collectors. Nil skips registration.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Aggregator maintains SystemStats. Observe never blocks on subscribers.
type Aggregator struct {
	mu             sync.Mutex
	alpha          float64
	now            func() time.Time
	stats          SystemStats
	primed         bool
	agents         map[string]*agentAccumulator
	outcomes       map[string]int64
	recent         []Observation
	recentNext     int
	recentFull     bool
	snapshotRecent int

	hub     *hub
	metrics *collectors
}

// NewAggregator creates an Aggregator and registers its collectors.
func NewAggregator(opts Options) *Aggregator {
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.2
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 1000
	}
	if opts.SnapshotRecent <= 0 {
		opts.SnapshotRecent = 50
	}
	if opts.SnapshotRecent > opts.RecentSize {
		opts.SnapshotRecent = opts.RecentSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Aggregator{
		alpha:          opts.Alpha,
		now:            opts.Now,
		agents:         make(map[string]*agentAccumulator),
		outcomes:       make(map[string]int64),
		recent:         make([]Observation, opts.RecentSize),
		snapshotRecent: opts.SnapshotRecent,
		metrics:        newCollectors(opts.Registerer),
	}
	a.stats.StartedAt = opts.Now().UTC()
	a.hub = newHub(func(n int) { a.metrics.subscribers.Set(float64(n)) })
	return a
}

// Observe folds o into the statistics and pushes it to subscribers.
func (a *Aggregator) Observe(o Observation) {
	if o.Timestamp.IsZero() {
		o.Timestamp = a.now().UTC()
	}
	if o.LatencyMs == 0 && o.Latency > 0 {
		o.LatencyMs = float64(o.Latency.Microseconds()) / 1000
	}
	served := o.CacheStatus != ""

	a.mu.Lock()
	a.stats.TotalRequests++
	a.outcomes[o.Outcome]++
	if !o.Succeeded() {
		a.stats.Errors++
	}
	if o.Degraded {
		a.stats.Degraded++
	}
	switch o.CacheStatus {
	case CacheHit:
		a.stats.CacheHits++
	case CacheMiss:
		a.stats.CacheMisses++
	case CacheCoalesced:
		a.stats.Coalesced++
	}
	if served {
		a.stats.AvgResponseTimeMs = ewma(a.stats.AvgResponseTimeMs, o.LatencyMs, a.alpha, !a.primed)
		a.primed = true
	}
	if o.AgentName != "" {
		acc, ok := a.agents[o.AgentName]
		if !ok {
			acc = &agentAccumulator{}
			a.agents[o.AgentName] = acc
		}
		acc.observe(o, a.alpha, served)
	}

	a.recent[a.recentNext] = o
	a.recentNext = (a.recentNext + 1) % len(a.recent)
	if a.recentNext == 0 {
		a.recentFull = true
	}

	// Publishing under the lock keeps every subscriber's stream ordered
	// after its initial snapshot.
	if a.hub.len() > 0 {
		snap := a.snapshotLocked()
		ev := o
		a.hub.publish(Update{Type: UpdateEvent, Stats: &snap, Event: &ev})
	}
	a.mu.Unlock()

	a.metrics.observe(o)
}

// Snapshot returns a copy of the current statistics.
func (a *Aggregator) Snapshot() SystemStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Recent returns up to n of the most recent observations, oldest first.
func (a *Aggregator) Recent(n int) []Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recentLocked(n)
}

// Subscribe registers a live feed with the given buffer size. The first
// update is a snapshot including the recent-events tail.
func (a *Aggregator) Subscribe(buffer int) *Subscription {
	if buffer < 2 {
		buffer = 2
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := a.hub.add(buffer)
	snap := a.snapshotLocked()
	sub.offer(Update{Type: UpdateSnapshot, Stats: &snap, Recent: a.recentLocked(a.snapshotRecent)})
	return sub
}

func (a *Aggregator) snapshotLocked() SystemStats {
	s := a.stats
	s.UptimeSeconds = int64(a.now().Sub(s.StartedAt).Seconds())
	if lookups := s.CacheHits + s.CacheMisses + s.Coalesced; lookups > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(lookups)
	}
	s.PerAgent = make(map[string]AgentStats, len(a.agents))
	for name, acc := range a.agents {
		s.PerAgent[name] = acc.snapshot()
	}
	s.Outcomes = make(map[string]int64, len(a.outcomes))
	for k, v := range a.outcomes {
		s.Outcomes[k] = v
	}
	s.Subscribers = a.hub.len()
	return s
}

func (a *Aggregator) recentLocked(n int) []Observation {
	size := a.recentNext
	if a.recentFull {
		size = len(a.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Observation, 0, n)
	start := a.recentNext - n
	if start < 0 {
		start += len(a.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, a.recent[(start+i)%len(a.recent)])
	}
	return out
}
