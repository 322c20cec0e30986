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

package telemetry

import (
	"sort"
	"time"
)

// Cache status values carried on an Observation.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheCoalesced = "coalesced"
)

// Observation is one terminal request outcome.
type Observation struct {
	Timestamp   time.Time     `json:"timestamp"`
	RequestID   string        `json:"requestId,omitempty"`
	SubjectID   string        `json:"subjectId,omitempty"`
	ProjectID   string        `json:"projectId,omitempty"`
	AgentName   string        `json:"agentName,omitempty"`
	Outcome     string        `json:"outcome"`
	StatusCode  int           `json:"statusCode"`
	Latency     time.Duration `json:"-"`
	LatencyMs   float64       `json:"latencyMs"`
	CacheStatus string        `json:"cacheStatus,omitempty"`
	Degraded    bool          `json:"degraded,omitempty"`
}

// Succeeded reports whether the observation is a served request.
func (o Observation) Succeeded() bool { return o.StatusCode >= 200 && o.StatusCode < 300 }

// AgentStats is the per-agent slice of SystemStats.
type AgentStats struct {
	Requests          int64     `json:"requests"`
	Successes         int64     `json:"successes"`
	Errors            int64     `json:"errors"`
	CacheHits         int64     `json:"cacheHits"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
	P95ResponseTimeMs float64   `json:"p95ResponseTimeMs"`
	LastSeen          time.Time `json:"lastSeen"`
}

// SystemStats is the aggregate view pushed to subscribers and served by
// the metrics endpoint.
type SystemStats struct {
	TotalRequests     int64                 `json:"totalRequests"`
	CacheHits         int64                 `json:"cacheHits"`
	CacheMisses       int64                 `json:"cacheMisses"`
	Coalesced         int64                 `json:"coalesced"`
	Errors            int64                 `json:"errors"`
	Degraded          int64                 `json:"degraded"`
	AvgResponseTimeMs float64               `json:"avgResponseTimeMs"`
	CacheHitRate      float64               `json:"cacheHitRate"`
	PerAgent          map[string]AgentStats `json:"perAgent"`
	Outcomes          map[string]int64      `json:"outcomes"`
	StartedAt         time.Time             `json:"startedAt"`
	UptimeSeconds     int64                 `json:"uptimeSeconds"`
	Subscribers       int                   `json:"subscribers"`
}

// agentAccumulator keeps the running state behind AgentStats. Latencies
// holds a bounded window for the percentile.
type agentAccumulator struct {
	stats     AgentStats
	latencies []float64
	primed    bool
}

const latencyWindow = 1000

func (a *agentAccumulator) observe(o Observation, alpha float64, served bool) {
	a.stats.Requests++
	a.stats.LastSeen = o.Timestamp
	if o.Succeeded() {
		a.stats.Successes++
	} else {
		a.stats.Errors++
	}
	if o.CacheStatus == CacheHit {
		a.stats.CacheHits++
	}
	if !served {
		return
	}
	a.stats.AvgResponseTimeMs = ewma(a.stats.AvgResponseTimeMs, o.LatencyMs, alpha, !a.primed)
	a.primed = true
	a.latencies = append(a.latencies, o.LatencyMs)
	if len(a.latencies) > latencyWindow {
		a.latencies = a.latencies[len(a.latencies)-latencyWindow:]
	}
}

func (a *agentAccumulator) snapshot() AgentStats {
	s := a.stats
	s.P95ResponseTimeMs = percentile(a.latencies, 0.95)
	return s
}

func ewma(prev, sample, alpha float64, first bool) float64 {
	if first {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
