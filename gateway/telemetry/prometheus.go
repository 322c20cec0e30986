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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collectors struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	cache       *prometheus.CounterVec
	degraded    prometheus.Counter
	subscribers prometheus.Gauge
}

// newCollectors registers on reg; a nil reg creates unregistered collectors.
func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_requests_total",
			Help: "Agent invocations by agent, outcome and HTTP status",
		}, []string{"agent", "outcome", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_request_duration_seconds",
			Help:    "Agent invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		cache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "mcp_degraded_requests_total",
			Help: "Requests served while Redis-backed features were unavailable",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_telemetry_subscribers",
			Help: "Active telemetry stream subscribers",
		}),
	}
}

func (c *collectors) observe(o Observation) {
	agent := o.AgentName
	if agent == "" {
		agent = "unknown"
	}
	c.requests.WithLabelValues(agent, o.Outcome, strconv.Itoa(o.StatusCode)).Inc()
	if o.CacheStatus != "" {
		c.duration.WithLabelValues(agent).Observe(o.LatencyMs / 1000)
		c.cache.WithLabelValues(o.CacheStatus).Inc()
	}
	if o.Degraded {
		c.degraded.Inc()
	}
}
