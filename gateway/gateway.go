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

package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcpgateway/gateway/audit"
	"mcpgateway/gateway/auth"
	"mcpgateway/gateway/cache"
	"mcpgateway/gateway/ratelimit"
	"mcpgateway/gateway/telemetry"
	"mcpgateway/registry"
	"mcpgateway/shared/logger"
)

// MaxPromptLength is the longest prompt accepted, in characters.
const MaxPromptLength = 10000

// StatusClientClosedRequest is reported when a caller gives up while
// waiting on a coalesced computation.
const StatusClientClosedRequest = 499

// ErrTimeout is wrapped by UpstreamError when a handler exceeds its
// deadline.
var ErrTimeout = errors.New("agent handler timed out")

// UpstreamError is a handler failure, timeout or panic. It is never cached;
// every waiter on the same computation receives it.
type UpstreamError struct {
	Agent   string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %s: %v", e.Agent, ErrTimeout)
	}
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TokenValidator turns a bearer token into a principal.
type TokenValidator interface {
	Validate(token string) (*auth.Principal, error)
}

// Options wires the gateway's components. Tokens, Registry, Cache, Audit
// and Telemetry are required; a nil Limiter disables rate limiting.
type Options struct {
	Tokens     *auth.TokenService
	Registry   *registry.Registry
	Limiter    ratelimit.Limiter
	RatePolicy ratelimit.Policy
	Cache      *cache.Cache
	Audit      *audit.Log
	Telemetry  *telemetry.Aggregator
	// Gatherer backs /prometheus. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	DefaultTimeout  time.Duration
	CacheTTL        time.Duration
	CachingDisabled bool
	MaxBodyBytes    int64
	AuditTimeout    time.Duration

	AdminRoles     []string
	AuditorRoles   []string
	TelemetryRoles []string
	// IssuerKey, when set, must be presented in X-Issuer-Key to mint tokens.
	IssuerKey        string
	MaxTokenTTL      time.Duration
	SubscriberBuffer int
	AllowedOrigins   []string

	Now func() time.Time
}

// Gateway runs the request pipeline and serves the HTTP API.
type Gateway struct {
	tokens    *auth.TokenService
	validator TokenValidator
	registry  *registry.Registry
	limiter   ratelimit.Limiter
	policy    ratelimit.Policy
	cache     *cache.Cache
	audit     *audit.Log
	telemetry *telemetry.Aggregator
	gatherer  prometheus.Gatherer

	opts Options
	now  func() time.Time
	log  *logger.Logger
}

// New validates opts and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Tokens == nil:
		return nil, errors.New("gateway: token service is required")
	case opts.Registry == nil:
		return nil, errors.New("gateway: registry is required")
	case opts.Cache == nil:
		return nil, errors.New("gateway: cache is required")
	case opts.Audit == nil:
		return nil, errors.New("gateway: audit log is required")
	case opts.Telemetry == nil:
		return nil, errors.New("gateway: telemetry aggregator is required")
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 5 * time.Second
	}
	if opts.MaxTokenTTL <= 0 {
		opts.MaxTokenTTL = 7 * 24 * time.Hour
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if len(opts.AdminRoles) == 0 {
		opts.AdminRoles = []string{"admin"}
	}
	if len(opts.AuditorRoles) == 0 {
		opts.AuditorRoles = opts.AdminRoles
	}
	if len(opts.TelemetryRoles) == 0 {
		opts.TelemetryRoles = opts.AdminRoles
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Gateway{
		tokens:    opts.Tokens,
		validator: opts.Tokens,
		registry:  opts.Registry,
		limiter:   opts.Limiter,
		policy:    opts.RatePolicy,
		cache:     opts.Cache,
		audit:     opts.Audit,
		telemetry: opts.Telemetry,
		gatherer:  opts.Gatherer,
		opts:      opts,
		now:       opts.Now,
		log:       logger.New("gateway"),
	}, nil
}

// cacheTTL returns how long a successful payload for agent is retained.
func (g *Gateway) cacheTTL(agent *registry.Agent) time.Duration {
	if g.opts.CachingDisabled || agent.NoCache {
		return 0
	}
	if agent.CacheTTL > 0 {
		return agent.CacheTTL
	}
	return g.opts.CacheTTL
}

func (g *Gateway) timeoutFor(agent *registry.Agent) time.Duration {
	if agent.Timeout > 0 {
		return agent.Timeout
	}
	return g.opts.DefaultTimeout
}
