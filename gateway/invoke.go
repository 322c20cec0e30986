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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"mcpgateway/gateway/audit"
	"mcpgateway/gateway/auth"
	"mcpgateway/gateway/cache"
	"mcpgateway/gateway/ratelimit"
	"mcpgateway/gateway/telemetry"
	"mcpgateway/registry"
)

const (
	anonymousSubject = "anonymous"
	defaultTenant    = "default"
)

// Invocation is one agent call as received from the transport.
type Invocation struct {
	RequestID string
	// Token is the raw bearer token; TokenErr is set when the credential
	// could not be extracted at all.
	Token     string
	TokenErr  error
	ProjectID string
	AgentName string
	Body      []byte
	// BodyErr is set when the body could not be read, e.g. it was too large.
	BodyErr error
}

type invocationBody struct {
	Prompt     string                 `json:"prompt"`
	Context    map[string]interface{} `json:"context"`
	Parameters map[string]interface{} `json:"parameters"`
	TenantID   string                 `json:"tenant_id"`
}

// Result is the terminal state of an Invocation.
type Result struct {
	RequestID   string
	SubjectID   string
	ProjectID   string
	AgentName   string
	Prompt      string
	StatusCode  int
	Outcome     audit.Outcome
	Payload     []byte
	CacheStatus string
	Degraded    bool
	Decision    *ratelimit.Decision
	Err         error
	Latency     time.Duration
	Timestamp   time.Time

	// resolvedAgent is set once the registry resolves AgentName.
	resolvedAgent string
}

// CacheHit reports whether the payload came from the cache.
func (r *Result) CacheHit() bool { return r.CacheStatus == telemetry.CacheHit }

// Coalesced reports whether the payload came from another request's
// in-flight computation.
func (r *Result) Coalesced() bool { return r.CacheStatus == telemetry.CacheCoalesced }

// RetryAfter is the advertised wait for a rate-limited result.
func (r *Result) RetryAfter() time.Duration {
	if r.Decision == nil {
		return 0
	}
	return r.Decision.RetryAfter
}

// Invoke runs the full pipeline: authenticate, validate, authorize, admit,
// resolve, then serve from cache, join an in-flight computation, or
// dispatch. Every return path records exactly one audit event and one
// telemetry observation.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) *Result {
	start := g.now()
	res := &Result{
		RequestID: inv.RequestID,
		SubjectID: anonymousSubject,
		ProjectID: inv.ProjectID,
		AgentName: inv.AgentName,
		Timestamp: start,
	}
	defer func() { g.finish(ctx, res, start) }()

	principal, err := g.authenticate(inv.Token, inv.TokenErr)
	if err != nil {
		res.reject(http.StatusUnauthorized, audit.OutcomeUnauthenticated, err)
		return res
	}
	res.SubjectID = principal.SubjectID

	body, err := decodeInvocation(inv.Body, inv.BodyErr)
	if err != nil {
		res.reject(http.StatusBadRequest, audit.OutcomeInvalidRequest, err)
		return res
	}
	res.Prompt = body.Prompt

	route := g.registry.Lookup(inv.ProjectID, inv.AgentName)
	if err := auth.Authorize(principal, route.RequiredRoles); err != nil {
		res.reject(http.StatusForbidden, audit.OutcomeForbidden, err)
		return res
	}

	if g.limiter != nil {
		decision, err := g.limiter.AdmitLimit(ctx, principal.SubjectID, g.policy.LimitFor(principal.Roles))
		if err != nil {
			g.log.Warn(principal.SubjectID, inv.RequestID, "rate limiter unavailable, admitting request", map[string]interface{}{
				"error": err.Error(),
			})
			res.Degraded = true
		} else {
			res.Decision = &decision
			if !decision.Allowed {
				res.reject(http.StatusTooManyRequests, audit.OutcomeRateLimited,
					fmt.Errorf("rate limit of %d requests exceeded", decision.Limit))
				return res
			}
		}
	}

	agent, err := g.registry.Resolve(inv.ProjectID, inv.AgentName)
	if err != nil {
		res.reject(http.StatusNotFound, audit.OutcomeNotFound, err)
		return res
	}
	res.resolvedAgent = agent.Name

	tenantID := resolveTenant(body.TenantID, principal)
	fp, err := cache.Fingerprint(cache.Key{
		ProjectID:  inv.ProjectID,
		AgentName:  agent.Name,
		TenantID:   tenantID,
		Prompt:     body.Prompt,
		Context:    body.Context,
		Parameters: body.Parameters,
	})
	if err != nil {
		res.reject(http.StatusBadRequest, audit.OutcomeInvalidRequest, err)
		return res
	}

	lookup := g.cache.Lookup(ctx, fp)
	if lookup.Degraded {
		res.Degraded = true
	}

	switch lookup.Kind {
	case cache.Hit:
		res.serve(lookup.Payload, telemetry.CacheHit)
		return res
	case cache.InFlight:
		g.wait(ctx, res, lookup.Ticket, agent.Name)
		return res
	}

	ticket, granted := g.cache.Claim(fp)
	if !granted {
		if ticket.Cached() {
			payload, _ := ticket.Wait(ctx)
			res.serve(payload, telemetry.CacheHit)
			return res
		}
		g.wait(ctx, res, ticket, agent.Name)
		return res
	}

	req := &registry.Request{
		RequestID:  inv.RequestID,
		ProjectID:  inv.ProjectID,
		AgentName:  agent.Name,
		Prompt:     body.Prompt,
		Context:    body.Context,
		Parameters: body.Parameters,
		SubjectID:  principal.SubjectID,
		TenantID:   tenantID,
		Tenant:     principal.TenantContext,
	}
	payload, err := g.dispatch(ctx, agent, req)
	res.CacheStatus = telemetry.CacheMiss
	if err != nil {
		g.cache.Invalidate(fp, err)
		res.fail(err)
		return res
	}

	if err := g.cache.Store(ctx, fp, payload, g.cacheTTL(agent)); err != nil {
		g.log.Warn(principal.SubjectID, inv.RequestID, "shared cache store failed", map[string]interface{}{
			"error": err.Error(),
		})
		res.Degraded = true
	}
	res.serve(payload, telemetry.CacheMiss)
	return res
}

// Authenticate validates a bearer token for endpoints outside Invoke.
func (g *Gateway) Authenticate(token string, tokenErr error) (*auth.Principal, error) {
	return g.authenticate(token, tokenErr)
}

func (g *Gateway) authenticate(token string, tokenErr error) (*auth.Principal, error) {
	if tokenErr != nil {
		return nil, tokenErr
	}
	return g.validator.Validate(token)
}

func decodeInvocation(data []byte, readErr error) (*invocationBody, error) {
	if readErr != nil {
		return nil, fmt.Errorf("failed to read request body: %w", readErr)
	}
	var body invocationBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(body.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if n := utf8.RuneCountInString(body.Prompt); n > MaxPromptLength {
		return nil, fmt.Errorf("prompt is %d characters, maximum is %d", n, MaxPromptLength)
	}
	return &body, nil
}

// resolveTenant prefers the body's tenant_id, then the token's tenant_id
// claim, then the default tenant.
func resolveTenant(requested string, p *auth.Principal) string {
	if t := strings.TrimSpace(requested); t != "" {
		return t
	}
	if t := p.TenantContext["tenant_id"]; t != "" {
		return t
	}
	return defaultTenant
}

// wait joins another request's computation.
func (g *Gateway) wait(ctx context.Context, res *Result, t *cache.Ticket, agent string) {
	payload, err := t.Wait(ctx)
	switch {
	case err == nil:
		res.serve(payload, telemetry.CacheCoalesced)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.CacheStatus = telemetry.CacheCoalesced
		res.reject(StatusClientClosedRequest, audit.OutcomeCanceled, err)
	default:
		res.CacheStatus = telemetry.CacheCoalesced
		res.fail(err)
	}
}

type dispatchReply struct {
	payload []byte
	err     error
}

// dispatch invokes the handler under the agent's timeout. The call is
// detached from the caller's cancellation because waiters may depend on
// it; a handler that ignores its context is abandoned at the deadline.
func (g *Gateway) dispatch(ctx context.Context, agent *registry.Agent, req *registry.Request) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeoutFor(agent))
	defer cancel()

	replies := make(chan dispatchReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error(req.SubjectID, req.RequestID, "agent handler panicked", map[string]interface{}{
					"agent": agent.Name,
					"panic": fmt.Sprint(r),
				})
				replies <- dispatchReply{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		payload, err := agent.Handler.Invoke(callCtx, req)
		replies <- dispatchReply{payload: payload, err: err}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return nil, &UpstreamError{Agent: agent.Name, Timeout: true, Err: ErrTimeout}
			}
			return nil, &UpstreamError{Agent: agent.Name, Err: r.err}
		}
		if !json.Valid(r.payload) {
			return nil, &UpstreamError{Agent: agent.Name, Err: errors.New("handler returned invalid JSON")}
		}
		return r.payload, nil
	case <-callCtx.Done():
		return nil, &UpstreamError{Agent: agent.Name, Timeout: true, Err: ErrTimeout}
	}
}

func (r *Result) serve(payload []byte, cacheStatus string) {
	r.StatusCode = http.StatusOK
	r.Outcome = audit.OutcomeSuccess
	r.Payload = payload
	r.CacheStatus = cacheStatus
}

func (r *Result) reject(status int, outcome audit.Outcome, err error) {
	r.StatusCode = status
	r.Outcome = outcome
	r.Err = err
}

func (r *Result) fail(err error) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Timeout {
		r.reject(http.StatusGatewayTimeout, audit.OutcomeTimeout, err)
		return
	}
	r.reject(http.StatusInternalServerError, audit.OutcomeUpstreamError, err)
}

// finish emits the audit event and telemetry observation for res.
func (g *Gateway) finish(ctx context.Context, res *Result, start time.Time) {
	res.Latency = g.now().Sub(start)
	latencyMs := float64(res.Latency.Microseconds()) / 1000

	details := map[string]interface{}{
		"statusCode": res.StatusCode,
		"latencyMs":  latencyMs,
	}
	if res.CacheStatus != "" {
		details["cache"] = res.CacheStatus
	}
	if res.Degraded {
		details["degraded"] = true
	}
	if res.Err != nil {
		details["error"] = res.Err.Error()
	}
	if ra := res.RetryAfter(); ra > 0 && res.Outcome == audit.OutcomeRateLimited {
		details["retryAfterSeconds"] = retryAfterSeconds(ra)
	}

	g.record(ctx, audit.Event{
		SubjectID: res.SubjectID,
		Action:    audit.ActionInvoke,
		Outcome:   res.Outcome,
		AgentName: res.AgentName,
		ProjectID: res.ProjectID,
		RequestID: res.RequestID,
		Details:   details,
	})

	// Telemetry is keyed by registered agents only; a name the registry never
	// resolved is reported without an agent.
	g.telemetry.Observe(telemetry.Observation{
		Timestamp:   res.Timestamp,
		RequestID:   res.RequestID,
		SubjectID:   res.SubjectID,
		ProjectID:   res.ProjectID,
		AgentName:   res.resolvedAgent,
		Outcome:     string(res.Outcome),
		StatusCode:  res.StatusCode,
		Latency:     res.Latency,
		CacheStatus: res.CacheStatus,
		Degraded:    res.Degraded,
	})

	fields := map[string]interface{}{
		"agent":   res.AgentName,
		"project": res.ProjectID,
		"outcome": string(res.Outcome),
		"status":  res.StatusCode,
		"cache":   res.CacheStatus,
	}
	switch {
	case res.StatusCode >= http.StatusInternalServerError:
		g.log.ErrorWithCode(res.SubjectID, res.RequestID, "agent invocation failed", res.StatusCode, res.Err, fields)
	case res.Err != nil:
		fields["error"] = res.Err.Error()
		g.log.Warn(res.SubjectID, res.RequestID, "agent invocation rejected", fields)
	default:
		g.log.InfoWithDuration(res.SubjectID, res.RequestID, "agent invocation served", latencyMs, fields)
	}
}

// record writes security-relevant events synchronously and the rest
// through the async queue.
func (g *Gateway) record(ctx context.Context, e audit.Event) {
	if !e.Outcome.SecurityRelevant() {
		g.audit.RecordAsync(e)
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.AuditTimeout)
	defer cancel()
	if _, err := g.audit.Record(auditCtx, e); err != nil {
		g.log.Error(e.SubjectID, e.RequestID, "failed to persist security audit event", map[string]interface{}{
			"action":  e.Action,
			"outcome": string(e.Outcome),
			"error":   err.Error(),
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
