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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mcpgateway/gateway/audit"
	"mcpgateway/gateway/auth"
	"mcpgateway/gateway/cache"
	"mcpgateway/gateway/telemetry"
	"mcpgateway/registry"
)

// Handler returns the gateway's HTTP API wrapped in CORS, request ID,
// logging and panic recovery.
func (g *Gateway) Handler() http.Handler {
	return g.corsHandler().Handler(g.Router())
}

func (g *Gateway) corsHandler() *cors.Cors {
	origins := g.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "X-Issuer-Key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Cache", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	})
}

// Router registers every route on a new mux router.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, g.recoverMiddleware, g.loggingMiddleware)

	r.HandleFunc("/health", g.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/metrics", g.metricsHandler).Methods(http.MethodGet)
	r.Handle("/prometheus", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/auth/token", g.issueTokenHandler).Methods(http.MethodPost)
	r.HandleFunc("/agents", g.listAgentsHandler).Methods(http.MethodGet)
	r.HandleFunc("/agent/{projectId}/{agentName}", g.invokeHandler).Methods(http.MethodPost)

	r.HandleFunc("/telemetry/stream", g.streamHandler).Methods(http.MethodGet)
	r.HandleFunc("/audit", g.auditQueryHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/cache/clear", g.clearCacheHandler).Methods(http.MethodPost)
	return r
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, requestID, message string, statusCode int) {
	writeJSON(w, errorResponse{Success: false, Error: message, RequestID: requestID}, statusCode)
}

type invokeResponse struct {
	Agent           string          `json:"agent"`
	ProjectID       string          `json:"projectId"`
	Prompt          string          `json:"prompt"`
	Result          json.RawMessage `json:"result"`
	Status          string          `json:"status"`
	CacheHit        bool            `json:"cacheHit"`
	Coalesced       bool            `json:"coalesced"`
	ExecutionTimeMs float64         `json:"executionTimeMs"`
	Timestamp       time.Time       `json:"timestamp"`
	RequestID       string          `json:"requestId"`
}

func (g *Gateway) invokeHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, tokenErr := auth.ExtractToken(r, false)
	body, bodyErr := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes))

	res := g.Invoke(r.Context(), Invocation{
		RequestID: RequestIDFromContext(r.Context()),
		Token:     token,
		TokenErr:  tokenErr,
		ProjectID: vars["projectId"],
		AgentName: vars["agentName"],
		Body:      body,
		BodyErr:   bodyErr,
	})

	if d := res.Decision; d != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if res.CacheStatus != "" {
		w.Header().Set("X-Cache", res.CacheStatus)
	}

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter())))
		}
		if res.StatusCode == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-gateway"`)
		}
		writeError(w, res.RequestID, publicMessage(res), res.StatusCode)
		return
	}

	writeJSON(w, invokeResponse{
		Agent:           res.AgentName,
		ProjectID:       res.ProjectID,
		Prompt:          res.Prompt,
		Result:          json.RawMessage(res.Payload),
		Status:          "success",
		CacheHit:        res.CacheHit(),
		Coalesced:       res.Coalesced(),
		ExecutionTimeMs: float64(res.Latency.Microseconds()) / 1000,
		Timestamp:       res.Timestamp.UTC(),
		RequestID:       res.RequestID,
	}, http.StatusOK)
}

// publicMessage hides upstream internals from callers.
func publicMessage(res *Result) string {
	switch res.Outcome {
	case audit.OutcomeUnauthenticated:
		return fmt.Sprintf("authentication failed: %s", auth.KindOf(res.Err))
	case audit.OutcomeForbidden:
		return "insufficient role for this agent"
	case audit.OutcomeRateLimited:
		return "rate limit exceeded"
	case audit.OutcomeNotFound:
		return fmt.Sprintf("agent %q not found in project %q", res.AgentName, res.ProjectID)
	case audit.OutcomeTimeout:
		return "agent handler timed out"
	case audit.OutcomeUpstreamError:
		return "agent handler failed"
	case audit.OutcomeCanceled:
		return "request canceled"
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	return http.StatusText(res.StatusCode)
}

// guard authenticates and authorizes a management request. Denials are
// audited synchronously and answered here; ok=false means stop.
func (g *Gateway) guard(w http.ResponseWriter, r *http.Request, action string, roles []string, allowQuery bool) (*auth.Principal, bool) {
	requestID := RequestIDFromContext(r.Context())
	token, err := auth.ExtractToken(r, allowQuery)
	principal, err := g.authenticate(token, err)
	if err != nil {
		g.record(r.Context(), audit.Event{
			SubjectID: anonymousSubject,
			Action:    action,
			Outcome:   audit.OutcomeUnauthenticated,
			RequestID: requestID,
			Details:   map[string]interface{}{"error": err.Error()},
		})
		writeError(w, requestID, fmt.Sprintf("authentication failed: %s", auth.KindOf(err)), http.StatusUnauthorized)
		return nil, false
	}
	if err := auth.Authorize(principal, roles); err != nil {
		g.record(r.Context(), audit.Event{
			SubjectID: principal.SubjectID,
			Action:    action,
			Outcome:   audit.OutcomeForbidden,
			RequestID: requestID,
			Details:   map[string]interface{}{"required": roles},
		})
		writeError(w, requestID, "insufficient role", http.StatusForbidden)
		return nil, false
	}
	return principal, true
}

type tokenRequest struct {
	SubjectID     string            `json:"subjectId"`
	Roles         []string          `json:"roles"`
	TenantContext map[string]string `json:"tenantContext"`
	TTLSeconds    int64             `json:"ttlSeconds"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
	KeyID     string    `json:"keyId"`
}

func (g *Gateway) issueTokenHandler(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	if g.opts.IssuerKey != "" {
		presented := r.Header.Get("X-Issuer-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.opts.IssuerKey)) != 1 {
			g.record(r.Context(), audit.Event{
				SubjectID: anonymousSubject,
				Action:    audit.ActionIssueToken,
				Outcome:   audit.OutcomeUnauthenticated,
				RequestID: requestID,
				Details:   map[string]interface{}{"error": "invalid issuer key"},
			})
			writeError(w, requestID, "invalid issuer key", http.StatusUnauthorized)
			return
		}
	}

	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, requestID, "invalid request body", http.StatusBadRequest)
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		writeError(w, requestID, "subjectId is required", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds < 0 || ttl > g.opts.MaxTokenTTL {
		writeError(w, requestID, fmt.Sprintf("ttlSeconds must be between 0 and %d", int64(g.opts.MaxTokenTTL/time.Second)), http.StatusBadRequest)
		return
	}

	tok, err := g.tokens.Issue(req.SubjectID, req.Roles, req.TenantContext, ttl)
	if err != nil {
		g.log.ErrorWithCode(req.SubjectID, requestID, "token issue failed", http.StatusInternalServerError, err, nil)
		writeError(w, requestID, "failed to issue token", http.StatusInternalServerError)
		return
	}

	g.record(r.Context(), audit.Event{
		SubjectID: req.SubjectID,
		Action:    audit.ActionIssueToken,
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Details: map[string]interface{}{
			"roles":     req.Roles,
			"tokenId":   tok.ID,
			"keyId":     tok.KeyID,
			"expiresAt": tok.ExpiresAt,
		},
	})

	writeJSON(w, tokenResponse{
		Token:     tok.Value,
		TokenType: "Bearer",
		ExpiresAt: tok.ExpiresAt,
		KeyID:     tok.KeyID,
	}, http.StatusOK)
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	cs := g.cache.Stats()
	writeJSON(w, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   g.now().UTC(),
		"agents":      g.registry.Len(),
		"cacheTier":   cs.SharedTier,
		"auditSink":   g.audit.Stats().Sink,
		"rateLimiter": g.limiter != nil,
	}, http.StatusOK)
}

type metricsResponse struct {
	System telemetry.SystemStats `json:"system"`
	Cache  cache.Stats           `json:"cache"`
	Audit  audit.Stats           `json:"audit"`
}

func (g *Gateway) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, metricsResponse{
		System: g.telemetry.Snapshot(),
		Cache:  g.cache.Stats(),
		Audit:  g.audit.Stats(),
	}, http.StatusOK)
}

func (g *Gateway) listAgentsHandler(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())
	token, err := auth.ExtractToken(r, false)
	if _, err = g.authenticate(token, err); err != nil {
		writeError(w, requestID, fmt.Sprintf("authentication failed: %s", auth.KindOf(err)), http.StatusUnauthorized)
		return
	}

	agents := g.registry.List(r.URL.Query().Get("projectId"))
	if agents == nil {
		agents = []registry.Definition{}
	}
	writeJSON(w, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	}, http.StatusOK)
}

func (g *Gateway) auditQueryHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := g.guard(w, r, audit.ActionQuery, g.opts.AuditorRoles, false)
	if !ok {
		return
	}
	requestID := RequestIDFromContext(r.Context())

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, requestID, err.Error(), http.StatusBadRequest)
		return
	}
	events := g.audit.Query(filter)
	if events == nil {
		events = []audit.Event{}
	}

	g.record(r.Context(), audit.Event{
		SubjectID: principal.SubjectID,
		Action:    audit.ActionQuery,
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Details:   map[string]interface{}{"returned": len(events)},
	})

	writeJSON(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	}, http.StatusOK)
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		SubjectID: q.Get("subjectId"),
		Action:    q.Get("action"),
		Outcome:   audit.Outcome(q.Get("outcome")),
		AgentName: q.Get("agent"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be an RFC 3339 timestamp", p.name)
			}
			*p.dst = t
		}
	}
	return f, nil
}

func (g *Gateway) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := g.guard(w, r, audit.ActionCacheClear, g.opts.AdminRoles, false)
	if !ok {
		return
	}
	requestID := RequestIDFromContext(r.Context())

	removed, err := g.cache.Clear(r.Context())
	details := map[string]interface{}{"removed": removed}
	resp := map[string]interface{}{"removed": removed}
	if err != nil {
		g.log.Warn(principal.SubjectID, requestID, "shared cache clear failed", map[string]interface{}{"error": err.Error()})
		details["degraded"] = true
		resp["degraded"] = true
	}

	g.record(r.Context(), audit.Event{
		SubjectID: principal.SubjectID,
		Action:    audit.ActionCacheClear,
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Details:   details,
	})
	writeJSON(w, resp, http.StatusOK)
}
