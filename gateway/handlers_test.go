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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/gateway/audit"
	"mcpgateway/gateway/ratelimit"
	"mcpgateway/gateway/telemetry"
	"mcpgateway/registry"
)

func newServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, target, token, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestIssueTokenHandler(t *testing.T) {
	f := newFixture(t, nil)
	srv := newServer(t, f)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/auth/token", "", `{"subjectId":"alice"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, f.sink.outcomes(), audit.OutcomeUnauthenticated)

	resp, data := doRequest(t, http.MethodPost, srv.URL+"/auth/token", "",
		`{"subjectId":"alice","roles":["agent.invoke"],"ttlSeconds":600}`,
		map[string]string{"X-Issuer-Key": "issuer-secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(data, &tok))
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, "k1", tok.KeyID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), tok.ExpiresAt, 5*time.Second)

	principal, err := f.tokens.Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.SubjectID)
	assert.Equal(t, []string{"agent.invoke"}, principal.Roles)

	issued := f.audit.Query(audit.Filter{Action: audit.ActionIssueToken, Outcome: audit.OutcomeSuccess})
	require.Len(t, issued, 1)
	assert.Equal(t, "alice", issued[0].SubjectID)
}

func TestIssueTokenHandler_Validation(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.IssuerKey = ""
		o.MaxTokenTTL = time.Hour
	})
	srv := newServer(t, f)

	bodies := map[string]string{
		"malformed":   `{`,
		"no subject":  `{"subjectId":"  "}`,
		"ttl too big": `{"subjectId":"alice","ttlSeconds":7200}`,
		"negative":    `{"subjectId":"alice","ttlSeconds":-1}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			resp, _ := doRequest(t, http.MethodPost, srv.URL+"/auth/token", "", body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/auth/token", "", `{"subjectId":"alice"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "no issuer key configured")
}

func TestInvokeHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)
	tok := f.token(t, "alice", "agent.invoke")

	resp, data := doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", tok, `{"prompt":"hello"}`,
		map[string]string{"X-Request-ID": "client-req-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, telemetry.CacheMiss, resp.Header.Get("X-Cache"))
	assert.Equal(t, "client-req-1", resp.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))

	var body invokeResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "agentX", body.Agent)
	assert.Equal(t, "proj", body.ProjectID)
	assert.Equal(t, "hello", body.Prompt)
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, "client-req-1", body.RequestID)
	assert.False(t, body.CacheHit)
	assert.JSONEq(t, `{"agent":"agentX","prompt":"hello","call":1}`, string(body.Result))

	resp, data = doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", tok, `{"prompt":"hello"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, telemetry.CacheHit, resp.Header.Get("X-Cache"))
	require.NoError(t, json.Unmarshal(data, &body))
	assert.True(t, body.CacheHit)
	assert.NotEqual(t, "client-req-1", body.RequestID, "request IDs are generated when absent")
}

func TestInvokeHandler_Errors(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Limiter = ratelimit.NewMemoryLimiter(ratelimit.Config{Limit: 1, Window: time.Minute})
		o.MaxBodyBytes = 64
	})
	f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)
	tok := f.token(t, "alice", "agent.invoke")

	resp, data := doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", "", `{"prompt":"P"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	var errBody errorResponse
	require.NoError(t, json.Unmarshal(data, &errBody))
	assert.False(t, errBody.Success)
	assert.Equal(t, "authentication failed: missing_token", errBody.Error)
	assert.NotEmpty(t, errBody.RequestID)

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", tok,
		`{"prompt":"`+strings.Repeat("x", 100)+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body over the byte limit")

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", tok, `{"prompt":"P"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = doRequest(t, http.MethodPost, srv.URL+"/agent/proj/agentX", tok, `{"prompt":"P2"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	require.NoError(t, json.Unmarshal(data, &errBody))
	assert.Equal(t, "rate limit exceeded", errBody.Error)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)

	f.invoke(t.Context(), f.token(t, "alice", "agent.invoke"), "proj", "agentX", `{"prompt":"P"}`)

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/health", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["agents"])
	assert.Equal(t, "recording", health["auditSink"])

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var metrics metricsResponse
	require.NoError(t, json.Unmarshal(data, &metrics))
	assert.Equal(t, int64(1), metrics.System.TotalRequests)
	assert.Equal(t, 1, metrics.Cache.Entries)
	assert.GreaterOrEqual(t, metrics.Audit.Indexed, 1)

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/prometheus", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "mcp_requests_total")
}

func TestListAgentsHandler(t *testing.T) {
	f := newFixture(t, nil)
	f.countingAgent(t, registry.Definition{Name: "global", Description: "everyone"})
	f.countingAgent(t, registry.Definition{Name: "private", Projects: []string{"acme"}})
	srv := newServer(t, f)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/agents", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok := f.token(t, "alice")
	var listing struct {
		Agents []registry.Definition `json:"agents"`
		Count  int                   `json:"count"`
	}

	resp, data := doRequest(t, http.MethodGet, srv.URL+"/agents", tok, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Equal(t, 1, listing.Count)

	resp, data = doRequest(t, http.MethodGet, srv.URL+"/agents?projectId=acme", tok, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Equal(t, 2, listing.Count)
}

func TestAuditQueryHandler(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AuditorRoles = []string{"auditor"} })
	f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)

	user := f.token(t, "alice", "agent.invoke")
	f.invoke(t.Context(), user, "proj", "agentX", `{"prompt":"P"}`)
	f.invoke(t.Context(), "", "proj", "agentX", `{"prompt":"P"}`)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/audit", user, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	denied := f.audit.Query(audit.Filter{Action: audit.ActionQuery, Outcome: audit.OutcomeForbidden})
	require.Len(t, denied, 1)
	assert.Equal(t, "alice", denied[0].SubjectID)

	auditor := f.token(t, "ivy", "auditor")
	q := url.Values{"action": {audit.ActionInvoke}, "outcome": {string(audit.OutcomeUnauthenticated)}}
	resp, data := doRequest(t, http.MethodGet, srv.URL+"/audit?"+q.Encode(), auditor, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var out struct {
		Events []audit.Event `json:"events"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, anonymousSubject, out.Events[0].SubjectID)

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/audit?limit=-3", auditor, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/audit?from=yesterday", auditor, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearCacheHandler(t *testing.T) {
	f := newFixture(t, nil)
	calls := f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)
	user := f.token(t, "alice", "agent.invoke")

	f.invoke(t.Context(), user, "proj", "agentX", `{"prompt":"P"}`)
	require.Equal(t, 1, f.cache.Stats().Entries)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/admin/cache/clear", user, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, f.cache.Stats().Entries)

	resp, data := doRequest(t, http.MethodPost, srv.URL+"/admin/cache/clear", f.token(t, "root", "admin"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":1}`, string(data))
	assert.Equal(t, 0, f.cache.Stats().Entries)

	f.invoke(t.Context(), user, "proj", "agentX", `{"prompt":"P"}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelemetryStream(t *testing.T) {
	f := newFixture(t, nil)
	f.countingAgent(t, registry.Definition{Name: "agentX"})
	srv := newServer(t, f)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/telemetry/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?access_token="+f.token(t, "alice", "agent.invoke"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+f.token(t, "root", "admin"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first telemetry.Update
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, telemetry.UpdateSnapshot, first.Type)
	require.NotNil(t, first.Stats)

	f.invoke(t.Context(), f.token(t, "alice", "agent.invoke"), "proj", "agentX", `{"prompt":"P"}`)

	var next telemetry.Update
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, telemetry.UpdateEvent, next.Type)
	require.NotNil(t, next.Event)
	assert.Equal(t, "agentX", next.Event.AgentName)
	assert.Equal(t, http.StatusOK, next.Event.StatusCode)

	subscribed := f.audit.Query(audit.Filter{Action: audit.ActionSubscribe, Outcome: audit.OutcomeSuccess})
	assert.Len(t, subscribed, 1)
}
