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

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
)

// Handler kinds understood by DefaultFactories.
const (
	KindStatic = "static"
	KindHTTP   = "http"
)

// StaticConfig configures a templated reply. The template sees .Agent,
// .Project, .Prompt and .Context.
type StaticConfig struct {
	Template string            `yaml:"template"`
	Defaults map[string]string `yaml:"defaults"`
}

// HTTPConfig configures forwarding to an upstream agent service. Header
// values are expanded against the process environment.
type HTTPConfig struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	MaxResponseBytes int64             `yaml:"max_response_bytes"`
}

const defaultStaticTemplate = `**{{.Agent}} Response**

I've received your request: "{{.Prompt}}"

**Context Analysis:**
{{if .Context}}{{json .Context}}{{else}}No additional context provided{{end}}

This is a simulated response from {{.Agent}}.`

var templateFuncs = template.FuncMap{
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
	"json": func(v interface{}) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

// StaticHandler renders a template into {"agent", "result"}. Output is a
// pure function of the request, so identical requests yield identical bytes.
type StaticHandler struct {
	agent    string
	tmpl     *template.Template
	defaults map[string]string
}

// NewStaticHandler parses cfg's template, or the generic one if empty.
func NewStaticHandler(agent string, cfg *StaticConfig) (*StaticHandler, error) {
	text := defaultStaticTemplate
	var defaults map[string]string
	if cfg != nil {
		if cfg.Template != "" {
			text = cfg.Template
		}
		defaults = cfg.Defaults
	}
	tmpl, err := template.New(agent).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("agent %q: invalid template: %w", agent, err)
	}
	return &StaticHandler{agent: agent, tmpl: tmpl, defaults: defaults}, nil
}

func (h *StaticHandler) Invoke(ctx context.Context, req *Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vars := make(map[string]interface{}, len(h.defaults)+len(req.Context))
	for k, v := range h.defaults {
		vars[k] = v
	}
	for k, v := range req.Context {
		vars[k] = v
	}

	var buf bytes.Buffer
	err := h.tmpl.Execute(&buf, map[string]interface{}{
		"Agent":   h.agent,
		"Project": req.ProjectID,
		"Prompt":  req.Prompt,
		"Context": req.Context,
		"Params":  req.Parameters,
		"Tenant":  req.TenantID,
		"Vars":    vars,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %q: render failed: %w", h.agent, err)
	}

	return json.Marshal(struct {
		Agent  string `json:"agent"`
		Result string `json:"result"`
	}{Agent: h.agent, Result: buf.String()})
}

// StatusError is returned when an upstream agent answers with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// HTTPHandler POSTs the request as JSON to an upstream service.
type HTTPHandler struct {
	agent   string
	cfg     HTTPConfig
	client  *http.Client
	headers map[string]string
}

// NewHTTPHandler validates cfg. The client's own timeout should be zero
// or generous; the gateway bounds each call with its context.
func NewHTTPHandler(agent string, cfg *HTTPConfig, client *http.Client) (*HTTPHandler, error) {
	if cfg == nil || strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("agent %q: http.url is required", agent)
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, fmt.Errorf("agent %q: http.url must be http or https", agent)
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := *cfg
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 10 << 20
	}
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	return &HTTPHandler{agent: agent, cfg: c, client: client, headers: headers}, nil
}

type upstreamRequest struct {
	RequestID  string                 `json:"requestId"`
	ProjectID  string                 `json:"projectId"`
	Agent      string                 `json:"agent"`
	Prompt     string                 `json:"prompt"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	SubjectID  string                 `json:"subjectId"`
	TenantID   string                 `json:"tenantId"`
	Tenant     map[string]string      `json:"tenant,omitempty"`
}

func (h *HTTPHandler) Invoke(ctx context.Context, req *Request) ([]byte, error) {
	body, err := json.Marshal(upstreamRequest{
		RequestID:  req.RequestID,
		ProjectID:  req.ProjectID,
		Agent:      h.agent,
		Prompt:     req.Prompt,
		Context:    req.Context,
		Parameters: req.Parameters,
		SubjectID:  req.SubjectID,
		TenantID:   req.TenantID,
		Tenant:     req.Tenant,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if int64(len(data)) > h.cfg.MaxResponseBytes {
		return nil, errors.New("upstream response exceeds size limit")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}

	if json.Valid(data) {
		return data, nil
	}
	return json.Marshal(struct {
		Agent  string `json:"agent"`
		Result string `json:"result"`
	}{Agent: h.agent, Result: string(data)})
}
