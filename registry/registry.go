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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Resolve when no agent serves the route.
var ErrNotFound = errors.New("agent not found")

// Request is what a Handler receives. The gateway builds it after the
// caller has been authenticated, authorized and admitted.
type Request struct {
	RequestID  string
	ProjectID  string
	AgentName  string
	Prompt     string
	Context    map[string]interface{}
	// Parameters are caller-supplied handler options, e.g. model settings.
	Parameters map[string]interface{}
	SubjectID  string
	TenantID   string
	Tenant     map[string]string
}

// Handler computes an agent's response payload. Returned bytes are cached
// and served verbatim, so they should be a JSON document.
type Handler interface {
	Invoke(ctx context.Context, req *Request) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f HandlerFunc) Invoke(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// Definition describes an agent route.
type Definition struct {
	Name            string        `yaml:"name" json:"name"`
	Description     string        `yaml:"description" json:"description,omitempty"`
	Capabilities    []string      `yaml:"capabilities" json:"capabilities,omitempty"`
	RequiredContext []string      `yaml:"required_context" json:"requiredContext,omitempty"`
	ExampleUsage    string        `yaml:"example_usage" json:"exampleUsage,omitempty"`
	Roles           []string      `yaml:"roles" json:"roles,omitempty"`
	Projects        []string      `yaml:"projects" json:"projects,omitempty"`
	Timeout         time.Duration `yaml:"timeout" json:"-"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"-"`
	NoCache         bool          `yaml:"no_cache" json:"noCache,omitempty"`
	Kind            string        `yaml:"kind" json:"kind,omitempty"`
	Static          *StaticConfig `yaml:"static,omitempty" json:"-"`
	HTTP            *HTTPConfig   `yaml:"http,omitempty" json:"-"`
}

// Agent is a registered route with its handler.
type Agent struct {
	Definition
	Handler Handler
}

// Route is the read-only metadata the gateway needs before dispatch.
type Route struct {
	Exists        bool
	RequiredRoles []string
}

// Registry maps (project, agent name) to agents. Project-scoped agents
// shadow global agents of the same name within their projects.
type Registry struct {
	mu           sync.RWMutex
	global       map[string]*Agent
	scoped       map[string]map[string]*Agent
	defaultRoles []string
}

// New creates an empty registry. defaultRoles apply to agents that declare
// no roles and to authorization of unknown routes.
func New(defaultRoles []string) *Registry {
	return &Registry{
		global:       make(map[string]*Agent),
		scoped:       make(map[string]map[string]*Agent),
		defaultRoles: append([]string(nil), defaultRoles...),
	}
}

// Register adds an agent. A definition with Projects is only visible to
// those projects. Registering the same name twice in one scope fails.
func (r *Registry) Register(def Definition, h Handler) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.New("agent name is required")
	}
	if h == nil {
		return fmt.Errorf("agent %q has no handler", def.Name)
	}
	if len(def.Roles) == 0 {
		def.Roles = append([]string(nil), r.defaultRoles...)
	}
	agent := &Agent{Definition: def, Handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(def.Projects) == 0 {
		if _, dup := r.global[def.Name]; dup {
			return fmt.Errorf("agent %q already registered", def.Name)
		}
		r.global[def.Name] = agent
		return nil
	}

	for _, p := range def.Projects {
		if _, dup := r.scoped[p][def.Name]; dup {
			return fmt.Errorf("agent %q already registered for project %q", def.Name, p)
		}
	}
	for _, p := range def.Projects {
		if r.scoped[p] == nil {
			r.scoped[p] = make(map[string]*Agent)
		}
		r.scoped[p][def.Name] = agent
	}
	return nil
}

// Resolve returns the agent serving projectID/agentName.
func (r *Registry) Resolve(projectID, agentName string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.scoped[projectID][agentName]; ok {
		return a, nil
	}
	if a, ok := r.global[agentName]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, projectID, agentName)
}

// Lookup returns the roles required to call a route. Unknown routes
// require the default roles so that existence is not revealed to callers
// who could not use the route anyway.
func (r *Registry) Lookup(projectID, agentName string) Route {
	a, err := r.Resolve(projectID, agentName)
	if err != nil {
		return Route{RequiredRoles: r.DefaultRoles()}
	}
	return Route{Exists: true, RequiredRoles: append([]string(nil), a.Roles...)}
}

// DefaultRoles returns the registry-wide role requirement.
func (r *Registry) DefaultRoles() []string {
	return append([]string(nil), r.defaultRoles...)
}

// List returns the definitions visible to projectID, sorted by name. An
// empty projectID lists every registered definition once.
func (r *Registry) List(projectID string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Definition
	if projectID != "" {
		visible := make(map[string]*Agent, len(r.global))
		for name, a := range r.global {
			visible[name] = a
		}
		for name, a := range r.scoped[projectID] {
			visible[name] = a
		}
		for _, a := range visible {
			out = append(out, a.Definition)
		}
	} else {
		seen := make(map[*Agent]bool)
		for _, a := range r.global {
			seen[a] = true
			out = append(out, a.Definition)
		}
		for _, agents := range r.scoped {
			for _, a := range agents {
				if !seen[a] {
					seen[a] = true
					out = append(out, a.Definition)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return strings.Join(out[i].Projects, ",") < strings.Join(out[j].Projects, ",")
	})
	return out
}

// Len returns the number of distinct registered agents.
func (r *Registry) Len() int {
	return len(r.List(""))
}
