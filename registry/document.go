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
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the YAML layout of an agents file:
//
//	default_roles: [agent.invoke]
//	agents:
//	  - name: onboardingAgent
//	    kind: static
//	    roles: [reader]
//	    timeout: 10s
//	    cache_ttl: 5m
type Document struct {
	DefaultRoles []string     `yaml:"default_roles"`
	Agents       []Definition `yaml:"agents"`
}

// ParseDocument decodes and validates an agents document. Unknown fields
// are rejected so typos surface at startup.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse agents document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks names, kinds and durations.
func (d *Document) Validate() error {
	seen := make(map[string]bool)
	for i, def := range d.Agents {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if def.Kind == "" {
			return fmt.Errorf("agent %q: kind is required", name)
		}
		if def.Timeout < 0 || def.CacheTTL < 0 {
			return fmt.Errorf("agent %q: durations must not be negative", name)
		}
		scopes := def.Projects
		if len(scopes) == 0 {
			scopes = []string{""}
		}
		for _, p := range scopes {
			key := p + "/" + name
			if seen[key] {
				return fmt.Errorf("agent %q defined twice for project %q", name, p)
			}
			seen[key] = true
		}
	}
	return nil
}

// Factory builds a Handler for a definition of a given kind.
type Factory func(def Definition) (Handler, error)

// DefaultFactories returns the built-in static and http kinds. client is
// used by http handlers.
func DefaultFactories(client *http.Client) map[string]Factory {
	return map[string]Factory{
		KindStatic: func(def Definition) (Handler, error) {
			return NewStaticHandler(def.Name, def.Static)
		},
		KindHTTP: func(def Definition) (Handler, error) {
			return NewHTTPHandler(def.Name, def.HTTP, client)
		},
	}
}

// LoadDocument registers every agent in doc. An unknown kind is an error.
func LoadDocument(r *Registry, doc *Document, factories map[string]Factory) error {
	for _, def := range doc.Agents {
		factory, ok := factories[def.Kind]
		if !ok {
			return fmt.Errorf("agent %q: unknown kind %q", def.Name, def.Kind)
		}
		h, err := factory(def)
		if err != nil {
			return err
		}
		if err := r.Register(def, h); err != nil {
			return err
		}
	}
	return nil
}

// Load fetches a document from src and returns a populated registry. The
// document's default_roles, when present, replace defaultRoles.
func Load(ctx context.Context, src Source, factories map[string]Factory, defaultRoles []string) (*Registry, error) {
	data, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agents from %s: %w", src, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	if len(doc.DefaultRoles) > 0 {
		defaultRoles = doc.DefaultRoles
	}
	r := New(defaultRoles)
	if err := LoadDocument(r, doc, factories); err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	return r, nil
}
