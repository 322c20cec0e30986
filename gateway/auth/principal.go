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

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Principal is the authenticated identity derived from a valid token.
// It is never mutated after Validate returns it.
type Principal struct {
	SubjectID     string            `json:"subjectId"`
	Roles         []string          `json:"roles"`
	TenantContext map[string]string `json:"tenantContext,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize succeeds iff the principal holds at least one of required.
// An empty requirement admits any authenticated principal.
func Authorize(p *Principal, required []string) error {
	if p == nil {
		return ErrMissingToken
	}
	if len(required) == 0 {
		return nil
	}
	for _, role := range required {
		if p.HasRole(role) {
			return nil
		}
	}
	return ErrForbidden
}

// ExtractToken reads a bearer token from the Authorization header. When
// allowQuery is set, the access_token query parameter is accepted as a
// fallback for clients (browsers opening websockets) that cannot set headers.
func ExtractToken(r *http.Request, allowQuery bool) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", newError(KindMalformed, errors.New("authorization header must be 'Bearer <token>'"))
		}
		return strings.TrimSpace(token), nil
	}
	if allowQuery {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
