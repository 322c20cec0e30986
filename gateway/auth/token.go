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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AlgorithmHS256 is the only signing algorithm the token service accepts.
const AlgorithmHS256 = "HS256"

// minSecretLength guards against trivially brute-forceable HMAC keys.
const minSecretLength = 16

// Key is one HMAC signing key identified by its kid header value.
type Key struct {
	ID     string
	Secret []byte
}

// Config configures a TokenService.
//
// Keys[0] is the active signing key; the remaining keys are accepted for
// verification only, which lets operators rotate secrets without
// invalidating tokens that are still in flight.
type Config struct {
	Issuer     string
	Keys       []Key
	DefaultTTL time.Duration
	Now        func() time.Time
}

// Token is an issued bearer credential.
type Token struct {
	Value     string    `json:"token"`
	ID        string    `json:"jti"`
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type claims struct {
	Roles  []string          `json:"roles"`
	Tenant map[string]string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and validates stateless signed tokens.
// It holds no per-token state and is safe for concurrent use.
type TokenService struct {
	issuer     string
	active     Key
	keys       map[string][]byte
	defaultTTL time.Duration
	now        func() time.Time
	parser     *jwt.Parser
}

// NewTokenService validates the key material and builds a TokenService.
// Errors here are startup configuration errors.
func NewTokenService(cfg Config) (*TokenService, error) {
	if len(cfg.Keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}

	keys := make(map[string][]byte, len(cfg.Keys))
	for i, k := range cfg.Keys {
		if k.ID == "" {
			return nil, fmt.Errorf("signing key %d has no key id", i)
		}
		if len(k.Secret) < minSecretLength {
			return nil, fmt.Errorf("signing key %q is shorter than %d bytes", k.ID, minSecretLength)
		}
		if _, dup := keys[k.ID]; dup {
			return nil, fmt.Errorf("duplicate signing key id %q", k.ID)
		}
		keys[k.ID] = k.Secret
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{AlgorithmHS256}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &TokenService{
		issuer:     cfg.Issuer,
		active:     cfg.Keys[0],
		keys:       keys,
		defaultTTL: ttl,
		now:        now,
		parser:     jwt.NewParser(opts...),
	}, nil
}

// DefaultTTL returns the lifetime applied when Issue is called with ttl <= 0.
func (s *TokenService) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Issue signs a token for the given identity with expiresAt = now + ttl.
func (s *TokenService) Issue(subjectID string, roles []string, tenant map[string]string, ttl time.Duration) (*Token, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, errors.New("subject id is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))
	jti := uuid.NewString()

	c := claims{
		Roles:  normalizeRoles(roles),
		Tenant: copyTenant(tenant),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	tok.Header["kid"] = s.active.ID

	signed, err := tok.SignedString(s.active.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		Value:     signed,
		ID:        jti,
		KeyID:     s.active.ID,
		Algorithm: AlgorithmHS256,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// Validate verifies signature and expiry and returns the embedded Principal.
// Every failure is an *Error of kind InvalidSignature, Expired or Malformed.
func (s *TokenService) Validate(tokenString string) (*Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	var c claims
	_, err := s.parser.ParseWithClaims(tokenString, &c, s.keyFunc)
	if err != nil {
		return nil, classify(err)
	}
	if c.Subject == "" {
		return nil, newError(KindMalformed, errors.New("token has no subject"))
	}

	p := &Principal{
		SubjectID:     c.Subject,
		Roles:         normalizeRoles(c.Roles),
		TenantContext: copyTenant(c.Tenant),
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return p, nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		// Tokens without a kid are only accepted under the active key.
		return s.active.Secret, nil
	}
	secret, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return secret, nil
}

// classify maps jwt parser errors onto the three AuthError kinds.
// Anything that is neither malformed nor expired is treated as a
// signature failure: the token cannot be trusted.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(KindMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(KindInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(KindExpired, err)
	default:
		return newError(KindInvalidSignature, err)
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func copyTenant(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
