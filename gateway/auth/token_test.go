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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-0123456789abcdef"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(t *testing.T, clock *fakeClock, keys ...Key) *TokenService {
	t.Helper()
	if len(keys) == 0 {
		keys = []Key{{ID: "k1", Secret: []byte(testSecret)}}
	}
	svc, err := NewTokenService(Config{
		Issuer:     "mcp-gateway",
		Keys:       keys,
		DefaultTTL: time.Hour,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	return svc
}

func TestNewTokenService_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		keys []Key
	}{
		{"no keys", nil},
		{"empty kid", []Key{{ID: "", Secret: []byte(testSecret)}}},
		{"short secret", []Key{{ID: "k1", Secret: []byte("short")}}},
		{"duplicate kid", []Key{{ID: "k1", Secret: []byte(testSecret)}, {ID: "k1", Secret: []byte(testSecret)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenService(Config{Keys: tt.keys})
			assert.Error(t, err)
		})
	}
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	tok, err := svc.Issue("u1", []string{"reader", "admin", "reader"}, map[string]string{"tenant": "acme"}, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "k1", tok.KeyID)
	assert.Equal(t, AlgorithmHS256, tok.Algorithm)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, clock.t.Add(30*time.Minute), tok.ExpiresAt)

	p, err := svc.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.SubjectID)
	assert.Equal(t, []string{"reader", "admin"}, p.Roles)
	assert.Equal(t, map[string]string{"tenant": "acme"}, p.TenantContext)
	assert.True(t, tok.ExpiresAt.Equal(p.ExpiresAt))
}

func TestIssue_DefaultTTLAndValidation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	tok, err := svc.Issue("u1", nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, clock.t.Add(time.Hour), tok.ExpiresAt)

	_, err = svc.Issue("  ", nil, nil, time.Minute)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	tok, err := svc.Issue("u1", []string{"reader"}, nil, time.Minute)
	require.NoError(t, err)

	clock.t = clock.t.Add(2 * time.Minute)
	p, err := svc.Validate(tok.Value)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrExpired), "got %v", err)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestValidate_InvalidSignature(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	other := newTestService(t, clock, Key{ID: "k1", Secret: []byte("a-completely-different-secret")})

	forged, err := other.Issue("u1", []string{"admin"}, nil, time.Hour)
	require.NoError(t, err)

	p, err := svc.Validate(forged.Value)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
}

func TestValidate_ExpiredAndForgedReportsSignature(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	other := newTestService(t, clock, Key{ID: "k1", Secret: []byte("a-completely-different-secret")})

	forged, err := other.Issue("u1", nil, nil, time.Minute)
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Hour)

	_, err = svc.Validate(forged.Value)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
}

func TestValidate_UnknownKeyID(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)
	other := newTestService(t, clock, Key{ID: "k9", Secret: []byte(testSecret)})

	tok, err := other.Issue("u1", nil, nil, time.Hour)
	require.NoError(t, err)

	_, err = svc.Validate(tok.Value)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
}

func TestValidate_WrongAlgorithm(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "mcp-gateway",
		ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
	}}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, c)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.Validate(signed)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
}

func TestValidate_Malformed(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, clock)

	for _, raw := range []string{"abc", "not.a.token", "a.b"} {
		t.Run(raw, func(t *testing.T) {
			_, err := svc.Validate(raw)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}

	_, err := svc.Validate("")
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestValidate_KeyRotation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	oldKey := Key{ID: "2024", Secret: []byte("old-secret-0123456789abcdef")}
	newKey := Key{ID: "2025", Secret: []byte("new-secret-0123456789abcdef")}

	before := newTestService(t, clock, oldKey)
	tok, err := before.Issue("u1", []string{"reader"}, nil, time.Hour)
	require.NoError(t, err)

	after := newTestService(t, clock, newKey, oldKey)
	p, err := after.Validate(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.SubjectID)

	fresh, err := after.Issue("u2", nil, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "2025", fresh.KeyID)
}

func TestAuthorize(t *testing.T) {
	p := &Principal{SubjectID: "u1", Roles: []string{"reader"}}

	tests := []struct {
		name     string
		p        *Principal
		required []string
		want     error
	}{
		{"empty requirement", p, nil, nil},
		{"intersecting role", p, []string{"admin", "reader"}, nil},
		{"missing role", p, []string{"admin"}, ErrForbidden},
		{"no principal", nil, nil, ErrMissingToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.p, tt.required)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		target     string
		allowQuery bool
		want       string
		wantKind   ErrorKind
	}{
		{name: "bearer header", header: "Bearer abc", target: "/", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", target: "/", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", target: "/", wantKind: KindMalformed},
		{name: "missing", target: "/", wantKind: KindMissing},
		{name: "query ignored", target: "/?access_token=q", wantKind: KindMissing},
		{name: "query allowed", target: "/?access_token=q", allowQuery: true, want: "q"},
		{name: "header wins", header: "Bearer h", target: "/?access_token=q", allowQuery: true, want: "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractToken(r, tt.allowQuery)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
