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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Cache.Enabled)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, SinkFile, cfg.Audit.Sink)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, []string{"agent.invoke"}, cfg.Auth.DefaultRoles)
	assert.Equal(t, "info", cfg.Log.Level)

	keys := cfg.Auth.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "primary", keys[0].ID)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123")
	t.Setenv("JWT_KEY_ID", "k2")
	t.Setenv("JWT_PREVIOUS_KEYS", "k1:oldsecret-oldsecret, k0:older-secret-value")
	t.Setenv("MCP_PORT", "9090")
	t.Setenv("MCP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_ROLE_LIMITS", "admin:600,svc:1200")
	t.Setenv("RATE_LIMIT_WINDOW", "30")
	t.Setenv("CACHE_TTL_SECONDS", "10")
	t.Setenv("MCP_DEBUG", "true")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("REDIS_DB", "2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, map[string]int{"admin": 600, "svc": 1200}, cfg.RateLimit.RoleLimits)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis://:pw@cache.internal:6379/2", cfg.Redis.URL)

	keys := cfg.Auth.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "k2", keys[0].ID)
	assert.Equal(t, SigningKey{ID: "k1", Secret: "oldsecret-oldsecret"}, keys[1])
}

func TestFromEnv_RedisURLWins(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://primary:6379/0")
	t.Setenv("REDIS_HOST", "ignored")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis://primary:6379/0", cfg.Redis.URL)
}

func TestFromEnv_MalformedLists(t *testing.T) {
	t.Setenv("JWT_PREVIOUS_KEYS", "justakey")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("JWT_PREVIOUS_KEYS", "")
	t.Setenv("RATE_LIMIT_ROLE_LIMITS", "admin:lots")
	_, err = FromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123")
		cfg, err := FromEnv()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no secret", func(c *Config) { c.Auth.Secret = "" }},
		{"unsupported algorithm", func(c *Config) { c.Auth.Algorithm = "RS256" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"zero limit", func(c *Config) { c.RateLimit.PerMinute = 0 }},
		{"unknown sink", func(c *Config) { c.Audit.Sink = "kafka" }},
		{"postgres without dsn", func(c *Config) { c.Audit.Sink = SinkPostgres }},
		{"mongo without uri", func(c *Config) { c.Audit.Sink = SinkMongo }},
		{"alpha out of range", func(c *Config) { c.Telemetry.Alpha = 1.5 }},
		{"no default roles", func(c *Config) { c.Auth.DefaultRoles = nil }},
		{"max ttl below default", func(c *Config) { c.Auth.MaxTokenTTL = time.Hour }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("arn instead of secret", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.Secret = ""
		cfg.Auth.SecretARN = "arn:aws:secretsmanager:us-east-1:123:secret:jwt"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled rate limit ignores limit", func(t *testing.T) {
		cfg := base(t)
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.PerMinute = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET_KEY=from-env-file-0123456\nMCP_PORT=7070\n"), 0o600))
	t.Setenv("MCP_ENV_FILE", path)
	t.Setenv("MCP_PORT", "7171")
	// godotenv.Load sets variables in the process; clear them afterwards.
	t.Setenv("JWT_SECRET_KEY", "")
	require.NoError(t, os.Unsetenv("JWT_SECRET_KEY"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env-file-0123456", cfg.Auth.Secret)
	assert.Equal(t, 7171, cfg.Server.Port, "process environment wins over the env file")

	t.Setenv("MCP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err = Load()
	assert.Error(t, err)
}

type fakeSecrets struct {
	value *string
	err   error
	asked string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.asked = aws.ToString(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.value}, nil
}

func TestResolveSigningKey(t *testing.T) {
	arn := "arn:aws:secretsmanager:us-east-1:123456789012:secret:gateway-jwt"

	t.Run("json field", func(t *testing.T) {
		cfg := &Config{Auth: AuthConfig{SecretARN: arn}}
		fake := &fakeSecrets{value: aws.String(`{"jwt_secret":"from-json-0123456789"}`)}
		require.NoError(t, cfg.resolveSigningKey(context.Background(), fake))
		assert.Equal(t, "from-json-0123456789", cfg.Auth.Secret)
		assert.Equal(t, arn, fake.asked)
	})

	t.Run("plain string", func(t *testing.T) {
		cfg := &Config{Auth: AuthConfig{SecretARN: arn}}
		fake := &fakeSecrets{value: aws.String("raw-secret-value-0123")}
		require.NoError(t, cfg.resolveSigningKey(context.Background(), fake))
		assert.Equal(t, "raw-secret-value-0123", cfg.Auth.Secret)
	})

	t.Run("json without field", func(t *testing.T) {
		cfg := &Config{Auth: AuthConfig{SecretARN: arn}}
		fake := &fakeSecrets{value: aws.String(`{"password":"x"}`)}
		assert.Error(t, cfg.resolveSigningKey(context.Background(), fake))
	})

	t.Run("api error masks arn", func(t *testing.T) {
		cfg := &Config{Auth: AuthConfig{SecretARN: arn}}
		fake := &fakeSecrets{err: errors.New("AccessDenied")}
		err := cfg.resolveSigningKey(context.Background(), fake)
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "123456789012")
	})

	t.Run("explicit secret skips lookup", func(t *testing.T) {
		cfg := &Config{Auth: AuthConfig{Secret: "explicit", SecretARN: arn}}
		require.NoError(t, cfg.ResolveSecrets(context.Background()))
		assert.Equal(t, "explicit", cfg.Auth.Secret)
	})
}
