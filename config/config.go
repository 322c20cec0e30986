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

// Package config loads gateway settings from the environment. A .env file
// in the working directory (or the file named by MCP_ENV_FILE) is read
// first; variables already set in the process take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Audit     AuditConfig
	Agents    AgentsConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxBodyBytes    int64
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SigningKey is one HMAC key. The first configured key signs new tokens.
type SigningKey struct {
	ID     string
	Secret string
}

type AuthConfig struct {
	Secret         string
	SecretARN      string
	AWSRegion      string
	KeyID          string
	PreviousKeys   []SigningKey
	Algorithm      string
	TokenTTL       time.Duration
	MaxTokenTTL    time.Duration
	Issuer         string
	IssuerKey      string
	AdminRoles     []string
	AuditorRoles   []string
	TelemetryRoles []string
	DefaultRoles   []string
}

// Keys returns the active key followed by previous keys.
func (a AuthConfig) Keys() []SigningKey {
	keys := []SigningKey{{ID: a.KeyID, Secret: a.Secret}}
	return append(keys, a.PreviousKeys...)
}

type RedisConfig struct {
	URL string
}

// Enabled reports whether a Redis URL was configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" }

type RateLimitConfig struct {
	Enabled       bool
	PerMinute     int
	Window        time.Duration
	RoleLimits    map[string]int
	SweepInterval time.Duration
}

type CacheConfig struct {
	Enabled       bool
	TTL           time.Duration
	Shards        int
	SweepInterval time.Duration
	Shared        bool
}

// Audit sink names.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkMongo    = "mongodb"
	SinkNone     = "none"
)

type AuditConfig struct {
	Enabled         bool
	Sink            string
	DatabaseURL     string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	FilePath        string
	FallbackPath    string
	QueueSize       int
	Workers         int
	Retention       int
}

type AgentsConfig struct {
	Source         string
	DefaultTimeout time.Duration

	AzureConnectionString string
	AzureAccountName      string
	AzureAccountKey       string
	AzureManagedIdentity  bool

	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
}

type TelemetryConfig struct {
	Alpha            float64
	SubscriberBuffer int
	RecentSize       int
	SnapshotRecent   int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// Load reads the optional .env file and then the environment.
func Load() (*Config, error) {
	if path := os.Getenv("MCP_ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() (*Config, error) {
	previous, err := parseKeyList(os.Getenv("JWT_PREVIOUS_KEYS"))
	if err != nil {
		return nil, err
	}
	roleLimits, err := parseRoleLimits(os.Getenv("RATE_LIMIT_ROLE_LIMITS"))
	if err != nil {
		return nil, err
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" && os.Getenv("REDIS_HOST") != "" {
		redisURL = buildRedisURL(
			os.Getenv("REDIS_HOST"),
			getEnv("REDIS_PORT", "6379"),
			os.Getenv("REDIS_PASSWORD"),
			getEnvInt("REDIS_DB", 0),
		)
	}

	logLevel := getEnv("LOG_LEVEL", "info")
	if getEnvBool("MCP_DEBUG", false) {
		logLevel = "debug"
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MCP_HOST", "0.0.0.0"),
			Port:            getEnvInt("MCP_PORT", 8080),
			ReadTimeout:     getEnvDuration("MCP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("MCP_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:     getEnvDuration("MCP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("MCP_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvList("MCP_ALLOWED_ORIGINS", []string{"*"}),
			MaxBodyBytes:    int64(getEnvInt("MCP_MAX_BODY_BYTES", 1<<20)),
		},
		Auth: AuthConfig{
			Secret:         os.Getenv("JWT_SECRET_KEY"),
			SecretARN:      os.Getenv("JWT_SECRET_ARN"),
			AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
			KeyID:          getEnv("JWT_KEY_ID", "primary"),
			PreviousKeys:   previous,
			Algorithm:      getEnv("JWT_ALGORITHM", "HS256"),
			TokenTTL:       time.Duration(getEnvInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
			MaxTokenTTL:    getEnvDuration("JWT_MAX_TTL", 7*24*time.Hour),
			Issuer:         getEnv("JWT_ISSUER", "mcp-gateway"),
			IssuerKey:      os.Getenv("TOKEN_ISSUER_KEY"),
			AdminRoles:     getEnvList("MCP_ADMIN_ROLES", []string{"admin"}),
			AuditorRoles:   getEnvList("MCP_AUDITOR_ROLES", []string{"admin", "auditor"}),
			TelemetryRoles: getEnvList("MCP_TELEMETRY_ROLES", []string{"admin", "operator"}),
			DefaultRoles:   getEnvList("MCP_DEFAULT_ROLES", []string{"agent.invoke"}),
		},
		Redis: RedisConfig{URL: redisURL},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			PerMinute:     getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			RoleLimits:    roleLimits,
			SweepInterval: getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
		},
		Cache: CacheConfig{
			Enabled:       getEnvBool("ENABLE_CACHING", true),
			TTL:           time.Duration(getEnvInt("CACHE_TTL_SECONDS", 300)) * time.Second,
			Shards:        getEnvInt("CACHE_SHARDS", 64),
			SweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute),
			Shared:        getEnvBool("CACHE_SHARED", true),
		},
		Audit: AuditConfig{
			Enabled:         getEnvBool("ENABLE_AUDIT_LOGGING", true),
			Sink:            strings.ToLower(getEnv("AUDIT_SINK", SinkFile)),
			DatabaseURL:     os.Getenv("DATABASE_URL"),
			MongoURI:        os.Getenv("MONGO_URI"),
			MongoDatabase:   getEnv("MONGO_DATABASE", "mcp_gateway"),
			MongoCollection: getEnv("MONGO_COLLECTION", "audit_events"),
			FilePath:        getEnv("AUDIT_FILE_PATH", "data/audit.jsonl"),
			FallbackPath:    getEnv("AUDIT_FALLBACK_PATH", "data/audit-fallback.jsonl"),
			QueueSize:       getEnvInt("AUDIT_QUEUE_SIZE", 10000),
			Workers:         getEnvInt("AUDIT_WORKERS", 4),
			Retention:       getEnvInt("AUDIT_RETENTION", 100000),
		},
		Agents: AgentsConfig{
			Source:                getEnv("AGENTS_SOURCE", "configs/agents.yaml"),
			DefaultTimeout:        getEnvDuration("AGENTS_DEFAULT_TIMEOUT", 30*time.Second),
			AzureConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
			AzureAccountName:      os.Getenv("AZURE_STORAGE_ACCOUNT_NAME"),
			AzureAccountKey:       os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"),
			AzureManagedIdentity:  getEnvBool("AZURE_USE_MANAGED_IDENTITY", false),
			S3Region:              getEnv("AGENTS_S3_REGION", getEnv("AWS_REGION", "us-east-1")),
			S3Endpoint:            os.Getenv("AGENTS_S3_ENDPOINT"),
			S3AccessKeyID:         os.Getenv("AWS_ACCESS_KEY_ID"),
			S3SecretAccessKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
			S3ForcePathStyle:      getEnvBool("AGENTS_S3_FORCE_PATH_STYLE", false),
		},
		Telemetry: TelemetryConfig{
			Alpha:            getEnvFloat("TELEMETRY_EWMA_ALPHA", 0.2),
			SubscriberBuffer: getEnvInt("TELEMETRY_SUBSCRIBER_BUFFER", 64),
			RecentSize:       getEnvInt("TELEMETRY_RECENT_SIZE", 1000),
			SnapshotRecent:   getEnvInt("TELEMETRY_SNAPSHOT_RECENT", 50),
		},
		Log: LogConfig{
			Level:  strings.ToLower(logLevel),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot start with. The signing
// secret is checked here only if no Secrets Manager ARN will supply it.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("MCP_PORT %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MCP_MAX_BODY_BYTES must be positive"))
	}

	if c.Auth.Algorithm != "HS256" {
		errs = append(errs, fmt.Errorf("JWT_ALGORITHM %q is not supported, only HS256", c.Auth.Algorithm))
	}
	if c.Auth.Secret == "" && c.Auth.SecretARN == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY or JWT_SECRET_ARN is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_EXPIRATION_HOURS must be positive"))
	}
	if c.Auth.MaxTokenTTL < c.Auth.TokenTTL {
		errs = append(errs, errors.New("JWT_MAX_TTL must not be shorter than the default token lifetime"))
	}
	if len(c.Auth.DefaultRoles) == 0 {
		errs = append(errs, errors.New("MCP_DEFAULT_ROLES must name at least one role"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PerMinute <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
		}
		if c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
		}
	}

	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("CACHE_TTL_SECONDS must not be negative"))
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink {
		case SinkFile:
			if c.Audit.FilePath == "" {
				errs = append(errs, errors.New("AUDIT_FILE_PATH is required for the file sink"))
			}
		case SinkPostgres:
			if c.Audit.DatabaseURL == "" {
				errs = append(errs, errors.New("DATABASE_URL is required for the postgres sink"))
			}
		case SinkMongo:
			if c.Audit.MongoURI == "" {
				errs = append(errs, errors.New("MONGO_URI is required for the mongodb sink"))
			}
		case SinkNone:
		default:
			errs = append(errs, fmt.Errorf("AUDIT_SINK %q is not one of file, postgres, mongodb, none", c.Audit.Sink))
		}
	}

	if c.Agents.Source == "" {
		errs = append(errs, errors.New("AGENTS_SOURCE is required"))
	}
	if c.Agents.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("AGENTS_DEFAULT_TIMEOUT must be positive"))
	}

	if c.Telemetry.Alpha <= 0 || c.Telemetry.Alpha > 1 {
		errs = append(errs, fmt.Errorf("TELEMETRY_EWMA_ALPHA %v must be in (0, 1]", c.Telemetry.Alpha))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func buildRedisURL(host, port, password string, db int) string {
	if password != "" {
		return fmt.Sprintf("redis://:%s@%s:%s/%d", password, host, port, db)
	}
	return fmt.Sprintf("redis://%s:%s/%d", host, port, db)
}

// parseKeyList parses "kid:secret,kid:secret".
func parseKeyList(raw string) ([]SigningKey, error) {
	var keys []SigningKey
	for _, item := range splitList(raw) {
		id, secret, ok := strings.Cut(item, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("JWT_PREVIOUS_KEYS entry %q must be kid:secret", item)
		}
		keys = append(keys, SigningKey{ID: id, Secret: secret})
	}
	return keys, nil
}

// parseRoleLimits parses "role:limit,role:limit".
func parseRoleLimits(raw string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, item := range splitList(raw) {
		role, value, ok := strings.Cut(item, ":")
		n, err := strconv.Atoi(value)
		if !ok || role == "" || err != nil || n <= 0 {
			return nil, fmt.Errorf("RATE_LIMIT_ROLE_LIMITS entry %q must be role:positive-int", item)
		}
		limits[role] = n
	}
	return limits, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if list := splitList(os.Getenv(key)); len(list) > 0 {
		return list
	}
	return defaultValue
}
