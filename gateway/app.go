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
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mcpgateway/config"
	"mcpgateway/gateway/audit"
	"mcpgateway/gateway/auth"
	"mcpgateway/gateway/cache"
	"mcpgateway/gateway/ratelimit"
	"mcpgateway/gateway/telemetry"
	"mcpgateway/registry"
	"mcpgateway/shared/logger"
)

// App owns the gateway's long-lived resources.
type App struct {
	cfg     *config.Config
	gateway *Gateway
	server  *http.Server
	cache   *cache.Cache
	audit   *audit.Log
	memory  *ratelimit.MemoryLimiter
	redis   *redis.Client
	log     *logger.Logger
}

// NewApp builds every component from cfg. Redis being unreachable is not
// fatal: the limiter and cache fall back to process-local state. Signing
// keys, the agents document and the audit sink are required.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	log := logger.New("app")

	if err := cfg.ResolveSecrets(ctx); err != nil {
		return nil, err
	}
	tokens, err := newTokenService(cfg.Auth)
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("system", "", "agent registry loaded", map[string]interface{}{
		"source": cfg.Agents.Source,
		"agents": reg.Len(),
	})

	app := &App{cfg: cfg, log: log}

	if cfg.Redis.Enabled() {
		client, err := ratelimit.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn("system", "", "Redis unavailable, using in-memory rate limiting and cache", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			app.redis = client
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rlCfg := ratelimit.Config{Limit: cfg.RateLimit.PerMinute, Window: cfg.RateLimit.Window}
		if app.redis != nil {
			limiter = ratelimit.NewRedisLimiter(app.redis, rlCfg)
		} else {
			app.memory = ratelimit.NewMemoryLimiter(rlCfg)
			limiter = app.memory
		}
	}

	cacheOpts := cache.Options{Shards: cfg.Cache.Shards, SweepInterval: cfg.Cache.SweepInterval}
	if app.redis != nil && cfg.Cache.Shared && cfg.Cache.Enabled {
		cacheOpts.Shared = cache.NewRedisStore(app.redis, "")
	}
	app.cache = cache.New(cacheOpts)

	sink, err := openAuditSink(ctx, cfg.Audit)
	if err != nil {
		app.closeRedis()
		return nil, err
	}
	fallback := cfg.Audit.FallbackPath
	if !cfg.Audit.Enabled {
		fallback = ""
	}
	app.audit, err = audit.NewLog(audit.Options{
		Sink:         sink,
		FallbackPath: fallback,
		QueueSize:    cfg.Audit.QueueSize,
		Workers:      cfg.Audit.Workers,
		Retention:    cfg.Audit.Retention,
	})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		app.closeRedis()
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	agg := telemetry.NewAggregator(telemetry.Options{
		Alpha:          cfg.Telemetry.Alpha,
		RecentSize:     cfg.Telemetry.RecentSize,
		SnapshotRecent: cfg.Telemetry.SnapshotRecent,
		Registerer:     promRegistry,
	})

	app.gateway, err = New(Options{
		Tokens:           tokens,
		Registry:         reg,
		Limiter:          limiter,
		RatePolicy:       ratelimit.Policy{Default: cfg.RateLimit.PerMinute, Roles: cfg.RateLimit.RoleLimits},
		Cache:            app.cache,
		Audit:            app.audit,
		Telemetry:        agg,
		Gatherer:         promRegistry,
		DefaultTimeout:   cfg.Agents.DefaultTimeout,
		CacheTTL:         cfg.Cache.TTL,
		CachingDisabled:  !cfg.Cache.Enabled,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		AdminRoles:       cfg.Auth.AdminRoles,
		AuditorRoles:     cfg.Auth.AuditorRoles,
		TelemetryRoles:   cfg.Auth.TelemetryRoles,
		IssuerKey:        cfg.Auth.IssuerKey,
		MaxTokenTTL:      cfg.Auth.MaxTokenTTL,
		SubscriberBuffer: cfg.Telemetry.SubscriberBuffer,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	})
	if err != nil {
		_ = app.audit.Shutdown(ctx)
		app.closeRedis()
		return nil, err
	}
	if cfg.Auth.IssuerKey == "" {
		log.Warn("system", "", "TOKEN_ISSUER_KEY not set, /auth/token is open to any caller", nil)
	}

	app.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      app.gateway.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

// Gateway exposes the wired gateway.
func (a *App) Gateway() *Gateway { return a.gateway }

// Run serves until ctx is cancelled, then shuts down gracefully: the HTTP
// server stops accepting and drains, the audit queue is flushed, and Redis
// is closed.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		a.cache.Run(bgCtx)
	}()
	if a.memory != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.memory.Run(bgCtx, a.cfg.RateLimit.SweepInterval)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("system", "", "MCP gateway listening", map[string]interface{}{"addr": ln.Addr().String()})
		serveErr <- a.server.Serve(ln)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info("system", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	stopBackground()
	bg.Wait()

	if err := a.audit.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("audit shutdown: %w", err)
	}
	a.closeRedis()
	return runErr
}

func (a *App) closeRedis() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func newTokenService(cfg config.AuthConfig) (*auth.TokenService, error) {
	var keys []auth.Key
	for _, k := range cfg.Keys() {
		keys = append(keys, auth.Key{ID: k.ID, Secret: []byte(k.Secret)})
	}
	svc, err := auth.NewTokenService(auth.Config{
		Issuer:     cfg.Issuer,
		Keys:       keys,
		DefaultTTL: cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid signing configuration: %w", err)
	}
	return svc, nil
}

func loadRegistry(ctx context.Context, cfg *config.Config) (*registry.Registry, error) {
	src, err := registry.OpenSource(ctx, cfg.Agents.Source, registry.SourceOptions{
		Blob: registry.BlobConfig{
			ConnectionString:   cfg.Agents.AzureConnectionString,
			AccountName:        cfg.Agents.AzureAccountName,
			AccountKey:         cfg.Agents.AzureAccountKey,
			UseManagedIdentity: cfg.Agents.AzureManagedIdentity,
		},
		S3: registry.S3Config{
			Region:          cfg.Agents.S3Region,
			Endpoint:        cfg.Agents.S3Endpoint,
			AccessKeyID:     cfg.Agents.S3AccessKeyID,
			SecretAccessKey: cfg.Agents.S3SecretAccessKey,
			ForcePathStyle:  cfg.Agents.S3ForcePathStyle,
		},
	})
	if err != nil {
		return nil, err
	}
	// Upstream calls are bounded by per-agent contexts.
	return registry.Load(ctx, src, registry.DefaultFactories(&http.Client{}), cfg.Auth.DefaultRoles)
}

func openAuditSink(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Sink {
	case config.SinkFile:
		return audit.OpenFileSink(cfg.FilePath)
	case config.SinkPostgres:
		return audit.OpenPostgresSink(ctx, cfg.DatabaseURL)
	case config.SinkMongo:
		return audit.OpenMongoSink(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	case config.SinkNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
}
