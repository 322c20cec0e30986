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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcpgateway/config"
	"mcpgateway/gateway"
	"mcpgateway/shared/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	app, err := gateway.NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	logger.New("main").Info("system", "", "starting MCP gateway", map[string]interface{}{
		"addr":        cfg.Server.Addr(),
		"audit_sink":  cfg.Audit.Sink,
		"caching":     cfg.Cache.Enabled,
		"rate_limits": cfg.RateLimit.Enabled,
	})
	return app.Run(ctx)
}
