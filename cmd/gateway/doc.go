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

/*
Command gateway runs the MCP request gateway.

The gateway sits in front of a set of agents and handles bearer token
authentication, role checks, per-subject rate limiting, response caching
with request coalescing, audit logging and live telemetry.

# Usage

	gateway

# Environment Variables

Required (one of):
  - JWT_SECRET: HMAC signing secret, at least 16 bytes
  - JWT_SECRET_ARN: AWS Secrets Manager ARN holding the signing secret

Optional:
  - MCP_PORT: HTTP server port (default: 8080)
  - AGENTS_SOURCE: agents document, a path or file://, azblob:// or s3:// URL
    (default: configs/agents.yaml)
  - REDIS_URL: Redis URL for the shared rate limiter and cache tier
  - AUDIT_SINK: "file", "postgres", "mongodb" or "none" (default: file)
  - TOKEN_ISSUER_KEY: shared key required by POST /auth/token
  - LOG_LEVEL, LOG_FORMAT: zerolog level and "json" or "console"

A .env file in the working directory is read when present; MCP_ENV_FILE
names a different one.

# Example

	export JWT_SECRET="change-me-to-a-long-random-value"
	export REDIS_URL="redis://localhost:6379/0"
	./gateway
*/
package main
