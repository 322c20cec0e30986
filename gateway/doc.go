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

// Package gateway is the MCP request gateway: it authenticates callers,
// authorizes them against agent routes, applies per-subject rate limits,
// serves repeated requests from the response cache, coalesces concurrent
// identical requests into one upstream call, and records every outcome in
// the audit log and telemetry.
//
// Request flow for POST /agent/{projectId}/{agentName}:
//
//	authenticate  -> 401
//	validate body -> 400
//	authorize     -> 403
//	rate limit    -> 429 + Retry-After
//	resolve agent -> 404
//	cache lookup  -> hit | join in-flight | claim and dispatch
//	dispatch      -> 200 | 500 | 504
//
// Authentication failures, authorization denials and rate-limit denials are
// written to the audit sink before the response is sent. Everything else is
// audited through the asynchronous queue.
//
// Redis problems never fail a request: the limiter admits and the cache
// serves from process memory, and the request is flagged as degraded.
package gateway
