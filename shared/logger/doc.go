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
Package logger provides structured JSON logging for gateway components.

Each component creates its own logger:

	log := logger.New("gateway")

and logs with the caller's subject and the request ID:

	log.Info("u1", "req-456", "Request admitted", map[string]interface{}{
	    "agent": "onboardingAgent",
	})

Entries are written through zerolog as single-line JSON:

	{"level":"INFO","component":"gateway","instance_id":"i-abc123",
	 "container":"gw-xyz","client_id":"u1","request_id":"req-456",
	 "fields":{"agent":"onboardingAgent"},"timestamp":"...","message":"Request admitted"}

Configure sets the process-wide level, format (json or console) and
output (stdout, stderr or a file path).

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

Logger instances are safe for concurrent use.
*/
package logger
