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

// Package auth issues and validates the gateway's HS256 bearer tokens and
// performs role-based authorization.
//
// Tokens are stateless: a token is valid iff its signature verifies under a
// key in the configured keyring and it has not expired. There is no
// revocation list; every token carries a jti so one can be added.
package auth
