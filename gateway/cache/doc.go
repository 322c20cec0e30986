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

// Package cache stores agent responses keyed by request fingerprint and
// coalesces concurrent identical requests onto a single computation.
//
// The protocol for a caller is:
//
//	res := c.Lookup(ctx, fp)
//	switch res.Kind {
//	case cache.Hit:
//		// serve res.Payload
//	case cache.InFlight:
//		payload, err := res.Ticket.Wait(ctx)
//	case cache.Miss:
//		ticket, granted := c.Claim(fp)
//		if !granted {
//			payload, err := ticket.Wait(ctx)
//		}
//		// compute, then c.Store(ctx, fp, payload, ttl) or c.Invalidate(fp, err)
//	}
//
// A granted claim must always be followed by Store or Invalidate, otherwise
// waiters block until their own context ends.
package cache
