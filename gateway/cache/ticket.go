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

package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Ticket represents one upstream computation for a fingerprint. It is
// resolved exactly once, by Store or Invalidate; every waiter observes the
// same payload or the same error.
type Ticket struct {
	Fingerprint string

	done    chan struct{}
	once    sync.Once
	payload []byte
	err     error
	cached  bool
	waiters atomic.Int32
}

func newTicket(fp string) *Ticket {
	return &Ticket{Fingerprint: fp, done: make(chan struct{})}
}

// resolvedTicket wraps an already-stored payload, returned when a claim
// races with a completed store.
func resolvedTicket(fp string, payload []byte) *Ticket {
	t := newTicket(fp)
	t.cached = true
	t.resolve(payload, nil)
	return t
}

func (t *Ticket) resolve(payload []byte, err error) {
	t.once.Do(func() {
		t.payload = payload
		t.err = err
		close(t.done)
	})
}

// Done is closed once the ticket is resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Cached reports whether the ticket was satisfied from a stored entry
// rather than an in-flight computation.
func (t *Ticket) Cached() bool { return t.cached }

// Waiters returns how many callers are currently blocked in Wait.
func (t *Ticket) Waiters() int { return int(t.waiters.Load()) }

// Wait blocks until the ticket resolves or ctx is done. The returned
// payload is shared and must not be modified.
func (t *Ticket) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.payload, t.err
	default:
	}

	t.waiters.Add(1)
	defer t.waiters.Add(-1)

	select {
	case <-t.done:
		return t.payload, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
