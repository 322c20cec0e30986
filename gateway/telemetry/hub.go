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

package telemetry

import (
	"sync"
	"sync/atomic"
)

// Update types pushed to subscribers.
const (
	UpdateSnapshot = "snapshot"
	UpdateEvent    = "event"
)

// Update is one message on a subscription channel. The first message is
// always a snapshot carrying the recent-events tail.
type Update struct {
	Type   string        `json:"type"`
	Stats  *SystemStats  `json:"stats,omitempty"`
	Event  *Observation  `json:"event,omitempty"`
	Recent []Observation `json:"recent,omitempty"`
}

// Subscription is a bounded live feed. When the consumer falls behind, the
// oldest undelivered update is discarded to make room for the newest.
type Subscription struct {
	id      uint64
	ch      chan Update
	hub     *hub
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// C returns the update channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Update { return s.ch }

// Dropped returns how many updates were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer never blocks: on a full buffer it evicts the oldest queued update.
func (s *Subscription) offer(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

type hub struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     map[uint64]*Subscription
	onChange func(n int)
}

func newHub(onChange func(n int)) *hub {
	return &hub{subs: make(map[uint64]*Subscription), onChange: onChange}
}

func (h *hub) add(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	h.mu.Lock()
	h.nextID++
	s := &Subscription{id: h.nextID, ch: make(chan Update, buffer), hub: h}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(n)
	}
	return s
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok && h.onChange != nil {
		h.onChange(n)
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.offer(u)
	}
}
