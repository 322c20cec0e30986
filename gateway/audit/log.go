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

package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mcpgateway/shared/logger"
)

// Options configures a Log.
type Options struct {
	// Sink receives every event. Nil keeps events in memory only.
	Sink Sink
	// FallbackPath is a JSON-lines file used when the sink fails or the
	// queue is full. Empty disables the fallback.
	FallbackPath string
	QueueSize    int
	Workers      int
	// Retention caps the in-memory index; the oldest events are dropped.
	Retention int
	Retries   int
	// StopGrace bounds how long Shutdown waits for in-flight worker writes
	// after ctx has ended. Defaults to 2s.
	StopGrace time.Duration
	Now       func() time.Time
}

// Stats summarises the log's delivery counters.
type Stats struct {
	Sink      string `json:"sink"`
	Indexed   int    `json:"indexed"`
	Recorded  uint64 `json:"recorded"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Fallback  uint64 `json:"fallback"`
	Pending   int    `json:"pending"`
	LastSeq   uint64 `json:"lastSeq"`
}

// Log is the append-only audit trail. It keeps a queryable in-memory index
// and forwards events to a durable Sink, synchronously via Record or through
// a worker queue via RecordAsync.
type Log struct {
	mu        sync.RWMutex
	events    []Event
	seq       uint64
	lastTS    time.Time
	retention int
	now       func() time.Time

	sink     Sink
	fallback *FileSink
	retries  int

	closeMu   sync.RWMutex
	closed    bool
	queue     chan Event
	wg        sync.WaitGroup
	stopCtx   context.Context
	stop      context.CancelFunc
	stopGrace time.Duration

	recorded, persisted, failed, fellBack atomic.Uint64

	log *logger.Logger
}

// NewLog opens the fallback file and starts the queue workers.
func NewLog(opts Options) (*Log, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retention <= 0 {
		opts.Retention = 100000
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 2 * time.Second
	}

	l := &Log{
		retention: opts.Retention,
		now:       opts.Now,
		sink:      opts.Sink,
		retries:   opts.Retries,
		queue:     make(chan Event, opts.QueueSize),
		stopGrace: opts.StopGrace,
		log:       logger.New("audit"),
	}
	l.stopCtx, l.stop = context.WithCancel(context.Background())

	if opts.FallbackPath != "" {
		fb, err := OpenFileSink(opts.FallbackPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open fallback file: %w", err)
		}
		l.fallback = fb
	}

	for i := 0; i < opts.Workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}

	l.log.Info("system", "", "audit log started", map[string]interface{}{
		"sink":      l.sinkName(),
		"workers":   opts.Workers,
		"queue":     opts.QueueSize,
		"fallback":  opts.FallbackPath,
		"retention": opts.Retention,
	})
	return l, nil
}

func (l *Log) sinkName() string {
	if l.sink == nil {
		return "memory"
	}
	return l.sink.Name()
}

// append assigns ID, Seq and Timestamp under one lock so that index order,
// Seq order and timestamp order agree.
func (l *Log) append(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if len(e.Details) > 0 {
		details := make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}

	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	ts := l.now().UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	l.lastTS = ts
	e.Timestamp = ts

	l.events = append(l.events, e)
	if over := len(l.events) - l.retention; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
	l.mu.Unlock()

	l.recorded.Add(1)
	return e
}

// Record appends e and writes it to the sink before returning. The event is
// in the index even when persistence fails; the error reports that neither
// the sink nor the fallback file accepted it.
func (l *Log) Record(ctx context.Context, e Event) (Event, error) {
	e = l.append(e)
	if l.sink == nil {
		return e, nil
	}
	return e, l.persist(ctx, e)
}

// RecordAsync appends e and queues the durable write. A full queue, or a
// log that is shutting down, writes straight to the fallback file.
func (l *Log) RecordAsync(e Event) Event {
	e = l.append(e)
	if l.sink == nil {
		return e
	}

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.writeFallback(e)
		return e
	}
	select {
	case l.queue <- e:
	default:
		l.log.Warn("system", e.RequestID, "audit queue full, writing to fallback", nil)
		l.writeFallback(e)
	}
	return e
}

func (l *Log) persist(ctx context.Context, e Event) error {
	err := l.writeWithRetry(ctx, e)
	if err == nil {
		l.persisted.Add(1)
		return nil
	}

	l.failed.Add(1)
	l.log.ErrorWithCode("system", e.RequestID, "audit sink write failed", 0, err, map[string]interface{}{
		"event_id": e.ID,
		"sink":     l.sink.Name(),
	})
	if fbErr := l.writeFallback(e); fbErr != nil {
		return fmt.Errorf("audit event %s not persisted: %w", e.ID, err)
	}
	return nil
}

func (l *Log) writeWithRetry(ctx context.Context, e Event) error {
	var err error
	for attempt := 0; attempt < l.retries; attempt++ {
		if err = l.sink.Write(ctx, e); err == nil {
			return nil
		}
		if attempt == l.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(time.Duration(100*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func (l *Log) writeFallback(e Event) error {
	if l.fallback == nil {
		return fmt.Errorf("no fallback configured")
	}
	if err := l.fallback.Write(context.Background(), e); err != nil {
		l.log.ErrorWithCode("system", e.RequestID, "audit fallback write failed", 0, err, nil)
		return err
	}
	l.fellBack.Add(1)
	return nil
}

func (l *Log) worker(id int) {
	defer l.wg.Done()
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(l.stopCtx, 10*time.Second)
		if err := l.persist(ctx, e); err != nil {
			l.log.Error("system", e.RequestID, "audit worker dropped event", map[string]interface{}{
				"worker":   id,
				"event_id": e.ID,
				"error":    err.Error(),
			})
		}
		cancel()
	}
}

// Query returns matching events in append order.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := range l.events {
		if f.matches(&l.events[i]) {
			out = append(out, l.events[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats returns delivery counters.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	indexed := len(l.events)
	seq := l.seq
	l.mu.RUnlock()

	return Stats{
		Sink:      l.sinkName(),
		Indexed:   indexed,
		Recorded:  l.recorded.Load(),
		Persisted: l.persisted.Load(),
		Failed:    l.failed.Load(),
		Fallback:  l.fellBack.Load(),
		Pending:   len(l.queue),
		LastSeq:   seq,
	}
}

// Shutdown stops accepting queued writes and drains the queue. If ctx ends
// first, in-flight sink writes are cancelled, whatever is still queued goes
// to the fallback file, and the sink and fallback are closed only once the
// workers have returned or StopGrace has passed.
func (l *Log) Shutdown(ctx context.Context) error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
	case <-ctx.Done():
		l.stop()
		saved := 0
		for e := range l.queue {
			if l.writeFallback(e) == nil {
				saved++
			}
		}
		l.log.Warn("system", "", "audit shutdown timed out, queued events saved to fallback", map[string]interface{}{
			"saved": saved,
		})
		result = ctx.Err()

		grace := time.NewTimer(l.stopGrace)
		select {
		case <-done:
		case <-grace.C:
			l.log.Warn("system", "", "audit workers still busy at close", map[string]interface{}{
				"grace_ms": l.stopGrace.Milliseconds(),
			})
		}
		grace.Stop()
	}
	l.stop()

	st := l.Stats()
	l.log.Info("system", "", "audit log shut down", map[string]interface{}{
		"persisted": st.Persisted,
		"failed":    st.Failed,
		"fallback":  st.Fallback,
	})

	if l.sink != nil {
		if err := l.sink.Close(); err != nil && result == nil {
			result = err
		}
	}
	if l.fallback != nil {
		if err := l.fallback.Close(); err != nil && result == nil {
			result = err
		}
	}
	return result
}
