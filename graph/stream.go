//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// eventSink receives the events produced by a run.
type eventSink interface {
	emit(ev *StreamEvent)
}

type noopSink struct{}

func (noopSink) emit(*StreamEvent) {}

// streamQueue is a bounded event buffer that never blocks producers. When full
// it evicts the oldest values, updates or debug event, and only then the
// oldest messages or custom event. The result event bypasses the bound.
type streamQueue struct {
	mu       sync.Mutex
	notify   chan struct{}
	events   []*StreamEvent
	modes    map[StreamMode]bool
	capacity int
	closed   bool
	dropped  atomic.Int64
	onDrop   func(mode StreamMode)
}

func newStreamQueue(capacity int, modes []StreamMode) *streamQueue {
	if capacity <= 0 {
		capacity = defaultStreamBufferSize
	}
	if len(modes) == 0 {
		modes = AllStreamModes
	}
	q := &streamQueue{
		notify:   make(chan struct{}, 1),
		modes:    make(map[StreamMode]bool, len(modes)),
		capacity: capacity,
	}
	for _, m := range modes {
		q.modes[m] = true
	}
	return q
}

func (q *streamQueue) emit(ev *StreamEvent) {
	if ev == nil {
		return
	}
	if ev.Mode != StreamModeResult && !q.modes[ev.Mode] {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var evicted *StreamEvent
	if ev.Mode != StreamModeResult && len(q.events) >= q.capacity {
		evicted = q.evictLocked(ev)
	}
	if evicted != ev {
		q.events = append(q.events, ev)
	}
	if ev.Mode == StreamModeResult {
		q.closed = true
	}
	q.mu.Unlock()

	if evicted != nil {
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(evicted.Mode)
		}
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// evictLocked removes one buffered event to make room for incoming. It
// returns incoming itself when the incoming event is the one to drop.
func (q *streamQueue) evictLocked(incoming *StreamEvent) *StreamEvent {
	for i, e := range q.events {
		if e.Mode.bulk() {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return e
		}
	}
	if incoming.Mode.bulk() {
		return incoming
	}
	for i, e := range q.events {
		if e.Mode != StreamModeResult {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return e
		}
	}
	return incoming
}

// pop returns the next event, blocking until one is available. It returns
// false once the queue is closed and drained.
func (q *streamQueue) pop() (*StreamEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = nil
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.notify
	}
}

// Dropped returns the number of evicted events.
func (q *streamQueue) Dropped() int64 {
	return q.dropped.Load()
}

// abandonedStreamGrace bounds how long the result event waits for a reader
// after the run context is done.
const abandonedStreamGrace = time.Second

// pump copies queued events to out until the result event was sent. Once ctx
// is done only the result event is still delivered.
func (q *streamQueue) pump(ctx context.Context, out chan<- *StreamEvent) {
	defer close(out)
	for {
		ev, ok := q.pop()
		if !ok {
			return
		}
		if ev.Mode == StreamModeResult {
			if ctx.Err() == nil {
				select {
				case out <- ev:
					return
				case <-ctx.Done():
				}
			}
			timer := time.NewTimer(abandonedStreamGrace)
			defer timer.Stop()
			select {
			case out <- ev:
			case <-timer.C:
			}
			return
		}
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
}
