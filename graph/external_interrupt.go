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
	"errors"
	"sync"
	"time"
)

// errExternalPause is the cancel cause of a step stopped by a forced pause.
var errExternalPause = errors.New("run paused by caller")

type pauseKey struct{}

type pauseState struct {
	mu      sync.RWMutex
	timeout *time.Duration

	done chan struct{}
	once sync.Once
}

type pauseOptions struct {
	timeout *time.Duration
}

// GraphInterruptOption configures a pause request.
type GraphInterruptOption func(*pauseOptions)

// WithGraphInterruptTimeout bounds how long the pause waits for the running
// step. When it expires the step is cancelled: tasks that already finished
// keep their writes and the others run again on resume.
func WithGraphInterruptTimeout(timeout time.Duration) GraphInterruptOption {
	return func(o *pauseOptions) {
		o.timeout = &timeout
	}
}

// WithGraphInterrupt returns a context whose runs can be paused from the
// outside. Calling interrupt lets the running step finish, then stores a
// checkpoint and returns an Interrupted result with phase "external". The
// thread continues with Resume.
func WithGraphInterrupt(parent context.Context) (ctx context.Context, interrupt func(opts ...GraphInterruptOption)) {
	st := &pauseState{done: make(chan struct{})}
	ctx = context.WithValue(parent, pauseKey{}, st)
	interrupt = func(opts ...GraphInterruptOption) {
		o := &pauseOptions{}
		for _, opt := range opts {
			if opt != nil {
				opt(o)
			}
		}
		st.once.Do(func() {
			st.mu.Lock()
			st.timeout = o.timeout
			st.mu.Unlock()
			close(st.done)
		})
	}
	return ctx, interrupt
}

func pauseFromContext(ctx context.Context) *pauseState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(pauseKey{}).(*pauseState)
	return st
}

func (s *pauseState) requested() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *pauseState) timeoutOrNil() *time.Duration {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// watch cancels the step with errExternalPause when a pause with a timeout
// is requested while the step runs. The returned func stops the watcher.
func (s *pauseState) watch(cancel context.CancelCauseFunc) func() {
	if s == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
			return
		case <-s.done:
		}
		timeout := s.timeoutOrNil()
		if timeout == nil {
			return
		}
		t := time.NewTimer(*timeout)
		defer t.Stop()
		select {
		case <-stop:
		case <-t.C:
			cancel(errExternalPause)
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
