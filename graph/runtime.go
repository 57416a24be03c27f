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
)

type runtimeKey struct{}

// Runtime describes the node invocation a context belongs to. Node bodies
// read it through RuntimeFromContext.
type Runtime struct {
	ThreadID  string
	Namespace string
	Node      string
	TaskID    string
	// Step is the metadata step of the checkpoint the task will produce.
	Step int
	// StepLimit is the maximum number of supersteps of the run.
	StepLimit int
	// StepsTaken counts the supersteps of the run including the current one.
	StepsTaken int
	// Attempt is the 1-based retry attempt.
	Attempt int

	store   Store
	emitter EventEmitter

	mu         sync.Mutex
	resumes    []*ResumeValue
	interrupts int

	// Set for subgraph nodes.
	saver        CheckpointSaver
	sink         eventSink
	parentSchema *StateSchema
	resuming     bool
	resume       *ResumeValue
}

func withRuntime(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, rt)
}

// RuntimeFromContext returns the runtime of the running node.
func RuntimeFromContext(ctx context.Context) (*Runtime, bool) {
	if ctx == nil {
		return nil, false
	}
	rt, ok := ctx.Value(runtimeKey{}).(*Runtime)
	return rt, ok && rt != nil
}

// RemainingSteps returns how many supersteps may still run after the
// current one.
func (r *Runtime) RemainingSteps() int {
	if n := r.StepLimit - r.StepsTaken; n > 0 {
		return n
	}
	return 0
}

// IsLastStep reports whether the current superstep is the last one the step
// limit allows. Nodes use it to wrap up instead of routing further.
func (r *Runtime) IsLastStep() bool {
	return r.RemainingSteps() == 0
}

// IsResuming reports whether the node runs again after an interrupt.
func (r *Runtime) IsResuming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resuming || len(r.resumes) > 0
}

// nextResume returns the resume value answering the next Interrupt call of
// the node, or nil when the call must raise a new interrupt.
func (r *Runtime) nextResume() (*ResumeValue, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.interrupts
	r.interrupts++
	if idx < len(r.resumes) {
		return r.resumes[idx], idx
	}
	return nil, idx
}

func (r *Runtime) resumeHistory() []*ResumeValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ResumeValue(nil), r.resumes...)
}

// GetStore returns the store configured on the graph, or nil.
func GetStore(ctx context.Context) Store {
	rt, ok := RuntimeFromContext(ctx)
	if !ok {
		return nil
	}
	return rt.store
}

// IsLastStep reports whether the node running under ctx executes in the last
// superstep the step limit allows.
func IsLastStep(ctx context.Context) bool {
	rt, ok := RuntimeFromContext(ctx)
	return ok && rt.IsLastStep()
}
