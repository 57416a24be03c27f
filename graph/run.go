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
	"fmt"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// RunStatus is the terminal status of a run that did not fail.
type RunStatus string

// Run statuses.
const (
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Result is the outcome of a run that completed or paused.
type Result struct {
	Status RunStatus
	// State holds the values of the last checkpoint.
	State    State
	Versions map[string]int64
	// Config addresses the last checkpoint of the run.
	Config CheckpointConfig
	// Interrupts lists the pending interrupts when Status is interrupted.
	Interrupts []InterruptPayload
	// Next lists the nodes scheduled after the last checkpoint.
	Next []string
	// Steps counts the supersteps executed by this call.
	Steps int
}

// Interrupted reports whether the run paused.
func (r *Result) Interrupted() bool {
	return r != nil && r.Status == RunStatusInterrupted
}

// RunOption configures one call of Invoke, Stream or Resume.
type RunOption func(*runRequest)

type runRequest struct {
	threadID           string
	checkpointID       string
	parentCheckpointID string
	namespace          string
	input              State
	resume             *ResumeValue
	modes              []StreamMode
	stepLimit          *int

	saver CheckpointSaver
	sink  eventSink
	// child is set for subgraph runs; fresh starts them without a base.
	child bool
	fresh bool
}

// WithThreadID selects the thread. When a saver is configured and no thread
// is given, a new thread id is generated.
func WithThreadID(threadID string) RunOption {
	return func(r *runRequest) {
		r.threadID = threadID
	}
}

// WithCheckpointID resumes from, or starts a new run on top of, the given
// checkpoint instead of the thread head.
func WithCheckpointID(checkpointID string) RunOption {
	return func(r *runRequest) {
		r.checkpointID = checkpointID
	}
}

// WithParentCheckpointID forks: the run starts from the given checkpoint and
// its first checkpoint points back to it.
func WithParentCheckpointID(checkpointID string) RunOption {
	return func(r *runRequest) {
		r.parentCheckpointID = checkpointID
	}
}

// WithNamespace selects a checkpoint namespace inside the thread.
func WithNamespace(ns string) RunOption {
	return func(r *runRequest) {
		r.namespace = ns
	}
}

// WithResume answers the pending interrupts of the thread.
func WithResume(resume *ResumeValue) RunOption {
	return func(r *runRequest) {
		if resume == nil {
			resume = &ResumeValue{Action: ResumeContinue}
		}
		r.resume = resume
	}
}

// WithStreamModes selects the modes a Stream call emits. The default is
// every mode.
func WithStreamModes(modes ...StreamMode) RunOption {
	return func(r *runRequest) {
		r.modes = append(r.modes, modes...)
	}
}

// WithRunStepLimit overrides the step limit of the graph for one call.
func WithRunStepLimit(limit int) RunOption {
	return func(r *runRequest) {
		if limit >= 0 {
			r.stepLimit = &limit
		}
	}
}

func (g *Graph) newRequest(input State, opts []RunOption) *runRequest {
	req := &runRequest{}
	for _, opt := range opts {
		opt(req)
	}
	if input != nil {
		req.input = State(value.CopyMap(input))
	}
	req.saver = g.opts.saver
	req.sink = noopSink{}
	return req
}

// Invoke runs the graph to completion or until it pauses.
//
// Given input, a new run starts from the entry point on top of the thread
// head, or of the checkpoint selected by WithCheckpointID or
// WithParentCheckpointID. Without input, the run continues from that
// checkpoint, which is how a failed or limited run is picked up again.
// WithResume answers pending interrupts.
func (g *Graph) Invoke(ctx context.Context, input State, opts ...RunOption) (*Result, error) {
	out, err := g.execute(ctx, g.newRequest(input, opts))
	if err != nil {
		return nil, err
	}
	return out.result, nil
}

// Resume continues an interrupted thread with the given resume value. It is
// Invoke without input and with WithResume.
func (g *Graph) Resume(ctx context.Context, resume *ResumeValue, opts ...RunOption) (*Result, error) {
	return g.Invoke(ctx, nil, append(opts, WithResume(resume))...)
}

// Stream runs the graph like Invoke and returns its events. The channel is
// closed after the StreamModeResult event, which carries the Result or the
// error of the run. Slow consumers never stall the run: when the buffer is
// full, bulk events are dropped first.
func (g *Graph) Stream(ctx context.Context, input State, opts ...RunOption) (<-chan *StreamEvent, error) {
	req := g.newRequest(input, opts)
	for _, m := range req.modes {
		switch m {
		case StreamModeValues, StreamModeUpdates, StreamModeMessages, StreamModeCustom, StreamModeDebug:
		default:
			return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("unknown stream mode %q", m))
		}
	}
	q := newStreamQueue(g.opts.streamBuffer, req.modes)
	q.onDrop = func(mode StreamMode) {
		g.observeStreamDropped(ctx, mode)
	}
	req.sink = q
	out := make(chan *StreamEvent)
	go q.pump(ctx, out)
	go func() {
		res, err := g.execute(ctx, req)
		ev := &StreamEvent{Mode: StreamModeResult, Err: err}
		if res != nil {
			ev.Result = res.result
			ev.Step = res.result.Steps
		}
		q.emit(ev)
	}()
	return out, nil
}

// Collect drains a stream and returns its events and the final outcome.
func Collect(events <-chan *StreamEvent) ([]*StreamEvent, *Result, error) {
	var (
		all []*StreamEvent
		res *Result
		err error
	)
	for ev := range events {
		if ev.Mode == StreamModeResult {
			res, err = ev.Result, ev.Err
			continue
		}
		all = append(all, ev)
	}
	return all, res, err
}
