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
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	atrace "trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// taskResult is one task of a superstep and how it ended.
type taskResult struct {
	spec  TaskSpec
	node  *Node
	index int

	out       nodeOutput
	err       error
	interrupt *InterruptError
	// resumes answer the Interrupt calls of the node body.
	resumes  []*ResumeValue
	resuming bool
	attempts int
}

func (r *taskResult) done() bool {
	return r.err == nil && r.interrupt == nil
}

// taskCall is the argument of the pool function.
type taskCall struct {
	e       *executor
	ctx     context.Context
	stepCtx context.Context
	task    *taskResult
	wg      *sync.WaitGroup
}

// runTask is the function of every graph task pool.
func runTask(arg any) {
	c := arg.(*taskCall)
	defer c.wg.Done()
	c.e.invokeNode(c.ctx, c.stepCtx, c.task)
}

// runTasks runs every task of e.next on the pool and waits for all of them.
// Tasks that completed before an interrupt or a failure are not run again.
func (e *executor) runTasks(ctx, stepCtx context.Context) []*taskResult {
	results := make([]*taskResult, len(e.next))
	var wg sync.WaitGroup
	for i, spec := range e.next {
		r := &taskResult{spec: spec, index: i, node: e.g.nodes[spec.Node]}
		results[i] = r
		if r.node == nil {
			r.err = newError(ErrorKindConfig, spec.Node, e.step+1, fmt.Errorf("task %s references unknown node", spec.ID))
			continue
		}
		if out, ok := e.completed[spec.ID]; ok {
			r.out = out
			continue
		}
		if e.skipped[spec.ID] {
			continue
		}
		r.resumes, r.resuming = e.resumes[spec.ID]
		wg.Add(1)
		call := &taskCall{e: e, ctx: ctx, stepCtx: stepCtx, task: r, wg: &wg}
		if err := e.g.pool.Invoke(call); err != nil {
			wg.Done()
			r.err = newError(ErrorKindConfig, spec.Node, e.step+1, fmt.Errorf("schedule task: %w", err))
		}
	}
	wg.Wait()
	e.completed = make(map[string]nodeOutput)
	e.skipped = make(map[string]bool)
	e.resumes = make(map[string][]*ResumeValue)
	return results
}

// taskInput projects the snapshot onto the read set of the node and overlays
// the private argument of the task.
func (e *executor) taskInput(node *Node, spec TaskSpec) State {
	var in State
	if len(node.reads) == 0 {
		in = publicValues(e.snapshot.Values)
	} else {
		in = make(State, len(node.reads))
		for _, k := range node.reads {
			if v, ok := e.snapshot.Values[k]; ok {
				in[k] = v
			}
		}
		in = in.Clone()
	}
	for k, v := range spec.Arg {
		in[k] = v
	}
	return in
}

// invokeNode runs one task with retries and records the outcome in t.
func (e *executor) invokeNode(ctx, stepCtx context.Context, t *taskResult) {
	node := t.node
	stepNo := e.step + 1
	policy := e.g.opts.retry
	if node.retryPolicy != nil {
		policy = *node.retryPolicy
	}
	timeout := node.timeout
	if timeout <= 0 {
		timeout = e.g.opts.nodeTimeout
	}
	input := e.taskInput(node, t.spec)

	for attempt := 1; ; attempt++ {
		t.attempts = attempt
		e.emit(&StreamEvent{Mode: StreamModeDebug, Step: stepNo, Node: node.ID, Payload: DebugPayload{
			Type:    DebugTypeTask,
			TaskID:  t.spec.ID,
			Attempt: attempt,
		}})
		if e.g.opts.debug {
			log.Debugf("graph %s: step %d task %s node %s attempt %d", e.g.name, stepNo, t.spec.ID, node.ID, attempt)
		}
		start := time.Now()
		res, err := e.attempt(stepCtx, t, input, attempt, timeout)
		elapsed := time.Since(start)

		if err == nil {
			out, derr := decodeResult(res)
			if derr != nil {
				t.err = newError(ErrorKindNodeFatal, node.ID, stepNo, derr)
				e.finishTask(ctx, t, OutcomeError, elapsed)
				return
			}
			if out.resume != "" && !t.resuming {
				t.err = newError(ErrorKindConfig, node.ID, stepNo, errors.New("resume command returned by a task that is not being resumed"))
				e.finishTask(ctx, t, OutcomeError, elapsed)
				return
			}
			t.out = out
			e.finishTask(ctx, t, OutcomeSuccess, elapsed)
			return
		}
		var ie *InterruptError
		if errors.As(err, &ie) {
			t.interrupt = ie
			e.finishTask(ctx, t, OutcomeInterrupt, elapsed)
			return
		}
		if stepCtx.Err() != nil {
			t.err = stepAbortError(ctx, stepCtx, node.ID, stepNo, err)
			e.finishTask(ctx, t, OutcomeError, elapsed)
			return
		}
		if policy.retryable(err) && attempt < policy.attempts() {
			delay := policy.Delay(attempt)
			log.Warnf("graph %s: node %s attempt %d/%d failed, retrying in %s: %v",
				e.g.name, node.ID, attempt, policy.attempts(), delay, err)
			e.g.observeNode(ctx, node.ID, OutcomeRetry, elapsed)
			if serr := sleepCtx(stepCtx, delay); serr != nil {
				t.err = stepAbortError(ctx, stepCtx, node.ID, stepNo, err)
				e.finishTask(ctx, t, OutcomeError, elapsed)
				return
			}
			continue
		}
		t.err = nodeError(node.ID, stepNo, err, policy.retryable(err))
		e.finishTask(ctx, t, OutcomeError, elapsed)
		return
	}
}

func (e *executor) finishTask(ctx context.Context, t *taskResult, outcome string, d time.Duration) {
	e.g.observeNode(ctx, t.node.ID, outcome, d)
	p := DebugPayload{Type: DebugTypeTaskResult, TaskID: t.spec.ID, Attempt: t.attempts}
	switch {
	case t.err != nil:
		p.Error = t.err.Error()
		log.Debugf("graph %s: node %s failed: %v", e.g.name, t.node.ID, t.err)
	case t.interrupt != nil:
		p.Error = t.interrupt.Error()
	}
	e.emit(&StreamEvent{Mode: StreamModeDebug, Step: e.step + 1, Node: t.node.ID, Payload: p})
}

// bodyResult is what a node body returned.
type bodyResult struct {
	res NodeResult
	err error
}

// attempt calls the node body once under its runtime, rate limit and
// timeout. A panicking body fails the attempt.
func (e *executor) attempt(ctx context.Context, t *taskResult, input State, attempt int, timeout time.Duration) (NodeResult, error) {
	node := t.node
	rt := &Runtime{
		ThreadID:     e.req.threadID,
		Namespace:    e.req.namespace,
		Node:         node.ID,
		TaskID:       t.spec.ID,
		Step:         e.step + 1,
		StepLimit:    e.stepLimit,
		StepsTaken:   e.stepsTaken + 1,
		Attempt:      attempt,
		store:        e.g.opts.store,
		emitter:      newEventEmitter(e.sink, node.ID, e.req.namespace, e.step+1),
		resumes:      append([]*ResumeValue(nil), t.resumes...),
		saver:        e.saver,
		sink:         e.sink,
		parentSchema: e.g.schema,
		resuming:     t.resuming,
		resume:       e.resumeValue,
	}
	if node.limiter != nil {
		if err := node.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	nctx := withRuntime(ctx, rt)
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		nctx, cancel = context.WithTimeout(nctx, timeout)
	}
	defer cancel()
	nctx, span := atrace.Tracer.Start(nctx, itelemetry.NewExecuteNodeSpanName(node.ID))
	defer span.End()
	itelemetry.TraceNode(span, node.ID, string(node.Type), t.spec.ID, attempt)

	ch := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("graph %s: node %s panicked: %v\n%s", e.g.name, node.ID, r, debug.Stack())
				ch <- bodyResult{err: fmt.Errorf("node %s panicked: %v", node.ID, r)}
			}
		}()
		res, err := node.Function(nctx, input.Clone())
		ch <- bodyResult{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && !IsInterrupt(r.err) {
			itelemetry.TraceError(span, r.err)
		}
		return r.res, r.err
	case <-nctx.Done():
	}

	// The body has not returned yet. Wait for it so its outcome is known
	// before the step is settled.
	r, finished := e.awaitBody(ch, node.ID)
	if ctx.Err() != nil {
		if finished {
			return r.res, r.err
		}
		return nil, ctx.Err()
	}
	err := fmt.Errorf("node %s timed out after %s: %w", node.ID, timeout, context.DeadlineExceeded)
	itelemetry.TraceError(span, err)
	return nil, err
}

// awaitBody waits up to the cancel grace period for a node body whose
// context ended.
func (e *executor) awaitBody(ch <-chan bodyResult, node string) (bodyResult, bool) {
	grace := e.g.opts.cancelGrace
	if grace <= 0 {
		select {
		case r := <-ch:
			return r, true
		default:
			return bodyResult{}, false
		}
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, true
	case <-timer.C:
		log.Warnf("graph %s: node %s still running %s after its context ended, abandoning it", e.g.name, node, grace)
		return bodyResult{}, false
	}
}

// stepAbortError classifies a task stopped because its step context ended.
func stepAbortError(ctx, stepCtx context.Context, node string, step int, cause error) error {
	switch {
	case ctx.Err() != nil:
		return newError(ErrorKindCancelled, node, step, ctx.Err())
	case errors.Is(context.Cause(stepCtx), errExternalPause):
		return newError(ErrorKindCancelled, node, step, errExternalPause)
	default:
		return newError(ErrorKindNodeTransient, node, step, fmt.Errorf("%v: %w", context.Cause(stepCtx), cause))
	}
}

// nodeError wraps a node failure that escaped its retry policy. Engine
// errors raised inside subgraphs keep their kind.
func nodeError(node string, step int, err error, retryable bool) error {
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	kind := ErrorKindNodeFatal
	if retryable {
		kind = ErrorKindNodeTransient
	}
	return newError(kind, node, step, err)
}
