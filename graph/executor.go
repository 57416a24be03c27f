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
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	atrace "trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// runOutcome is what one run hands back to Invoke or to a parent subgraph
// node.
type runOutcome struct {
	result   *Result
	toParent *ParentCommand
}

// executor drives one run of a graph. It owns the current snapshot; older
// snapshots live only in the saver.
type executor struct {
	g     *Graph
	req   *runRequest
	saver CheckpointSaver
	sink  eventSink

	// cfg addresses the last checkpoint of the run.
	cfg      CheckpointConfig
	snapshot Snapshot
	next     []TaskSpec
	// step is the metadata step of the last checkpoint.
	step       int
	stepLimit  int
	stepsTaken int

	// Resume bookkeeping, consumed by the first superstep.
	completed      map[string]nodeOutput
	skipped        map[string]bool
	resumes        map[string][]*ResumeValue
	skipBreakpoint bool
	resumeAction   ResumeAction
	resumeValue    *ResumeValue
}

// execute runs the graph for one request.
func (g *Graph) execute(ctx context.Context, req *runRequest) (*runOutcome, error) {
	if req.saver != nil && req.threadID == "" {
		req.threadID = newID()
	}
	if req.sink == nil {
		req.sink = noopSink{}
	}
	limit := g.opts.stepLimit
	if req.stepLimit != nil {
		limit = *req.stepLimit
	}
	e := &executor{
		g:         g,
		req:       req,
		saver:     req.saver,
		sink:      req.sink,
		cfg:       CheckpointConfig{ThreadID: req.threadID, Namespace: req.namespace},
		step:      -1,
		stepLimit: limit,
		completed: make(map[string]nodeOutput),
		skipped:   make(map[string]bool),
		resumes:   make(map[string][]*ResumeValue),
	}

	ctx, span := atrace.Tracer.Start(ctx, itelemetry.NewExecuteGraphSpanName(g.name))
	defer span.End()
	itelemetry.TraceGraph(span, g.name, req.threadID, req.namespace)

	out, err := e.run(ctx)
	if err != nil {
		itelemetry.TraceError(span, err)
		log.Debugf("graph %s: thread %q run failed: %v", g.name, req.threadID, err)
		return nil, err
	}
	itelemetry.TraceResult(span, string(out.result.Status), out.result.Steps)
	return out, nil
}

func (e *executor) run(ctx context.Context) (*runOutcome, error) {
	if err := e.flushDeferred(ctx); err != nil {
		return nil, err
	}
	base, forked, err := e.loadBase(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case e.req.input != nil && e.req.resume != nil:
		return nil, newError(ErrorKindConfig, "", 0, errors.New("input and resume value are mutually exclusive"))
	case e.req.resume != nil && e.saver == nil:
		return nil, newError(ErrorKindConfig, "", 0, errors.New("resume requires a checkpoint saver"))
	case e.req.resume != nil && base == nil:
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("thread %q has no checkpoint to resume", e.req.threadID))
	case e.req.resume != nil || (e.req.input == nil && base != nil):
		if out, err := e.prepareResume(ctx, base); out != nil || err != nil {
			return out, err
		}
	default:
		if out, err := e.prepareInput(ctx, base, forked); out != nil || err != nil {
			return out, err
		}
	}
	return e.loop(ctx)
}

// loadBase returns the checkpoint the run starts from, and whether it is not
// the thread head.
func (e *executor) loadBase(ctx context.Context) (*CheckpointTuple, bool, error) {
	if e.saver == nil || e.req.fresh {
		return nil, false, nil
	}
	id := e.req.checkpointID
	if id == "" {
		id = e.req.parentCheckpointID
	}
	t, err := e.saver.GetTuple(ctx, e.cfg.WithCheckpointID(id))
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		return nil, false, newError(ErrorKindConfig, "", 0, fmt.Errorf("checkpoint %q of thread %q: %w", id, e.req.threadID, err))
	case err != nil:
		return nil, false, newError(ErrorKindSaver, "", 0, fmt.Errorf("load checkpoint: %w", err))
	case t == nil && id != "":
		return nil, false, newError(ErrorKindConfig, "", 0, fmt.Errorf("checkpoint %q of thread %q: %w", id, e.req.threadID, ErrCheckpointNotFound))
	case t == nil:
		return nil, false, nil
	}
	if id == "" {
		return t, false, nil
	}
	head, err := e.saver.GetTuple(ctx, e.cfg)
	if err != nil {
		return nil, false, newError(ErrorKindSaver, "", 0, fmt.Errorf("load thread head: %w", err))
	}
	return t, head != nil && head.Checkpoint.ID != t.Checkpoint.ID, nil
}

// prepareInput starts a new run from the entry point on top of base.
func (e *executor) prepareInput(ctx context.Context, base *CheckpointTuple, forked bool) (*runOutcome, error) {
	e.snapshot = NewSnapshot(e.g.channels)
	source := CheckpointSourceInput
	step := -1
	tags := map[string]any{}
	if base != nil {
		e.snapshot = base.Checkpoint.Snapshot.Clone()
		step = base.Metadata.Step + 1
		e.cfg = base.Config
		if forked {
			source = CheckpointSourceFork
			tags[TagBaseCheckpoint] = base.Checkpoint.ID
		}
	}
	input := e.req.input
	if input == nil {
		input = State{}
	}
	writes := singleWrites(input)
	if e.req.child {
		// A subgraph input replaces the defaults instead of folding into them.
		writes = overwrites(input)
	}
	next, changed, err := e.snapshot.update(e.g.channels, writes)
	if err != nil {
		return nil, err
	}
	e.snapshot = next
	targets, sends, err := e.route(ctx, Start, nodeOutput{}, e.snapshot.Values)
	if err != nil {
		return nil, err
	}
	hitEnd := containsString(targets, End)
	e.next = e.schedule(targets, sends)
	if hitEnd {
		e.next = nil
	}
	limited := e.stepLimit == 0 && len(e.next) > 0
	if limited {
		tags[TagError] = string(ErrorKindRecursionLimit)
	}
	if _, err := e.checkpoint(ctx, source, step, "", nil, changed, tags); err != nil {
		return nil, err
	}
	e.emitValues(e.step)
	if limited {
		return nil, e.recursionError()
	}
	return nil, nil
}

// schedule turns routing targets into the tasks of the next step. Plain
// targets run once each, in registration order, followed by the sends.
func (e *executor) schedule(targets []string, sends []Send) []TaskSpec {
	seen := make(map[string]bool, len(targets))
	var names []string
	for _, t := range targets {
		if t == End || seen[t] {
			continue
		}
		seen[t] = true
		names = append(names, t)
	}
	sort.SliceStable(names, func(i, j int) bool {
		return e.g.nodes[names[i]].order < e.g.nodes[names[j]].order
	})
	out := make([]TaskSpec, 0, len(names)+len(sends))
	for _, n := range names {
		out = append(out, TaskSpec{ID: newID(), Node: n})
	}
	for _, s := range sends {
		out = append(out, TaskSpec{ID: newID(), Node: s.Node, Arg: value.CopyMap(s.Arg)})
	}
	return out
}

// route resolves the targets of a completed node: its Goto, otherwise its
// static edges and conditional edges evaluated on state.
func (e *executor) route(ctx context.Context, from string, out nodeOutput, state State) ([]string, []Send, error) {
	for _, s := range out.sends {
		if _, ok := e.g.nodes[s.Node]; !ok {
			return nil, nil, newError(ErrorKindConfig, from, e.step+1, fmt.Errorf("send to unknown node %q", s.Node))
		}
	}
	if out.hasGoto {
		if err := e.checkTarget(from, out.gotoNode); err != nil {
			return nil, nil, err
		}
		return []string{out.gotoNode}, out.sends, nil
	}
	targets := append([]string(nil), e.g.edges[from]...)
	for _, br := range e.g.branches[from] {
		key, err := br.Condition(ctx, publicValues(state))
		if err != nil {
			return nil, nil, newError(ErrorKindNodeFatal, from, e.step+1, fmt.Errorf("conditional edge: %w", err))
		}
		target := key
		if br.PathMap != nil {
			t, ok := br.PathMap[key]
			if !ok {
				return nil, nil, newError(ErrorKindConfig, from, e.step+1, fmt.Errorf("conditional edge returned unmapped key %q", key))
			}
			target = t
		}
		if err := e.checkTarget(from, target); err != nil {
			return nil, nil, err
		}
		targets = append(targets, target)
	}
	return targets, out.sends, nil
}

func (e *executor) checkTarget(from, target string) error {
	if target == End {
		return nil
	}
	if _, ok := e.g.nodes[target]; !ok {
		return newError(ErrorKindConfig, from, e.step+1, fmt.Errorf("route to unknown node %q", target))
	}
	return nil
}

// loop runs supersteps until no task is left, the run pauses or fails.
func (e *executor) loop(ctx context.Context) (*runOutcome, error) {
	pause := pauseFromContext(ctx)
	for len(e.next) > 0 {
		if ctx.Err() != nil {
			return nil, e.cancelStep(ctx, nil)
		}
		if e.stepsTaken >= e.stepLimit {
			return nil, e.recursionError()
		}
		if pause.requested() && !e.skipBreakpoint {
			return e.pauseBeforeStep(ctx, triggerExternal, nil)
		}
		if hits := e.breakpointHits(e.next, e.g.interruptBefore); len(hits) > 0 && !e.skipBreakpoint {
			return e.pauseBeforeStep(ctx, triggerBefore, hits)
		}
		e.skipBreakpoint = false
		out, err := e.superstep(ctx, pause)
		if out != nil || err != nil {
			return out, err
		}
	}
	return &runOutcome{result: e.result(RunStatusCompleted, nil)}, nil
}

func (e *executor) recursionError() error {
	return newError(ErrorKindRecursionLimit, "", e.step, fmt.Errorf("step limit %d reached with %d pending tasks", e.stepLimit, len(e.next)))
}

func (e *executor) result(status RunStatus, interrupts []InterruptPayload) *Result {
	next := make([]string, 0, len(e.next))
	for _, t := range e.next {
		next = append(next, t.Node)
	}
	return &Result{
		Status:     status,
		State:      publicValues(e.snapshot.Values),
		Versions:   publicVersions(e.snapshot.Versions),
		Config:     e.cfg,
		Interrupts: interrupts,
		Next:       next,
		Steps:      e.stepsTaken,
	}
}

// superstep runs the tasks of e.next and commits their writes. It returns a
// non-nil outcome or error when the run stops.
func (e *executor) superstep(ctx context.Context, pause *pauseState) (*runOutcome, error) {
	start := time.Now()
	stepNo := e.step + 1
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.NewGraphStepSpanName(stepNo))
	defer span.End()
	itelemetry.TraceStep(span, e.g.name, stepNo, len(e.next))

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if t := e.g.opts.stepTimeout; t > 0 {
		var cancelTimeout context.CancelFunc
		stepCtx, cancelTimeout = context.WithTimeoutCause(stepCtx, t, fmt.Errorf("step %d exceeded %s", stepNo, t))
		defer cancelTimeout()
	}
	stopWatch := pause.watch(cancel)
	results := e.runTasks(ctx, stepCtx)
	stopWatch()
	e.g.observeStep(ctx, len(results), time.Since(start))

	out, err := e.settle(ctx, stepCtx, results)
	if err != nil {
		itelemetry.TraceError(span, err)
	}
	if out != nil || err != nil {
		return out, err
	}
	return e.commit(ctx, results)
}

// settle handles a step in which some task did not complete: failures
// first, then cancellation, then interrupts. Completed writes are recorded
// against the current checkpoint so a resume redoes only the rest.
func (e *executor) settle(ctx, stepCtx context.Context, results []*taskResult) (*runOutcome, error) {
	var (
		failed     *taskResult
		cancelled  bool
		paused     bool
		interrupts []*taskResult
	)
	for _, r := range results {
		switch {
		case r.interrupt != nil:
			interrupts = append(interrupts, r)
		case r.err == nil:
		case errors.Is(r.err, errExternalPause):
			paused = true
		case KindOf(r.err) == ErrorKindCancelled:
			cancelled = true
		case failed == nil:
			failed = r
		}
	}
	switch {
	case failed != nil:
		return nil, e.failStep(ctx, results, failed, failed.err)
	case cancelled || (ctx.Err() != nil && len(interrupts) == 0 && !paused):
		return nil, e.cancelStep(ctx, results)
	case len(interrupts) > 0 || paused:
		payloads := e.recordInterrupts(ctx, interrupts)
		if paused {
			payloads = append(payloads, e.recordPause(ctx, triggerExternal, nil)...)
		}
		e.recordCompleted(ctx, e.cfg, results)
		return &runOutcome{result: e.result(RunStatusInterrupted, payloads)}, nil
	}
	return nil, nil
}

// commit merges the writes of a fully completed step, routes, and stores the
// loop checkpoint.
func (e *executor) commit(ctx context.Context, results []*taskResult) (*runOutcome, error) {
	stepNo := e.step + 1
	ordered := append([]*taskResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.spec.Node != b.spec.Node {
			return a.spec.Node < b.spec.Node
		}
		if a.node.order != b.node.order {
			return a.node.order < b.node.order
		}
		return a.index < b.index
	})

	// Subgraph results replace their channels first. The other writes of
	// the step fold on top of them.
	replaced := make(map[string][]any)
	writes := make(map[string][]any)
	var (
		toParent *ParentCommand
		creators []string
		resumed  ResumeAction
	)
	for _, r := range ordered {
		if !containsString(creators, r.spec.Node) {
			creators = append(creators, r.spec.Node)
		}
		if r.out.toParent != nil {
			if !e.req.child {
				err := newError(ErrorKindConfig, r.spec.Node, stepNo, errors.New("parent command returned outside a subgraph"))
				return nil, e.failStep(ctx, results, r, err)
			}
			if toParent == nil {
				toParent = r.out.toParent
			}
			continue
		}
		if r.out.resume != "" && resumed == "" {
			resumed = r.out.resume
		}
		for _, k := range sortedKeys(r.out.update) {
			var err error
			switch {
			case isReservedChannel(k):
				err = &Error{Kind: ErrorKindConfig, Node: r.spec.Node, Step: stepNo, Channel: k, Err: errors.New("write to a reserved channel")}
			case len(r.node.writes) > 0 && !containsString(r.node.writes, k):
				err = &Error{Kind: ErrorKindConfig, Node: r.spec.Node, Step: stepNo, Channel: k, Err: errors.New("write outside the declared write set")}
			}
			if err != nil {
				return nil, e.failStep(ctx, results, r, err)
			}
			if r.out.overwrite {
				replaced[k] = append(replaced[k], channel.Overwrite{Value: r.out.update[k]})
				continue
			}
			writes[k] = append(writes[k], r.out.update[k])
		}
		if !r.out.hasGoto {
			for _, j := range e.g.joins {
				if containsString(j.From, r.spec.Node) {
					writes[j.channel()] = append(writes[j.channel()], r.spec.Node)
				}
			}
		}
	}
	for k, ws := range replaced {
		writes[k] = append(ws, writes[k]...)
	}
	next, changed, err := e.snapshot.Apply(e.g.channels, writes)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			ge.Step = stepNo
		}
		return nil, e.failStep(ctx, results, culprit(ordered, err), err)
	}

	var (
		targets []string
		sends   []Send
		hitEnd  bool
	)
	for _, r := range ordered {
		if r.out.toParent != nil {
			continue
		}
		ts, ss, err := e.route(ctx, r.spec.Node, r.out, next.Values)
		if err != nil {
			return nil, e.failStep(ctx, results, r, err)
		}
		targets = append(targets, ts...)
		sends = append(sends, ss...)
		if containsString(ts, End) {
			hitEnd = true
		}
	}
	var fired []string
	for _, j := range e.g.joins {
		if next.available(e.g.channels, j.channel()) {
			fired = append(fired, j.channel())
			targets = append(targets, j.To)
			if j.To == End {
				hitEnd = true
			}
		}
	}
	if len(fired) > 0 {
		next, changed = next.consume(e.g.channels, fired, changed)
	}

	e.snapshot = next
	e.next = e.schedule(targets, sends)
	if hitEnd || toParent != nil {
		e.next = nil
	}
	e.stepsTaken++

	tags := map[string]any{}
	if e.resumeAction != "" {
		tags[TagResumeAction] = string(e.resumeAction)
		e.resumeAction = ""
	}
	if resumed != "" {
		tags[TagResumeAction] = string(resumed)
	}
	afterHits := e.breakpointHits(specsOf(ordered), e.g.interruptAfter)
	if len(afterHits) > 0 && toParent == nil {
		tags[TagInterrupt] = InterruptPhaseAfter
	}
	limited := e.stepsTaken >= e.stepLimit && len(e.next) > 0
	deadEnd := len(e.next) == 0 && !hitEnd && toParent == nil && len(afterHits) == 0
	switch {
	case limited && len(afterHits) == 0:
		tags[TagError] = string(ErrorKindRecursionLimit)
	case deadEnd:
		tags[TagError] = string(ErrorKindValidation)
	}
	node := ""
	if len(creators) == 1 {
		node = creators[0]
	}
	if _, err := e.checkpoint(ctx, CheckpointSourceLoop, stepNo, node, creators, changed, tags); err != nil {
		return nil, err
	}
	for _, r := range ordered {
		e.emit(&StreamEvent{Mode: StreamModeUpdates, Step: stepNo, Node: r.spec.Node, Payload: r.out.update.Clone()})
	}
	e.emitValues(stepNo)

	switch {
	case toParent != nil:
		return &runOutcome{result: e.result(RunStatusCompleted, nil), toParent: toParent}, nil
	case len(afterHits) > 0:
		payloads := e.recordPause(ctx, triggerAfter, afterHits)
		return &runOutcome{result: e.result(RunStatusInterrupted, payloads)}, nil
	case limited:
		return nil, e.recursionError()
	case deadEnd:
		return nil, newError(ErrorKindValidation, "", stepNo, errors.New("no active nodes and no node routed to "+End))
	}
	return nil, nil
}

// culprit returns the first task that wrote the channel a merge error names.
func culprit(ordered []*taskResult, err error) *taskResult {
	var ge *Error
	if errors.As(err, &ge) && ge.Channel != "" {
		for _, r := range ordered {
			if _, ok := r.out.update[ge.Channel]; ok {
				return r
			}
		}
	}
	return ordered[0]
}

// failStep stores a checkpoint tagged with the kind of err, records the
// completed writes and the failure of one task against it, then returns
// err. When the checkpoint cannot be stored the writes go to the current
// one.
func (e *executor) failStep(ctx context.Context, results []*taskResult, failed *taskResult, err error) error {
	saveCtx := context.WithoutCancel(ctx)
	if cerr := e.stopCheckpoint(saveCtx, KindOf(err)); cerr != nil {
		log.Warnf("graph %s: store failure checkpoint of thread %q: %v", e.g.name, e.req.threadID, cerr)
	}
	e.recordCompleted(saveCtx, e.cfg, results)
	if failed != nil {
		e.recordError(saveCtx, failed.spec.ID, failed.spec.Node, err)
	}
	return err
}

// cancelStep stores a loop checkpoint with the unchanged state tagged as
// cancelled, with the completed writes of the step.
func (e *executor) cancelStep(ctx context.Context, results []*taskResult) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	saveCtx := context.WithoutCancel(ctx)
	if err := e.stopCheckpoint(saveCtx, ErrorKindCancelled); err != nil {
		return err
	}
	e.recordCompleted(saveCtx, e.cfg, results)
	return newError(ErrorKindCancelled, "", e.step, cause)
}

// stopCheckpoint stores a loop checkpoint holding the unchanged state and
// pending tasks, tagged with the error kind that stopped the run.
func (e *executor) stopCheckpoint(ctx context.Context, kind ErrorKind) error {
	tags := map[string]any{TagError: string(kind)}
	_, err := e.checkpoint(ctx, CheckpointSourceLoop, e.step+1, "", nil, nil, tags)
	return err
}

// checkpoint stores the current snapshot and next tasks.
func (e *executor) checkpoint(
	ctx context.Context,
	source CheckpointSource,
	step int,
	node string,
	creators []string,
	changed []string,
	tags map[string]any,
) (*Checkpoint, error) {
	ckpt := NewCheckpoint(e.snapshot, e.next)
	meta := NewCheckpointMetadata(source, step)
	meta.Node = node
	meta.Creators = append([]string(nil), creators...)
	for k, v := range tags {
		meta.Tags[k] = v
	}
	if e.saver == nil {
		e.cfg.CheckpointID = ckpt.ID
	} else {
		newVersions := make(map[string]int64, len(changed))
		for _, ch := range changed {
			newVersions[ch] = e.snapshot.Versions[ch]
		}
		cfg, err := e.put(ctx, PutRequest{Config: e.cfg, Checkpoint: ckpt, Metadata: meta, NewVersions: newVersions})
		if err != nil {
			return nil, err
		}
		e.cfg = cfg
		ckpt.ID = cfg.CheckpointID
	}
	e.step = step
	e.g.observeCheckpoint(ctx, source)
	if e.g.opts.debug {
		log.Debugf("graph %s: checkpoint %s source=%s step=%d next=%v", e.g.name, ckpt.ID, source, step, ckpt.NextNodes())
	}
	e.emit(&StreamEvent{Mode: StreamModeDebug, Step: step, Payload: DebugPayload{
		Type:         DebugTypeCheckpoint,
		CheckpointID: ckpt.ID,
		Source:       source,
		Next:         ckpt.NextNodes(),
	}})
	return ckpt, nil
}

func (e *executor) emit(ev *StreamEvent) {
	ev.Namespace = e.req.namespace
	e.sink.emit(ev)
}

func (e *executor) emitValues(step int) {
	e.emit(&StreamEvent{Mode: StreamModeValues, Step: step, Payload: publicValues(e.snapshot.Values)})
}

func specsOf(results []*taskResult) []TaskSpec {
	out := make([]TaskSpec, 0, len(results))
	for _, r := range results {
		out = append(out, r.spec)
	}
	return out
}
