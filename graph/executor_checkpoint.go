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

	"trpc.group/trpc-go/trpc-graph-go/log"
)

// put stores a checkpoint, retrying once. A conflict is retried with a
// fresh id. When both attempts fail the request is buffered and replayed
// before the next run of the thread.
func (e *executor) put(ctx context.Context, req PutRequest) (CheckpointConfig, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var cfg CheckpointConfig
		if cfg, err = e.saver.Put(ctx, req); err == nil {
			return cfg, nil
		}
		log.Warnf("graph %s: put checkpoint %s of thread %q failed (attempt %d): %v",
			e.g.name, req.Checkpoint.ID, req.Config.ThreadID, attempt+1, err)
		if errors.Is(err, ErrCheckpointConflict) {
			req.Checkpoint = req.Checkpoint.Copy()
			req.Checkpoint.ID = newID()
		}
	}
	e.g.deferred.add(req.Config.ThreadID, req.Config.Namespace, deferredOp{put: &req})
	return CheckpointConfig{}, newError(ErrorKindSaver, "", req.Metadata.Step, fmt.Errorf("put checkpoint: %w", err))
}

// putWrites records task writes, retrying once before buffering them like
// put does.
func (e *executor) putWrites(ctx context.Context, req PutWritesRequest) error {
	if e.saver == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = e.saver.PutWrites(ctx, req); err == nil {
			return nil
		}
		log.Warnf("graph %s: put writes of task %s failed (attempt %d): %v", e.g.name, req.TaskID, attempt+1, err)
	}
	e.g.deferred.add(req.Config.ThreadID, req.Config.Namespace, deferredOp{writes: &req})
	return newError(ErrorKindSaver, "", e.step, fmt.Errorf("put writes: %w", err))
}

// flushDeferred replays buffered saver operations of the thread in order.
func (e *executor) flushDeferred(ctx context.Context) error {
	if e.saver == nil || e.req.threadID == "" {
		return nil
	}
	ops := e.g.deferred.take(e.req.threadID, e.req.namespace)
	for i, op := range ops {
		var err error
		if op.put != nil {
			_, err = e.saver.Put(ctx, *op.put)
		} else {
			err = e.saver.PutWrites(ctx, *op.writes)
		}
		if err != nil {
			e.g.deferred.restore(e.req.threadID, e.req.namespace, ops[i:])
			return newError(ErrorKindSaver, "", 0, fmt.Errorf("replay buffered checkpoint writes: %w", err))
		}
	}
	if len(ops) > 0 {
		log.Infof("graph %s: replayed %d buffered saver operations of thread %q", e.g.name, len(ops), e.req.threadID)
	}
	return nil
}

// recordCompleted stores the writes and route of every completed task
// against the checkpoint cfg. Saver failures are buffered, not returned:
// the step outcome being reported matters more.
func (e *executor) recordCompleted(ctx context.Context, cfg CheckpointConfig, results []*taskResult) {
	for _, r := range results {
		if r.node == nil || !r.done() {
			continue
		}
		_ = e.putWrites(ctx, PutWritesRequest{Config: cfg, TaskID: r.spec.ID, Writes: r.out.writes(r.spec.ID)})
	}
}

// recordError marks a task as failed. It replaces earlier writes of the
// task so a later run executes it again.
func (e *executor) recordError(ctx context.Context, taskID, node string, err error) {
	rec := map[string]any{
		"kind":    string(KindOf(err)),
		"node":    node,
		"message": err.Error(),
	}
	_ = e.putWrites(ctx, PutWritesRequest{
		Config: e.cfg,
		TaskID: taskID,
		Writes: []PendingWrite{{TaskID: taskID, Channel: ChannelError, Value: rec}},
	})
}

// recordInterrupts stores a marker for each interrupted task and returns
// their payloads.
func (e *executor) recordInterrupts(ctx context.Context, interrupted []*taskResult) []InterruptPayload {
	payloads := make([]InterruptPayload, 0, len(interrupted))
	for _, r := range interrupted {
		rec := interruptRecord{Trigger: triggerTask, Payload: r.interrupt.Payload, Resumes: r.resumes}
		_ = e.putWrites(ctx, PutWritesRequest{
			Config: e.cfg,
			TaskID: r.spec.ID,
			Writes: []PendingWrite{{TaskID: r.spec.ID, Channel: ChannelInterrupt, Value: rec.toValue()}},
		})
		payloads = append(payloads, r.interrupt.Payload)
	}
	return payloads
}

// prepareResume loads base as the current state and applies the resume
// value to its pending interrupts. A nil resume value continues from base.
func (e *executor) prepareResume(ctx context.Context, base *CheckpointTuple) (*runOutcome, error) {
	e.snapshot = base.Checkpoint.Snapshot.Clone()
	e.next = base.Checkpoint.Copy().Next
	e.step = base.Metadata.Step
	e.cfg = base.Config

	var (
		markers []pendingInterrupt
		byTask  = make(map[string][]PendingWrite)
		order   []string
	)
	writes := append([]PendingWrite(nil), base.PendingWrites...)
	sort.SliceStable(writes, func(i, j int) bool { return writes[i].Seq < writes[j].Seq })
	for _, w := range writes {
		if _, ok := byTask[w.TaskID]; !ok {
			order = append(order, w.TaskID)
		}
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
		if w.Channel == ChannelInterrupt {
			if rec, ok := interruptRecordFrom(w.Value); ok {
				markers = append(markers, pendingInterrupt{taskID: w.TaskID, rec: rec})
			}
		}
	}
	for _, id := range order {
		if out, ok := outputFromWrites(byTask[id]); ok {
			e.completed[id] = out
		}
	}

	rv := e.req.resume
	if rv == nil {
		for _, m := range markers {
			switch m.rec.Trigger {
			case triggerTask:
				e.resumes[m.taskID] = m.rec.Resumes
			case triggerBefore, triggerExternal:
				e.skipBreakpoint = true
			}
		}
		return nil, nil
	}
	if len(markers) == 0 {
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("checkpoint %s has no pending interrupt to resume", base.Checkpoint.ID))
	}
	e.resumeValue = rv
	e.resumeAction = rv.action()

	switch rv.action() {
	case ResumeAbort:
		e.next = nil
		tags := map[string]any{
			TagStatus:       StatusFailed,
			TagReason:       ReasonUserCancelled,
			TagResumeAction: string(ResumeAbort),
		}
		if _, err := e.checkpoint(ctx, CheckpointSourceUpdate, e.step+1, "", nil, nil, tags); err != nil {
			return nil, err
		}
		return nil, newError(ErrorKindCancelled, "", e.step, ErrAborted)
	case ResumeEdit:
		if err := e.applyEdit(ctx, rv, byTask); err != nil {
			return nil, err
		}
	case ResumeContinue, ResumeSkip:
	default:
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("unknown resume action %q", rv.Action))
	}

	for _, m := range markers {
		switch m.rec.Trigger {
		case triggerTask:
			if rv.action() == ResumeSkip {
				e.skipped[m.taskID] = true
				continue
			}
			e.resumes[m.taskID] = append(append([]*ResumeValue(nil), m.rec.Resumes...), rv)
		case triggerBefore, triggerExternal:
			e.skipBreakpoint = true
			if rv.action() == ResumeSkip && m.rec.Trigger == triggerBefore {
				e.skipped[m.taskID] = true
			}
		}
	}
	return nil, nil
}

// pendingInterrupt is an interrupt marker found in the pending writes of a
// checkpoint.
type pendingInterrupt struct {
	taskID string
	rec    interruptRecord
}

// applyEdit writes the updates of an Edit resume into an update checkpoint
// and moves the completed writes of the interrupted step onto it.
func (e *executor) applyEdit(ctx context.Context, rv *ResumeValue, byTask map[string][]PendingWrite) error {
	next, changed, err := e.snapshot.update(e.g.channels, singleWrites(State(rv.Updates)))
	if err != nil {
		return err
	}
	e.snapshot = next
	keys := make([]any, 0, len(rv.Updates))
	for _, k := range sortedKeys(rv.Updates) {
		keys = append(keys, k)
	}
	tags := map[string]any{
		TagResumeAction: string(ResumeEdit),
		TagUpdatedKeys:  keys,
	}
	if _, err := e.checkpoint(ctx, CheckpointSourceUpdate, e.step+1, "", nil, changed, tags); err != nil {
		return err
	}
	e.resumeAction = ""
	for _, id := range sortedKeys(e.completed) {
		if err := e.putWrites(ctx, PutWritesRequest{Config: e.cfg, TaskID: id, Writes: byTask[id]}); err != nil {
			return err
		}
	}
	e.emitValues(e.step)
	return nil
}
