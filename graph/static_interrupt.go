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
)

// externalTaskID keys the marker of a pause that no task caused.
const externalTaskID = "__external__"

// breakpointHits returns the tasks whose node is in set.
func (e *executor) breakpointHits(tasks []TaskSpec, set map[string]bool) []TaskSpec {
	if len(set) == 0 {
		return nil
	}
	var hits []TaskSpec
	for _, t := range tasks {
		if set[t.Node] {
			hits = append(hits, t)
		}
	}
	return hits
}

// pauseBeforeStep stores the pre-step state as an input checkpoint tagged
// with the pause phase and returns the Interrupted result. Resuming runs the
// pending tasks without pausing again.
func (e *executor) pauseBeforeStep(ctx context.Context, trigger string, hits []TaskSpec) (*runOutcome, error) {
	tags := map[string]any{TagInterrupt: phaseOf(trigger)}
	if _, err := e.checkpoint(ctx, CheckpointSourceInput, e.step, "", nil, nil, tags); err != nil {
		return nil, err
	}
	payloads := e.recordPause(ctx, trigger, hits)
	return &runOutcome{result: e.result(RunStatusInterrupted, payloads)}, nil
}

// recordPause stores one marker per hit task, or a single marker when no
// task is involved, against the current checkpoint.
func (e *executor) recordPause(ctx context.Context, trigger string, hits []TaskSpec) []InterruptPayload {
	pending := make([]any, 0, len(e.next))
	for _, t := range e.next {
		pending = append(pending, t.Node)
	}
	if len(hits) == 0 {
		hits = []TaskSpec{{ID: externalTaskID}}
	}
	payloads := make([]InterruptPayload, 0, len(hits))
	for _, h := range hits {
		p := InterruptPayload{
			ID:        newID(),
			Node:      h.Node,
			Namespace: e.req.namespace,
			Kind:      InterruptCustom,
			Phase:     phaseOf(trigger),
			Context:   map[string]any{"next": pending},
			Step:      e.step,
		}
		switch trigger {
		case triggerBefore:
			p.Message = fmt.Sprintf("paused before node %s", h.Node)
			p.Step = e.step + 1
		case triggerAfter:
			p.Message = fmt.Sprintf("paused after node %s", h.Node)
		default:
			p.Message = "paused on request"
		}
		rec := interruptRecord{Trigger: trigger, Payload: p}
		_ = e.putWrites(ctx, PutWritesRequest{
			Config: e.cfg,
			TaskID: h.ID,
			Writes: []PendingWrite{{TaskID: h.ID, Channel: ChannelInterrupt, Value: rec.toValue()}},
		})
		payloads = append(payloads, p)
	}
	return payloads
}

func phaseOf(trigger string) string {
	switch trigger {
	case triggerBefore:
		return InterruptPhaseBefore
	case triggerAfter:
		return InterruptPhaseAfter
	case triggerExternal:
		return InterruptPhaseExternal
	}
	return InterruptPhaseInline
}
