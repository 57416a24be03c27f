//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "trpc.group/trpc-go/trpc-graph-go/graph/internal/value"

// ResumeAction tells the scheduler how to continue an interrupted run.
type ResumeAction string

// Resume actions.
const (
	// ResumeContinue re-runs the interrupted node, whose Interrupt call
	// returns the resume value.
	ResumeContinue ResumeAction = "continue"
	// ResumeAbort ends the run with a Cancelled error.
	ResumeAbort ResumeAction = "abort"
	// ResumeEdit applies Updates to the state before continuing.
	ResumeEdit ResumeAction = "edit"
	// ResumeSkip completes the interrupted node without writes.
	ResumeSkip ResumeAction = "skip"
)

// ResumeValue answers an interrupt.
type ResumeValue struct {
	Action   ResumeAction   `json:"action"`
	Updates  map[string]any `json:"updates,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Continue returns a resume value that continues with the given inputs.
func Continue(inputs map[string]any) *ResumeValue {
	return &ResumeValue{Action: ResumeContinue, Inputs: inputs}
}

// Approve continues an approval interrupt with approved set.
func Approve(approved bool) *ResumeValue {
	return Continue(map[string]any{"approved": approved})
}

// Abort returns a resume value that cancels the run.
func Abort() *ResumeValue {
	return &ResumeValue{Action: ResumeAbort}
}

// Edit returns a resume value that applies updates, then continues.
func Edit(updates map[string]any) *ResumeValue {
	return &ResumeValue{Action: ResumeEdit, Updates: updates}
}

// Skip returns a resume value that completes the interrupted node without
// writes.
func Skip() *ResumeValue {
	return &ResumeValue{Action: ResumeSkip}
}

func (r *ResumeValue) action() ResumeAction {
	if r == nil || r.Action == "" {
		return ResumeContinue
	}
	return r.Action
}

// Input returns an input value by key.
func (r *ResumeValue) Input(key string) (any, bool) {
	if r == nil || r.Inputs == nil {
		return nil, false
	}
	v, ok := r.Inputs[key]
	return v, ok
}

// Approved reports whether the resume value approves an approval interrupt.
// Abort and Skip never approve.
func (r *ResumeValue) Approved() bool {
	if r == nil {
		return false
	}
	switch r.action() {
	case ResumeAbort, ResumeSkip:
		return false
	}
	v, ok := r.Input("approved")
	if !ok {
		return true
	}
	b, _ := v.(bool)
	return b
}

func (r *ResumeValue) toMap() map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{"action": string(r.action())}
	if r.Updates != nil {
		out["updates"] = value.CopyMap(r.Updates)
	}
	if r.Inputs != nil {
		out["inputs"] = value.CopyMap(r.Inputs)
	}
	if r.Metadata != nil {
		out["metadata"] = value.CopyMap(r.Metadata)
	}
	return out
}

func resumeFromMap(m map[string]any) *ResumeValue {
	if m == nil {
		return nil
	}
	r := &ResumeValue{}
	if a, ok := m["action"].(string); ok {
		r.Action = ResumeAction(a)
	}
	r.Updates, _ = m["updates"].(map[string]any)
	r.Inputs, _ = m["inputs"].(map[string]any)
	r.Metadata, _ = m["metadata"].(map[string]any)
	return r
}
