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

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// InterruptKind classifies what an interrupt asks of the caller.
type InterruptKind string

// Interrupt kinds.
const (
	InterruptApproval InterruptKind = "approval"
	InterruptInput    InterruptKind = "input"
	InterruptEdit     InterruptKind = "edit"
	InterruptCustom   InterruptKind = "custom"
)

// InterruptPayload describes a pause. ID is stable across the interrupt
// surfacing through parent graphs.
type InterruptPayload struct {
	ID        string
	Node      string
	Namespace string
	Kind      InterruptKind
	Phase     string
	Message   string
	Context   map[string]any
	Schema    map[string]any
	Step      int
}

func (p InterruptPayload) toMap() map[string]any {
	out := map[string]any{
		"id":    p.ID,
		"node":  p.Node,
		"kind":  string(p.Kind),
		"phase": p.Phase,
		"step":  int64(p.Step),
	}
	if p.Namespace != "" {
		out["namespace"] = p.Namespace
	}
	if p.Message != "" {
		out["message"] = p.Message
	}
	if p.Context != nil {
		out["context"] = value.CopyMap(p.Context)
	}
	if p.Schema != nil {
		out["schema"] = value.CopyMap(p.Schema)
	}
	return out
}

func payloadFromMap(m map[string]any) InterruptPayload {
	var p InterruptPayload
	p.ID, _ = m["id"].(string)
	p.Node, _ = m["node"].(string)
	p.Namespace, _ = m["namespace"].(string)
	if k, ok := m["kind"].(string); ok {
		p.Kind = InterruptKind(k)
	}
	p.Phase, _ = m["phase"].(string)
	p.Message, _ = m["message"].(string)
	p.Context, _ = m["context"].(map[string]any)
	p.Schema, _ = m["schema"].(map[string]any)
	if step, ok := value.Int(m["step"]); ok {
		p.Step = int(step)
	}
	return p
}

// InterruptError is raised by Interrupt and unwinds the node body. The
// scheduler turns it into an Interrupted run result.
type InterruptError struct {
	Payload InterruptPayload
}

// Error implements error.
func (e *InterruptError) Error() string {
	if e.Payload.Message != "" {
		return fmt.Sprintf("graph interrupted at node %s (step %d): %s", e.Payload.Node, e.Payload.Step, e.Payload.Message)
	}
	return fmt.Sprintf("graph interrupted at node %s (step %d)", e.Payload.Node, e.Payload.Step)
}

// IsInterrupt reports whether err carries an interrupt.
func IsInterrupt(err error) bool {
	var ie *InterruptError
	return errors.As(err, &ie)
}

// GetInterrupt extracts the interrupt carried by err.
func GetInterrupt(err error) (*InterruptPayload, bool) {
	var ie *InterruptError
	if !errors.As(err, &ie) {
		return nil, false
	}
	p := ie.Payload
	return &p, true
}

// Interrupt pauses the running node. The first time the call is reached it
// returns an *InterruptError the node must return. When the run is resumed
// the node body runs again from the top and the same call returns the
// resume value instead. A node may call Interrupt several times; each call
// is answered by its own resume.
func Interrupt(ctx context.Context, payload InterruptPayload) (*ResumeValue, error) {
	rt, ok := RuntimeFromContext(ctx)
	if !ok {
		return nil, newError(ErrorKindConfig, "", 0, errors.New("interrupt called outside a node"))
	}
	if rv, _ := rt.nextResume(); rv != nil {
		return rv, nil
	}
	if payload.Kind == "" {
		payload.Kind = InterruptCustom
	}
	payload.ID = newID()
	payload.Node = rt.Node
	payload.Namespace = rt.Namespace
	payload.Phase = InterruptPhaseInline
	payload.Step = rt.Step
	return nil, &InterruptError{Payload: payload}
}

// InterruptForApproval asks the caller to approve or reject.
func InterruptForApproval(ctx context.Context, message string, data map[string]any) (*ResumeValue, error) {
	return Interrupt(ctx, InterruptPayload{
		Kind:    InterruptApproval,
		Message: message,
		Context: data,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
		},
	})
}

// InterruptForInput asks the caller for a value stored under field in the
// resume inputs.
func InterruptForInput(ctx context.Context, prompt, field string, schema map[string]any) (*ResumeValue, error) {
	if schema == nil {
		schema = map[string]any{"type": "string"}
	}
	return Interrupt(ctx, InterruptPayload{
		Kind:    InterruptInput,
		Message: prompt,
		Context: map[string]any{"field": field},
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{field: schema},
			"required":   []any{field},
		},
	})
}

// InterruptForEdit shows the caller the current values of fields and
// expects an Edit resume.
func InterruptForEdit(ctx context.Context, description string, fields []string, current State) (*ResumeValue, error) {
	shown := make(map[string]any, len(fields))
	names := make([]any, 0, len(fields))
	for _, f := range fields {
		shown[f] = value.Copy(current[f])
		names = append(names, f)
	}
	return Interrupt(ctx, InterruptPayload{
		Kind:    InterruptEdit,
		Message: description,
		Context: map[string]any{"fields": names, "current": shown},
	})
}

// Interrupt record triggers.
const (
	triggerTask     = "task"
	triggerBefore   = "before"
	triggerAfter    = "after"
	triggerExternal = "external"
)

// interruptRecord is the value of a ChannelInterrupt pending write.
type interruptRecord struct {
	// Trigger tells whether a task raised the interrupt or a breakpoint or
	// an external pause request did.
	Trigger string
	Payload InterruptPayload
	// Resumes answer the Interrupt calls the node already passed.
	Resumes []*ResumeValue
}

func (r interruptRecord) toValue() map[string]any {
	resumes := make([]any, 0, len(r.Resumes))
	for _, rv := range r.Resumes {
		resumes = append(resumes, rv.toMap())
	}
	return map[string]any{"trigger": r.Trigger, "payload": r.Payload.toMap(), "resumes": resumes}
}

func interruptRecordFrom(v any) (interruptRecord, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return interruptRecord{}, false
	}
	pm, ok := m["payload"].(map[string]any)
	if !ok {
		return interruptRecord{}, false
	}
	rec := interruptRecord{Payload: payloadFromMap(pm)}
	rec.Trigger, _ = m["trigger"].(string)
	if rec.Trigger == "" {
		rec.Trigger = triggerTask
	}
	if list, ok := m["resumes"].([]any); ok {
		for _, item := range list {
			if rm, ok := item.(map[string]any); ok {
				rec.Resumes = append(rec.Resumes, resumeFromMap(rm))
			}
		}
	}
	return rec, true
}
