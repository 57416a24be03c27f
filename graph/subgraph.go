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

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// SubgraphOption configures how a subgraph node exchanges state with its
// parent.
type SubgraphOption func(*subgraphBinding)

// WithInputKeys passes only the listed parent channels to the subgraph.
func WithInputKeys(keys ...string) SubgraphOption {
	return func(b *subgraphBinding) {
		b.inputKeys = append(b.inputKeys, keys...)
	}
}

// WithInputMapping passes parent channels to the subgraph under new names,
// keyed by parent channel.
func WithInputMapping(mapping map[string]string) SubgraphOption {
	return func(b *subgraphBinding) {
		b.inputMap = copyStringMap(mapping)
	}
}

// WithOutputKeys syncs back only the listed subgraph channels.
func WithOutputKeys(keys ...string) SubgraphOption {
	return func(b *subgraphBinding) {
		b.outputKeys = append(b.outputKeys, keys...)
	}
}

// WithOutputMapping syncs subgraph channels back under new names, keyed by
// subgraph channel. Unlisted channels are not synced.
func WithOutputMapping(mapping map[string]string) SubgraphOption {
	return func(b *subgraphBinding) {
		b.outputMap = copyStringMap(mapping)
	}
}

// WithDiscardOutput keeps the subgraph result out of the parent state.
func WithDiscardOutput() SubgraphOption {
	return func(b *subgraphBinding) {
		b.discard = true
	}
}

// WithForwardEvents forwards the stream events of the subgraph to the
// parent stream, tagged with the subgraph namespace.
func WithForwardEvents(forward bool) SubgraphOption {
	return func(b *subgraphBinding) {
		b.forward = forward
	}
}

type subgraphBinding struct {
	child      *Graph
	inputKeys  []string
	inputMap   map[string]string
	outputKeys []string
	outputMap  map[string]string
	discard    bool
	forward    bool
}

// AddSubgraph adds a node that runs a compiled graph. The subgraph reads
// every parent channel it also declares unless an input option narrows or
// renames the projection. The channels it changed are written back through
// the parent as their final values unless an output option narrows, renames
// or discards them. Interrupts inside the subgraph pause the parent with the same id.
func (sg *StateGraph) AddSubgraph(name string, child *Graph, opts ...SubgraphOption) *StateGraph {
	b := &subgraphBinding{child: child}
	for _, opt := range opts {
		opt(b)
	}
	node := &Node{
		ID:       name,
		Type:     NodeTypeSubgraph,
		Function: b.invoke,
		subgraph: b,
	}
	// Failures inside the subgraph were already retried by its own nodes.
	noRetry := NoRetry()
	node.retryPolicy = &noRetry
	sg.addNode(node)
	return sg
}

func (b *subgraphBinding) validate(node string, parent *StateSchema) []string {
	if b.child == nil {
		return []string{fmt.Sprintf("subgraph node %q has no graph", node)}
	}
	var out []string
	childSchema := b.child.schema
	for _, k := range b.inputKeys {
		if _, ok := parent.Field(k); !ok {
			out = append(out, fmt.Sprintf("subgraph %q input key %q is not a parent channel", node, k))
		}
		if _, ok := childSchema.Field(k); !ok {
			out = append(out, fmt.Sprintf("subgraph %q input key %q is not a subgraph channel", node, k))
		}
	}
	for _, from := range sortedKeys(b.inputMap) {
		if _, ok := parent.Field(from); !ok {
			out = append(out, fmt.Sprintf("subgraph %q input mapping source %q is not a parent channel", node, from))
		}
		if _, ok := childSchema.Field(b.inputMap[from]); !ok {
			out = append(out, fmt.Sprintf("subgraph %q input mapping target %q is not a subgraph channel", node, b.inputMap[from]))
		}
	}
	for _, k := range b.outputKeys {
		if _, ok := childSchema.Field(k); !ok {
			out = append(out, fmt.Sprintf("subgraph %q output key %q is not a subgraph channel", node, k))
		}
		if _, ok := parent.Field(k); !ok {
			out = append(out, fmt.Sprintf("subgraph %q output key %q is not a parent channel", node, k))
		}
	}
	for _, from := range sortedKeys(b.outputMap) {
		if _, ok := childSchema.Field(from); !ok {
			out = append(out, fmt.Sprintf("subgraph %q output mapping source %q is not a subgraph channel", node, from))
		}
		if _, ok := parent.Field(b.outputMap[from]); !ok {
			out = append(out, fmt.Sprintf("subgraph %q output mapping target %q is not a parent channel", node, b.outputMap[from]))
		}
	}
	return out
}

// project builds the subgraph input from the parent state.
func (b *subgraphBinding) project(state State) State {
	in := State{}
	switch {
	case b.inputMap != nil:
		for from, to := range b.inputMap {
			if v, ok := state[from]; ok {
				in[to] = value.Copy(v)
			}
		}
	case len(b.inputKeys) > 0:
		for _, k := range b.inputKeys {
			if v, ok := state[k]; ok {
				in[k] = value.Copy(v)
			}
		}
	default:
		for k, v := range state {
			if _, ok := b.child.schema.Field(k); ok {
				in[k] = value.Copy(v)
			}
		}
	}
	return in
}

// sync selects the subgraph changes written back to the parent.
func (b *subgraphBinding) sync(parent *StateSchema, changed map[string]any) State {
	out := State{}
	if b.discard {
		return out
	}
	switch {
	case b.outputMap != nil:
		for from, to := range b.outputMap {
			if v, ok := changed[from]; ok {
				out[to] = v
			}
		}
	case len(b.outputKeys) > 0:
		for _, k := range b.outputKeys {
			if v, ok := changed[k]; ok {
				out[k] = v
			}
		}
	default:
		for k, v := range changed {
			if _, ok := parent.Field(k); ok {
				out[k] = v
			}
		}
	}
	return out
}

// invoke is the node body of a subgraph node.
func (b *subgraphBinding) invoke(ctx context.Context, state State) (NodeResult, error) {
	rt, ok := RuntimeFromContext(ctx)
	if !ok {
		return nil, newError(ErrorKindConfig, "", 0, errors.New("subgraph invoked outside a run"))
	}
	input := b.project(state)
	baseline, _, err := NewSnapshot(b.child.schema).update(b.child.schema, overwrites(input))
	if err != nil {
		return nil, err
	}

	req := &runRequest{
		threadID:  rt.ThreadID,
		namespace: childNamespace(rt.Namespace, rt.Node),
		saver:     b.child.opts.saver,
		sink:      noopSink{},
		child:     true,
	}
	if req.saver == nil {
		req.saver = rt.saver
	}
	if b.forward && rt.sink != nil {
		req.sink = rt.sink
	}
	if rt.resuming {
		// The parent already applied edits to its own state.
		if rv := rt.resume; rv != nil {
			req.resume = &ResumeValue{Action: ResumeContinue, Inputs: rv.Inputs, Metadata: rv.Metadata}
		}
	} else {
		req.input = input
		req.fresh = true
	}

	out, err := b.child.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(out.result.Interrupts) > 0 {
		return nil, &InterruptError{Payload: out.result.Interrupts[0]}
	}
	if out.toParent != nil {
		return &Command{Update: out.toParent.Update, Goto: out.toParent.Goto}, nil
	}
	final := Snapshot{Values: out.result.State, Versions: out.result.Versions}
	parentSchema := rt.parentSchema
	if parentSchema == nil {
		parentSchema = NewStateSchema()
	}
	return subgraphResult(b.sync(parentSchema, baseline.Diff(final))), nil
}

func singleWrites(s State) map[string][]any {
	out := make(map[string][]any, len(s))
	for k, v := range s {
		out[k] = []any{v}
	}
	return out
}

// overwrites wraps every value of s so it replaces its channel.
func overwrites(s State) map[string][]any {
	out := make(map[string][]any, len(s))
	for k, v := range s {
		out[k] = []any{channel.Overwrite{Value: v}}
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
