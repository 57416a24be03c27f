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
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// NodeResult is what a node returns: a State update, a *Command or a
// *ParentCommand. A nil result writes nothing.
type NodeResult interface {
	isNodeResult()
}

func (State) isNodeResult() {}

// Command combines a state update with explicit routing.
type Command struct {
	Update State
	// Goto overrides the outgoing edges of the node. It may name End.
	Goto string
	// Sends schedule extra tasks with private arguments for the next step.
	Sends []Send
	// Resume acknowledges the resume value a re-entered node consumed. It
	// is only valid while the task is being resumed, and its action is
	// recorded on the step checkpoint.
	Resume *ResumeValue
}

func (*Command) isNodeResult() {}

// ParentCommand is returned by a node inside a subgraph to route the parent
// graph. Update is applied to the parent state as the write of the subgraph
// node, and Goto replaces its outgoing edges.
type ParentCommand struct {
	Update State
	Goto   string
}

func (*ParentCommand) isNodeResult() {}

// Send schedules a task of Node whose input is the state overlaid with Arg.
type Send struct {
	Node string
	Arg  map[string]any
}

// GotoNode routes to node without updating the state.
func GotoNode(node string) *Command {
	return &Command{Goto: node}
}

// subgraphResult is the final state of a subgraph. It replaces the parent
// channels it names instead of folding into them.
type subgraphResult State

func (subgraphResult) isNodeResult() {}

// nodeOutput is a node result decoded into writes and routing.
type nodeOutput struct {
	update    State
	overwrite bool
	hasGoto   bool
	gotoNode  string
	sends     []Send
	resume    ResumeAction
	toParent  *ParentCommand
}

func decodeResult(res NodeResult) (nodeOutput, error) {
	switch r := res.(type) {
	case nil:
		return nodeOutput{}, nil
	case State:
		return nodeOutput{update: r}, nil
	case subgraphResult:
		return nodeOutput{update: State(r), overwrite: true}, nil
	case *Command:
		if r == nil {
			return nodeOutput{}, nil
		}
		out := nodeOutput{update: r.Update, hasGoto: r.Goto != "", gotoNode: r.Goto, sends: r.Sends}
		if r.Resume != nil {
			out.resume = r.Resume.action()
		}
		return out, nil
	case *ParentCommand:
		if r == nil {
			return nodeOutput{}, nil
		}
		return nodeOutput{toParent: r}, nil
	default:
		return nodeOutput{}, fmt.Errorf("unsupported node result %T", res)
	}
}

// writes returns the update as pending writes in key order followed by the
// route record of the task.
func (o nodeOutput) writes(taskID string) []PendingWrite {
	update := o.update
	if o.toParent != nil {
		update = o.toParent.Update
	}
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]PendingWrite, 0, len(keys))
	for i, k := range keys {
		out = append(out, PendingWrite{TaskID: taskID, Channel: k, Value: update[k], Seq: i})
	}
	return append(out, PendingWrite{TaskID: taskID, Channel: ChannelRoute, Value: o.route(), Seq: len(keys)})
}

func (o nodeOutput) route() map[string]any {
	r := map[string]any{}
	if o.hasGoto {
		r["goto"] = o.gotoNode
	}
	if o.overwrite {
		r["overwrite"] = true
	}
	if o.resume != "" {
		r["resume"] = string(o.resume)
	}
	if len(o.sends) > 0 {
		sends := make([]any, 0, len(o.sends))
		for _, s := range o.sends {
			sends = append(sends, map[string]any{"node": s.Node, "arg": value.CopyMap(s.Arg)})
		}
		r["sends"] = sends
	}
	if o.toParent != nil {
		r["parent"] = true
		r["goto"] = o.toParent.Goto
	}
	return r
}

// outputFromWrites rebuilds the output of a completed task from its pending
// writes. ok is false when the writes hold no route record.
func outputFromWrites(writes []PendingWrite) (out nodeOutput, ok bool) {
	update := State{}
	var route map[string]any
	for _, w := range writes {
		switch w.Channel {
		case ChannelRoute:
			route, _ = w.Value.(map[string]any)
			ok = true
		case ChannelInterrupt, ChannelError:
		default:
			update[w.Channel] = w.Value
		}
	}
	if !ok {
		return nodeOutput{}, false
	}
	if parent, _ := route["parent"].(bool); parent {
		g, _ := route["goto"].(string)
		return nodeOutput{toParent: &ParentCommand{Update: update, Goto: g}}, true
	}
	out.update = update
	out.overwrite, _ = route["overwrite"].(bool)
	if a, has := route["resume"].(string); has {
		out.resume = ResumeAction(a)
	}
	if g, has := route["goto"].(string); has && g != "" {
		out.hasGoto, out.gotoNode = true, g
	}
	if list, has := route["sends"].([]any); has {
		for _, item := range list {
			m, _ := item.(map[string]any)
			node, _ := m["node"].(string)
			arg, _ := m["arg"].(map[string]any)
			out.sends = append(out.sends, Send{Node: node, Arg: arg})
		}
	}
	return out, true
}
