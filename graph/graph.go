//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a Pregel-style state graph engine: nodes read a
// shared state, run concurrently in supersteps, and their writes are merged
// through per-channel reducers. Every step can be checkpointed, paused for
// human input, resumed, forked and streamed.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Graph is a compiled, immutable graph. It is safe for concurrent use by
// many runs.
type Graph struct {
	name            string
	schema          *StateSchema
	channels        *StateSchema
	nodes           map[string]*Node
	order           []string
	edges           map[string][]string
	joins           []JoinEdge
	branches        map[string][]*ConditionalEdge
	interruptBefore map[string]bool
	interruptAfter  map[string]bool
	opts            *compileOptions
	pool            *ants.PoolWithFunc
	deferred        *deferredSaves
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema { return g.schema }

// CheckpointSaver returns the configured saver, or nil.
func (g *Graph) CheckpointSaver() CheckpointSaver { return g.opts.saver }

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns the node names in registration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Channels returns the declared channel names, sorted.
func (g *Graph) Channels() []string {
	return g.schema.Names()
}

// Edges returns the static edges sorted by source, then target.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, tos := range g.edges {
		for _, to := range tos {
			out = append(out, Edge{From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Joins returns the join edges in the order they were added.
func (g *Graph) Joins() []JoinEdge {
	out := make([]JoinEdge, 0, len(g.joins))
	for _, j := range g.joins {
		out = append(out, JoinEdge{From: append([]string(nil), j.From...), To: j.To})
	}
	return out
}

// Close releases the task pool. The graph must not be used afterwards.
func (g *Graph) Close() {
	g.pool.Release()
}

// Mermaid renders the graph as a Mermaid flowchart. Conditional edges are
// dashed and labelled with their branch key. Join edges list their sources
// joined by "&".
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	id := func(name string) string {
		switch name {
		case Start:
			return "__start__([start])"
		case End:
			return "__end__([end])"
		}
		return fmt.Sprintf("%s[%s]", name, name)
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(&b, "  %s --> %s\n", id(e.From), id(e.To))
	}
	for _, j := range g.joins {
		from := make([]string, 0, len(j.From))
		for _, f := range j.From {
			from = append(from, id(f))
		}
		fmt.Fprintf(&b, "  %s --> %s\n", strings.Join(from, " & "), id(j.To))
	}
	for _, from := range sortedKeys(g.branches) {
		for _, br := range g.branches[from] {
			if br.PathMap == nil {
				fmt.Fprintf(&b, "  %s -.-> %s\n", id(from), "any")
				continue
			}
			for _, key := range sortedKeys(br.PathMap) {
				fmt.Fprintf(&b, "  %s -. %s .-> %s\n", id(from), key, id(br.PathMap[key]))
			}
		}
	}
	for _, name := range g.order {
		for _, d := range g.nodes[name].Destinations() {
			fmt.Fprintf(&b, "  %s -.-> %s\n", id(name), id(d))
		}
	}
	return b.String()
}

// deferredSaves buffers saver operations that failed, keyed by thread and
// namespace. They are flushed before the next run of the same thread.
type deferredSaves struct {
	mu  sync.Mutex
	ops map[string][]deferredOp
}

type deferredOp struct {
	put    *PutRequest
	writes *PutWritesRequest
}

func newDeferredSaves() *deferredSaves {
	return &deferredSaves{ops: make(map[string][]deferredOp)}
}

func deferredKey(threadID, ns string) string {
	return threadID + NamespaceSeparator + ns
}

func (d *deferredSaves) add(threadID, ns string, op deferredOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := deferredKey(threadID, ns)
	d.ops[k] = append(d.ops[k], op)
}

func (d *deferredSaves) take(threadID, ns string) []deferredOp {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := deferredKey(threadID, ns)
	ops := d.ops[k]
	delete(d.ops, k)
	return ops
}

func (d *deferredSaves) restore(threadID, ns string, ops []deferredOp) {
	if len(ops) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	k := deferredKey(threadID, ns)
	d.ops[k] = append(ops, d.ops[k]...)
}
