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
	"strings"

	"github.com/panjf2000/ants/v2"
)

// StateGraph provides a fluent interface for building graphs.
//
// Example usage:
//
//	schema := NewStateSchema().AddField("counter", StateField{Reducer: SumReducer})
//	g, err := NewStateGraph(schema).
//	  AddNode("increment", incrementFunc).
//	  SetEntryPoint("increment").
//	  SetFinishPoint("increment").
//	  Compile()
//
// Builder methods never fail; every problem is reported by Compile.
type StateGraph struct {
	schema   *StateSchema
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	joins    []JoinEdge
	branches []*ConditionalEdge
	problems []string
}

// Edge is a static edge between two nodes.
type Edge struct {
	From string
	To   string
}

// JoinEdge runs To once after every node in From has completed. The sources
// may complete in different steps. A source routed by a Command goto does
// not count.
type JoinEdge struct {
	From []string
	To   string
}

func (j JoinEdge) channel() string {
	from := append([]string(nil), j.From...)
	sort.Strings(from)
	return joinPrefix + strings.Join(from, ",") + "->" + j.To
}

// ConditionalEdge routes from a node to the target its condition selects.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	// PathMap maps branch keys to node names. When nil, keys are node names.
	PathMap map[string]string
}

// NewStateGraph creates a new graph builder with the given state schema.
func NewStateGraph(schema *StateSchema) *StateGraph {
	return &StateGraph{
		schema: schema,
		nodes:  make(map[string]*Node),
	}
}

// AddNode adds a node with the given name and function.
func (sg *StateGraph) AddNode(name string, function NodeFunc, opts ...Option) *StateGraph {
	node := &Node{
		ID:       name,
		Type:     NodeTypeFunction,
		Function: function,
	}
	for _, opt := range opts {
		opt(node)
	}
	sg.addNode(node)
	return sg
}

func (sg *StateGraph) addNode(node *Node) {
	switch {
	case node.ID == "":
		sg.problems = append(sg.problems, "node name must not be empty")
		return
	case isReservedName(node.ID):
		sg.problems = append(sg.problems, fmt.Sprintf("node name %q is reserved", node.ID))
		return
	}
	if _, exists := sg.nodes[node.ID]; exists {
		sg.problems = append(sg.problems, fmt.Sprintf("duplicate node %q", node.ID))
		return
	}
	if node.Function == nil {
		sg.problems = append(sg.problems, fmt.Sprintf("node %q has no function", node.ID))
	}
	node.order = len(sg.order)
	sg.nodes[node.ID] = node
	sg.order = append(sg.order, node.ID)
}

// AddEdge adds a static edge. Every static edge of a completed node fires.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	sg.edges = append(sg.edges, Edge{From: from, To: to})
	return sg
}

// AddJoinEdge adds an edge that waits for all of from before to runs.
func (sg *StateGraph) AddJoinEdge(from []string, to string) *StateGraph {
	sg.joins = append(sg.joins, JoinEdge{From: append([]string(nil), from...), To: to})
	return sg
}

// AddConditionalEdges adds conditional routing from a node.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	var pm map[string]string
	if pathMap != nil {
		pm = make(map[string]string, len(pathMap))
		for k, v := range pathMap {
			pm[k] = v
		}
	}
	sg.branches = append(sg.branches, &ConditionalEdge{From: from, Condition: condition, PathMap: pm})
	return sg
}

// SetEntryPoint adds an edge from Start to the node.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	return sg.AddEdge(Start, nodeID)
}

// SetConditionalEntryPoint routes from Start through a condition.
func (sg *StateGraph) SetConditionalEntryPoint(condition ConditionalFunc, pathMap map[string]string) *StateGraph {
	return sg.AddConditionalEdges(Start, condition, pathMap)
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the definition and freezes it into a Graph. It returns a
// *ValidationError listing every violation found.
func (sg *StateGraph) Compile(opts ...CompileOption) (*Graph, error) {
	o := defaultCompileOptions()
	for _, opt := range opts {
		opt(o)
	}
	if violations := sg.validate(o); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	g := &Graph{
		name:            o.name,
		schema:          sg.schema,
		channels:        sg.schema.withJoins(sg.joins),
		joins:           append([]JoinEdge(nil), sg.joins...),
		nodes:           make(map[string]*Node, len(sg.nodes)),
		order:           append([]string(nil), sg.order...),
		edges:           make(map[string][]string),
		branches:        make(map[string][]*ConditionalEdge),
		interruptBefore: toSet(o.interruptBefore),
		interruptAfter:  toSet(o.interruptAfter),
		opts:            o,
		deferred:        newDeferredSaves(),
	}
	for name, n := range sg.nodes {
		g.nodes[name] = n
	}
	for _, e := range sg.edges {
		if !containsString(g.edges[e.From], e.To) {
			g.edges[e.From] = append(g.edges[e.From], e.To)
		}
	}
	for _, b := range sg.branches {
		g.branches[b.From] = append(g.branches[b.From], b)
	}
	pool, err := ants.NewPoolWithFunc(o.maxConcurrency, runTask, ants.WithNonblocking(false))
	if err != nil {
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("create task pool: %w", err))
	}
	g.pool = pool
	return g, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile(opts ...CompileOption) *Graph {
	g, err := sg.Compile(opts...)
	if err != nil {
		panic(err)
	}
	return g
}

func (sg *StateGraph) validate(o *compileOptions) []string {
	violations := append([]string(nil), sg.problems...)
	if sg.schema == nil {
		return append(violations, "state schema is required")
	}
	for _, name := range sg.schema.Names() {
		if isReservedChannel(name) || isReservedName(name) {
			violations = append(violations, fmt.Sprintf("channel name %q is reserved", name))
		}
	}

	known := func(name string) bool {
		_, ok := sg.nodes[name]
		return ok
	}
	hasEntry := false
	for _, e := range sg.edges {
		switch {
		case e.From == End:
			violations = append(violations, fmt.Sprintf("edge %s -> %s leaves %s", e.From, e.To, End))
		case e.From != Start && !known(e.From):
			violations = append(violations, fmt.Sprintf("edge %s -> %s references unknown node %q", e.From, e.To, e.From))
		}
		switch {
		case e.To == Start:
			violations = append(violations, fmt.Sprintf("edge %s -> %s enters %s", e.From, e.To, Start))
		case e.To != End && !known(e.To):
			violations = append(violations, fmt.Sprintf("edge %s -> %s references unknown node %q", e.From, e.To, e.To))
		}
		if e.From == Start {
			hasEntry = true
		}
	}
	violations = append(violations, sg.validateJoins(known)...)
	for _, b := range sg.branches {
		if b.From == Start {
			hasEntry = true
		} else if !known(b.From) {
			violations = append(violations, fmt.Sprintf("conditional edge references unknown node %q", b.From))
		}
		if b.Condition == nil {
			violations = append(violations, fmt.Sprintf("conditional edge from %q has no condition", b.From))
		}
		for _, key := range sortedKeys(b.PathMap) {
			target := b.PathMap[key]
			if target != End && !known(target) {
				violations = append(violations, fmt.Sprintf("conditional edge from %q maps %q to unknown node %q", b.From, key, target))
			}
		}
	}
	if !hasEntry {
		violations = append(violations, "no entry point: add an edge from "+Start)
	}
	for _, name := range sg.order {
		n := sg.nodes[name]
		for _, d := range n.Destinations() {
			if d != End && !known(d) {
				violations = append(violations, fmt.Sprintf("node %q declares unknown destination %q", name, d))
			}
		}
		for _, ch := range append(append([]string(nil), n.reads...), n.writes...) {
			if _, ok := sg.schema.Field(ch); !ok {
				violations = append(violations, fmt.Sprintf("node %q references undeclared channel %q", name, ch))
			}
		}
		if n.subgraph != nil {
			violations = append(violations, n.subgraph.validate(name, sg.schema)...)
		}
	}
	for _, name := range o.interruptBefore {
		if !known(name) {
			violations = append(violations, fmt.Sprintf("interrupt_before references unknown node %q", name))
		}
	}
	for _, name := range o.interruptAfter {
		if !known(name) {
			violations = append(violations, fmt.Sprintf("interrupt_after references unknown node %q", name))
		}
	}
	if hasEntry && !sg.reachesEnd() {
		violations = append(violations, "no path from "+Start+" reaches "+End)
	}
	return violations
}

func (sg *StateGraph) validateJoins(known func(string) bool) []string {
	var out []string
	for _, j := range sg.joins {
		if len(j.From) == 0 {
			out = append(out, fmt.Sprintf("join edge to %q has no sources", j.To))
		}
		seen := make(map[string]bool, len(j.From))
		for _, f := range j.From {
			switch {
			case seen[f]:
				out = append(out, fmt.Sprintf("join edge to %q lists %q twice", j.To, f))
			case !known(f):
				out = append(out, fmt.Sprintf("join edge to %q references unknown node %q", j.To, f))
			}
			seen[f] = true
		}
		if j.To != End && !known(j.To) {
			out = append(out, fmt.Sprintf("join edge references unknown node %q", j.To))
		}
	}
	return out
}

// reachesEnd walks static edges, branch targets and declared destinations.
// A branch without a path map may target any node.
func (sg *StateGraph) reachesEnd() bool {
	next := make(map[string][]string)
	for _, e := range sg.edges {
		next[e.From] = append(next[e.From], e.To)
	}
	for _, j := range sg.joins {
		for _, f := range j.From {
			next[f] = append(next[f], j.To)
		}
	}
	for _, b := range sg.branches {
		if b.PathMap == nil {
			next[b.From] = append(next[b.From], End)
			next[b.From] = append(next[b.From], sg.order...)
			continue
		}
		for _, t := range b.PathMap {
			next[b.From] = append(next[b.From], t)
		}
	}
	for name, n := range sg.nodes {
		next[name] = append(next[name], n.Destinations()...)
	}
	seen := map[string]bool{Start: true}
	queue := []string{Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range next[cur] {
			if t == End {
				return true
			}
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, it := range list {
		if it == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
