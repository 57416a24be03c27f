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
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// NodeFunc is the body of a node. It receives a copy of the state projected
// to the channels the node reads and returns its result.
type NodeFunc func(ctx context.Context, state State) (NodeResult, error)

// ConditionalFunc selects a branch key after its source node completes. The
// key is looked up in the path map of the edge, or names a node directly
// when the edge has no path map.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// NodeType describes how a node runs.
type NodeType string

// Node types.
const (
	NodeTypeFunction NodeType = "function"
	NodeTypeSubgraph NodeType = "subgraph"
)

// Node is a named unit of computation.
type Node struct {
	ID          string
	Type        NodeType
	Description string
	Function    NodeFunc

	// order is the registration index, used to break ties when merging.
	order        int
	reads        []string
	writes       []string
	destinations map[string]string
	retryPolicy  *RetryPolicy
	timeout      time.Duration
	limiter      *rate.Limiter
	subgraph     *subgraphBinding
}

// Reads returns the channels the node sees, or nil for every channel.
func (n *Node) Reads() []string {
	return append([]string(nil), n.reads...)
}

// Destinations returns the declared Command targets, sorted.
func (n *Node) Destinations() []string {
	out := make([]string, 0, len(n.destinations))
	for d := range n.destinations {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Option configures a Node.
type Option func(*Node)

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithReads restricts the state the node receives to the given channels.
func WithReads(channels ...string) Option {
	return func(node *Node) {
		node.reads = append(node.reads, channels...)
	}
}

// WithWrites declares the channels the node may write. A write outside the
// declared set fails the step with a Config error.
func WithWrites(channels ...string) Option {
	return func(node *Node) {
		node.writes = append(node.writes, channels...)
	}
}

// WithDestinations declares the nodes a Command or Send of this node may
// target, keyed by node name with a free-form description. Declared
// destinations take part in compile-time reachability checks.
func WithDestinations(destinations map[string]string) Option {
	return func(node *Node) {
		if node.destinations == nil {
			node.destinations = make(map[string]string, len(destinations))
		}
		for k, v := range destinations {
			node.destinations[k] = v
		}
	}
}

// WithRetryPolicy overrides the retry policy of the graph for this node.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(node *Node) {
		p := policy
		node.retryPolicy = &p
	}
}

// WithTimeout bounds each attempt of the node. Timeouts count as transient
// failures.
func WithTimeout(timeout time.Duration) Option {
	return func(node *Node) {
		node.timeout = timeout
	}
}

// WithRateLimit limits how often the node body may start, across all runs
// of the compiled graph.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(node *Node) {
		node.limiter = rate.NewLimiter(limit, burst)
	}
}
