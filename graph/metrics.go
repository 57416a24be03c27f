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
	"time"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
)

// Node outcomes reported to a MetricsRecorder.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeInterrupt = "interrupt"
	OutcomeRetry     = "retry"
)

// MetricsRecorder receives scheduler measurements. Implementations must be
// safe for concurrent use and must not block.
type MetricsRecorder interface {
	// ObserveNode records one attempt of a node.
	ObserveNode(graph, node, outcome string, d time.Duration)
	// ObserveStep records one superstep and the number of tasks it ran.
	ObserveStep(graph string, tasks int, d time.Duration)
	// IncCheckpoint counts a stored checkpoint by source.
	IncCheckpoint(graph string, source CheckpointSource)
	// IncStreamDropped counts an evicted stream event by mode.
	IncStreamDropped(graph string, mode StreamMode)
}

type noopRecorder struct{}

func (noopRecorder) ObserveNode(string, string, string, time.Duration) {}
func (noopRecorder) ObserveStep(string, int, time.Duration)            {}
func (noopRecorder) IncCheckpoint(string, CheckpointSource)            {}
func (noopRecorder) IncStreamDropped(string, StreamMode)               {}

// The observe helpers feed both the configured recorder and the
// OpenTelemetry meters.

func (g *Graph) observeNode(ctx context.Context, node, outcome string, d time.Duration) {
	g.opts.metrics.ObserveNode(g.name, node, outcome, d)
	itelemetry.RecordNodeExecution(ctx, g.name, node, outcome, d)
}

func (g *Graph) observeStep(ctx context.Context, tasks int, d time.Duration) {
	g.opts.metrics.ObserveStep(g.name, tasks, d)
	itelemetry.RecordStepExecution(ctx, g.name, tasks, d)
}

func (g *Graph) observeCheckpoint(ctx context.Context, source CheckpointSource) {
	g.opts.metrics.IncCheckpoint(g.name, source)
	itelemetry.IncCheckpointCnt(ctx, g.name, string(source))
}

func (g *Graph) observeStreamDropped(ctx context.Context, mode StreamMode) {
	g.opts.metrics.IncStreamDropped(g.name, mode)
	itelemetry.IncStreamDroppedCnt(ctx, g.name, string(mode))
}
