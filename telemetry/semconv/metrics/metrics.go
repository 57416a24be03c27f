//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metrics defines metric names and attribute keys of the graph engine.
package metrics

const (
	// KeyMetricName represents the name of the metric.
	KeyMetricName = "metric.name"
	// KeyGraphName is the graph the measurement belongs to.
	KeyGraphName = "trpc_go_graph.graph"
	// KeyNodeID is the node of a node measurement.
	KeyNodeID = "trpc_go_graph.node"
	// KeyOutcome is success, error, interrupt or retry.
	KeyOutcome = "trpc_go_graph.outcome"
	// KeyCheckpointSource is input, loop, update or fork.
	KeyCheckpointSource = "trpc_go_graph.checkpoint.source"
	// KeyStreamMode is the mode of a dropped stream event.
	KeyStreamMode = "trpc_go_graph.stream.mode"

	// MetricNodeExecutionCnt counts node attempts.
	MetricNodeExecutionCnt = "trpc_go_graph.node.execution_cnt"
	// MetricNodeDuration is the duration of a node attempt.
	MetricNodeDuration = "trpc_go_graph.node.duration"
	// MetricStepCnt counts supersteps.
	MetricStepCnt = "trpc_go_graph.step.cnt"
	// MetricStepDuration is the duration of a superstep.
	MetricStepDuration = "trpc_go_graph.step.duration"
	// MetricStepTasks is the number of tasks of a superstep.
	MetricStepTasks = "trpc_go_graph.step.tasks"
	// MetricCheckpointCnt counts stored checkpoints.
	MetricCheckpointCnt = "trpc_go_graph.checkpoint.cnt"
	// MetricStreamDroppedCnt counts stream events evicted from a full buffer.
	MetricStreamDroppedCnt = "trpc_go_graph.stream.dropped_cnt"

	// MeterNameGraph is the meter of every graph instrument.
	MeterNameGraph = "trpc_go_graph.internal.graph"
)
