//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package trace defines span attribute keys of the graph engine.
package trace

// Resource defaults.
var (
	ResourceServiceNamespace = "trpc-go-graph"
	ResourceServiceName      = "telemetry"
	ResourceServiceVersion   = "v0.1.0"
)

// Span attribute keys.
var (
	KeyGraphName      = "trpc.go.graph.name"
	KeyGraphThreadID  = "trpc.go.graph.thread_id"
	KeyGraphNamespace = "trpc.go.graph.namespace"
	KeyGraphStatus    = "trpc.go.graph.status"
	KeyGraphSteps     = "trpc.go.graph.steps"

	KeyGraphStep      = "trpc.go.graph.step"
	KeyGraphStepTasks = "trpc.go.graph.step.tasks"

	KeyGraphNodeID      = "trpc.go.graph.node.id"
	KeyGraphNodeType    = "trpc.go.graph.node.type"
	KeyGraphNodeTaskID  = "trpc.go.graph.node.task_id"
	KeyGraphNodeAttempt = "trpc.go.graph.node.attempt"

	KeyOperationName = "trpc.go.graph.operation.name"

	// https://github.com/open-telemetry/semantic-conventions/blob/main/docs/general/recording-errors.md#recording-errors-on-spans
	KeyErrorType          = "error.type"
	KeyErrorMessage       = "error.message"
	ValueDefaultErrorType = "_OTHER"
)
