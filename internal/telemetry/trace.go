//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span helpers and meters of the graph engine.
// Everything is a noop until a provider is installed through the public
// telemetry packages.
package telemetry

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	semconvtrace "trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/trace"
)

// grpcDial is replaced in tests.
var grpcDial = grpc.Dial

// telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-graph"
	InstrumentName   = "trpc.graph.go"

	OperationExecuteGraph = "execute_graph"
	OperationGraphStep    = "graph_step"
	OperationExecuteNode  = "execute_node"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Attribute key aliases from the semconv package.
var (
	ResourceServiceNamespace = semconvtrace.ResourceServiceNamespace
	ResourceServiceName      = semconvtrace.ResourceServiceName
	ResourceServiceVersion   = semconvtrace.ResourceServiceVersion

	KeyOperationName    = semconvtrace.KeyOperationName
	KeyGraphName        = semconvtrace.KeyGraphName
	KeyGraphThreadID    = semconvtrace.KeyGraphThreadID
	KeyGraphNamespace   = semconvtrace.KeyGraphNamespace
	KeyGraphStatus      = semconvtrace.KeyGraphStatus
	KeyGraphSteps       = semconvtrace.KeyGraphSteps
	KeyGraphStep        = semconvtrace.KeyGraphStep
	KeyGraphStepTasks   = semconvtrace.KeyGraphStepTasks
	KeyGraphNodeID      = semconvtrace.KeyGraphNodeID
	KeyGraphNodeType    = semconvtrace.KeyGraphNodeType
	KeyGraphNodeTaskID  = semconvtrace.KeyGraphNodeTaskID
	KeyGraphNodeAttempt = semconvtrace.KeyGraphNodeAttempt

	KeyErrorType          = semconvtrace.KeyErrorType
	KeyErrorMessage       = semconvtrace.KeyErrorMessage
	ValueDefaultErrorType = semconvtrace.ValueDefaultErrorType
)

// NewExecuteGraphSpanName names the span of one run.
func NewExecuteGraphSpanName(graphName string) string {
	return newSpanName(OperationExecuteGraph, graphName)
}

// NewGraphStepSpanName names the span of one superstep.
func NewGraphStepSpanName(step int) string {
	return fmt.Sprintf("%s %d", OperationGraphStep, step)
}

// NewExecuteNodeSpanName names the span of one node attempt.
func NewExecuteNodeSpanName(nodeID string) string {
	return newSpanName(OperationExecuteNode, nodeID)
}

func newSpanName(operation, subject string) string {
	if subject == "" {
		return operation
	}
	return fmt.Sprintf("%s %s", operation, subject)
}

// TraceGraph sets the attributes of a run span.
func TraceGraph(span trace.Span, graphName, threadID, namespace string) {
	span.SetAttributes(
		attribute.String(KeyOperationName, OperationExecuteGraph),
		attribute.String(KeyGraphName, graphName),
		attribute.String(KeyGraphThreadID, threadID),
		attribute.String(KeyGraphNamespace, namespace),
	)
}

// TraceStep sets the attributes of a superstep span.
func TraceStep(span trace.Span, graphName string, step, tasks int) {
	span.SetAttributes(
		attribute.String(KeyOperationName, OperationGraphStep),
		attribute.String(KeyGraphName, graphName),
		attribute.Int(KeyGraphStep, step),
		attribute.Int(KeyGraphStepTasks, tasks),
	)
}

// TraceNode sets the attributes of a node span.
func TraceNode(span trace.Span, nodeID, nodeType, taskID string, attempt int) {
	span.SetAttributes(
		attribute.String(KeyOperationName, OperationExecuteNode),
		attribute.String(KeyGraphNodeID, nodeID),
		attribute.String(KeyGraphNodeType, nodeType),
		attribute.String(KeyGraphNodeTaskID, taskID),
		attribute.Int(KeyGraphNodeAttempt, attempt),
	)
}

// TraceResult records how a run ended.
func TraceResult(span trace.Span, status string, steps int) {
	span.SetAttributes(
		attribute.String(KeyGraphStatus, status),
		attribute.Int(KeyGraphSteps, steps),
	)
	span.SetStatus(codes.Ok, "")
}

// errorKinder is implemented by errors that carry a kind, such as
// graph.Error.
type errorKinder interface {
	error
	ErrorKind() string
}

// TraceError marks span as failed. The error type is the kind of an engine
// error when there is one.
func TraceError(span trace.Span, err error) {
	if err == nil {
		return
	}
	errType := ValueDefaultErrorType
	var k errorKinder
	if errors.As(err, &k) && k.ErrorKind() != "" {
		errType = k.ErrorKind()
	}
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(KeyErrorType, errType),
		attribute.String(KeyErrorMessage, err.Error()),
	)
	span.RecordError(err)
}

// NewGRPCConn dials the OpenTelemetry collector at endpoint.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// TLS is recommended in production.
	conn, err := grpcDial(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
