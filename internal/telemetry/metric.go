//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric/histogram"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

// Graph instruments. They are replaced by telemetry/metric.InitMeterProvider.
var (
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	GraphMeter                  metric.Meter       = MeterProvider.Meter(metrics.MeterNameGraph)
	GraphMetricNodeExecutionCnt metric.Int64Counter = noop.Int64Counter{}
	GraphMetricStepCnt          metric.Int64Counter = noop.Int64Counter{}
	GraphMetricCheckpointCnt    metric.Int64Counter = noop.Int64Counter{}
	GraphMetricStreamDroppedCnt metric.Int64Counter = noop.Int64Counter{}

	GraphMetricNodeDuration = mustFloat64Histogram(metrics.MetricNodeDuration)
	GraphMetricStepDuration = mustFloat64Histogram(metrics.MetricStepDuration)
	GraphMetricStepTasks    = mustInt64Histogram(metrics.MetricStepTasks)
)

func mustFloat64Histogram(name string) *histogram.DynamicFloat64Histogram {
	h, err := histogram.NewDynamicFloat64Histogram(noop.NewMeterProvider(), metrics.MeterNameGraph, name)
	if err != nil {
		panic(err)
	}
	return h
}

func mustInt64Histogram(name string) *histogram.DynamicInt64Histogram {
	h, err := histogram.NewDynamicInt64Histogram(noop.NewMeterProvider(), metrics.MeterNameGraph, name)
	if err != nil {
		panic(err)
	}
	return h
}

// RecordNodeExecution counts one node attempt and records its duration.
func RecordNodeExecution(ctx context.Context, graphName, nodeID, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(metrics.KeyGraphName, graphName),
		attribute.String(metrics.KeyNodeID, nodeID),
		attribute.String(metrics.KeyOutcome, outcome),
	)
	GraphMetricNodeExecutionCnt.Add(ctx, 1, attrs)
	GraphMetricNodeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStepExecution counts one superstep with its task count and duration.
func RecordStepExecution(ctx context.Context, graphName string, tasks int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String(metrics.KeyGraphName, graphName))
	GraphMetricStepCnt.Add(ctx, 1, attrs)
	GraphMetricStepDuration.Record(ctx, d.Seconds(), attrs)
	GraphMetricStepTasks.Record(ctx, int64(tasks), attrs)
}

// IncCheckpointCnt counts a stored checkpoint.
func IncCheckpointCnt(ctx context.Context, graphName, source string) {
	GraphMetricCheckpointCnt.Add(ctx, 1, metric.WithAttributes(
		attribute.String(metrics.KeyGraphName, graphName),
		attribute.String(metrics.KeyCheckpointSource, source),
	))
}

// IncStreamDroppedCnt counts an evicted stream event.
func IncStreamDroppedCnt(ctx context.Context, graphName, mode string) {
	GraphMetricStreamDroppedCnt.Add(ctx, 1, metric.WithAttributes(
		attribute.String(metrics.KeyGraphName, graphName),
		attribute.String(metrics.KeyStreamMode, mode),
	))
}
