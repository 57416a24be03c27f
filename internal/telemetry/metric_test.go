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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

func TestNoopInstrumentsDoNotPanic(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordNodeExecution(ctx, "g", "n", "success", time.Millisecond)
		RecordStepExecution(ctx, "g", 2, time.Millisecond)
		IncCheckpointCnt(ctx, "g", "loop")
		IncStreamDroppedCnt(ctx, "g", "debug")
	})
}

func TestCountersCarryAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(metrics.MeterNameGraph)

	orig := GraphMetricCheckpointCnt
	t.Cleanup(func() { GraphMetricCheckpointCnt = orig })
	var err error
	GraphMetricCheckpointCnt, err = meter.Int64Counter(metrics.MetricCheckpointCnt)
	require.NoError(t, err)

	IncCheckpointCnt(context.Background(), "g", "input")
	IncCheckpointCnt(context.Background(), "g", "input")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	source, _ := sum.DataPoints[0].Attributes.Value(attribute.Key(metrics.KeyCheckpointSource))
	assert.Equal(t, "input", source.AsString())
}
