//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package prometheus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func TestRecorder_Collectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(WithRegisterer(reg), WithNamespace("test"), WithDurationBuckets([]float64{0.1, 1}))

	r.ObserveNode("g", "a", graph.OutcomeSuccess, 50*time.Millisecond)
	r.ObserveNode("g", "a", graph.OutcomeError, 2*time.Second)
	r.ObserveStep("g", 3, 10*time.Millisecond)
	r.IncCheckpoint("g", graph.CheckpointSourceLoop)
	r.IncStreamDropped("g", graph.StreamModeValues)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeExecutions.WithLabelValues("g", "a", graph.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeExecutions.WithLabelValues("g", "a", graph.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.steps.WithLabelValues("g")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("g", "loop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.streamDropped.WithLabelValues("g", "values")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.nodeDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(r.stepTasks))

	n, err := testutil.GatherAndCount(reg,
		"test_node_executions_total",
		"test_steps_total",
		"test_checkpoints_total",
		"test_stream_dropped_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Panics(t, func() { NewRecorder(WithRegisterer(reg), WithNamespace("test")) })
}

func TestRecorder_GraphRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(WithRegisterer(reg))

	schema := graph.NewStateSchema().AddField("n", graph.StateField{})
	var failures atomic.Int32
	g, err := graph.NewStateGraph(schema).
		AddNode("flaky", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			if failures.Add(1) == 1 {
				return nil, graph.Transient(errors.New("try again"))
			}
			return graph.State{"n": 1}, nil
		}).
		AddNode("done", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{"n": 2}, nil
		}).
		SetEntryPoint("flaky").
		AddEdge("flaky", "done").
		SetFinishPoint("done").
		Compile(
			graph.WithName("metered"),
			graph.WithCheckpointSaver(inmemory.NewSaver()),
			graph.WithMetricsRecorder(r),
			graph.WithDefaultRetryPolicy(graph.RetryPolicy{MaxAttempts: 2}),
		)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Invoke(context.Background(), graph.State{"n": 0}, graph.WithThreadID("m"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeExecutions.WithLabelValues("metered", "flaky", graph.OutcomeRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeExecutions.WithLabelValues("metered", "flaky", graph.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeExecutions.WithLabelValues("metered", "done", graph.OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.steps.WithLabelValues("metered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("metered", "input")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("metered", "loop")))
}
