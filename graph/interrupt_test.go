//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func TestInterrupt_MultipleCallsInOneNode(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("name", graph.StateField{}).
		AddField("age", graph.StateField{})
	var calls atomic.Int32
	g := singleNode(t, schema, "ask", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		calls.Add(1)
		rv, err := graph.InterruptForInput(ctx, "your name?", "name", nil)
		if err != nil {
			return nil, err
		}
		name, _ := rv.Input("name")
		rv, err = graph.InterruptForInput(ctx, "your age?", "age", map[string]any{"type": "integer"})
		if err != nil {
			return nil, err
		}
		age, _ := rv.Input("age")
		return graph.State{"name": name, "age": age}, nil
	}, nil, graph.WithCheckpointSaver(inmemory.NewSaver()))
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{}, graph.WithThreadID("form"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, graph.InterruptInput, res.Interrupts[0].Kind)
	assert.Equal(t, "name", res.Interrupts[0].Context["field"])

	res, err = g.Resume(ctx, graph.Continue(map[string]any{"name": "bob"}), graph.WithThreadID("form"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, "age", res.Interrupts[0].Context["field"])

	res, err = g.Resume(ctx, graph.Continue(map[string]any{"age": 3}), graph.WithThreadID("form"))
	require.NoError(t, err)
	assert.Equal(t, graph.RunStatusCompleted, res.Status)
	assert.Equal(t, "bob", res.State["name"])
	assert.EqualValues(t, 3, res.State["age"])
	assert.EqualValues(t, 3, calls.Load())
}

func TestInterrupt_SkipAndAbort(t *testing.T) {
	ctx := context.Background()
	t.Run("skip completes the node without writes", func(t *testing.T) {
		g := spendGraph(t, inmemory.NewSaver())
		res, err := g.Invoke(ctx, graph.State{"amount": 500}, graph.WithThreadID("skip"))
		require.NoError(t, err)
		require.True(t, res.Interrupted())

		res, err = g.Resume(ctx, graph.Skip(), graph.WithThreadID("skip"))
		require.NoError(t, err)
		assert.Equal(t, graph.RunStatusCompleted, res.Status)
		assert.Nil(t, res.State["approved"])
	})
	t.Run("abort cancels the thread", func(t *testing.T) {
		g := spendGraph(t, inmemory.NewSaver())
		_, err := g.Invoke(ctx, graph.State{"amount": 500}, graph.WithThreadID("abort"))
		require.NoError(t, err)

		_, err = g.Resume(ctx, graph.Abort(), graph.WithThreadID("abort"))
		require.ErrorIs(t, err, graph.ErrCancelled)
		assert.ErrorIs(t, err, graph.ErrAborted)

		snap, err := g.GetState(ctx, graph.CheckpointConfig{ThreadID: "abort"})
		require.NoError(t, err)
		assert.Equal(t, graph.ThreadStatusFailed, snap.Status)
		assert.Empty(t, snap.Next)
		assert.Equal(t, graph.ReasonUserCancelled, snap.Metadata.Tags[graph.TagReason])
	})
	t.Run("reject through approval input", func(t *testing.T) {
		g := spendGraph(t, inmemory.NewSaver())
		_, err := g.Invoke(ctx, graph.State{"amount": 500}, graph.WithThreadID("reject"))
		require.NoError(t, err)
		res, err := g.Resume(ctx, graph.Approve(false), graph.WithThreadID("reject"))
		require.NoError(t, err)
		assert.Equal(t, false, res.State["approved"])
	})
}

func TestInterrupt_ResumeWithoutPendingInterrupt(t *testing.T) {
	g := newPipeline(t, graph.WithCheckpointSaver(inmemory.NewSaver()))
	ctx := context.Background()
	_, err := g.Invoke(ctx, graph.State{"text": "a"}, graph.WithThreadID("done"))
	require.NoError(t, err)

	_, err = g.Resume(ctx, graph.Continue(nil), graph.WithThreadID("done"))
	require.ErrorIs(t, err, graph.ErrConfig)

	_, err = g.Resume(ctx, graph.Continue(nil), graph.WithThreadID("empty"))
	require.ErrorIs(t, err, graph.ErrConfig)
}

func TestInterrupt_Helpers(t *testing.T) {
	_, err := graph.Interrupt(context.Background(), graph.InterruptPayload{Message: "x"})
	require.ErrorIs(t, err, graph.ErrConfig)

	ie := &graph.InterruptError{Payload: graph.InterruptPayload{ID: "i1", Node: "n", Message: "wait"}}
	wrapped := errors.Join(errors.New("outer"), ie)
	assert.True(t, graph.IsInterrupt(wrapped))
	assert.Equal(t, graph.ErrorKindInterrupt, graph.KindOf(wrapped))
	p, ok := graph.GetInterrupt(wrapped)
	require.True(t, ok)
	assert.Equal(t, "i1", p.ID)
	_, ok = graph.GetInterrupt(errors.New("plain"))
	assert.False(t, ok)

	assert.True(t, graph.Approve(true).Approved())
	assert.False(t, graph.Approve(false).Approved())
	assert.True(t, graph.Continue(nil).Approved())
	assert.False(t, graph.Skip().Approved())
	assert.False(t, graph.Abort().Approved())
	var nilResume *graph.ResumeValue
	assert.False(t, nilResume.Approved())
	_, ok = nilResume.Input("x")
	assert.False(t, ok)
}

func TestInterrupt_ForEditShowsCurrentValues(t *testing.T) {
	schema := graph.NewStateSchema().AddField("draft", graph.StateField{})
	g := singleNode(t, schema, "review", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		if _, err := graph.InterruptForEdit(ctx, "review the draft", []string{"draft"}, s); err != nil {
			return nil, err
		}
		return graph.State{}, nil
	}, nil, graph.WithCheckpointSaver(inmemory.NewSaver()))
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{"draft": "v1"}, graph.WithThreadID("edit"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	p := res.Interrupts[0]
	assert.Equal(t, graph.InterruptEdit, p.Kind)
	assert.Equal(t, map[string]any{"draft": "v1"}, p.Context["current"])

	res, err = g.Resume(ctx, graph.Edit(map[string]any{"draft": "v2"}), graph.WithThreadID("edit"))
	require.NoError(t, err)
	assert.Equal(t, "v2", res.State["draft"])
}

func TestInterrupt_CompletedSiblingsAreNotRerun(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("a", graph.StateField{}).
		AddField("b", graph.StateField{})
	var aCalls, bCalls atomic.Int32
	g, err := graph.NewStateGraph(schema).
		AddNode("a", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			aCalls.Add(1)
			return graph.State{"a": "done"}, nil
		}).
		AddNode("b", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			bCalls.Add(1)
			if _, err := graph.InterruptForApproval(ctx, "go on?", nil); err != nil {
				return nil, err
			}
			return graph.State{"b": "done"}, nil
		}).
		SetEntryPoint("a").SetEntryPoint("b").
		SetFinishPoint("a").SetFinishPoint("b").
		Compile(graph.WithCheckpointSaver(inmemory.NewSaver()))
	require.NoError(t, err)
	defer g.Close()
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{}, graph.WithThreadID("par"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Nil(t, res.State["a"])

	res, err = g.Resume(ctx, graph.Continue(nil), graph.WithThreadID("par"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.State["a"])
	assert.Equal(t, "done", res.State["b"])
	assert.EqualValues(t, 1, aCalls.Load())
	assert.EqualValues(t, 2, bCalls.Load())
	assert.Equal(t, 1, res.Steps)
}

func TestInterrupt_ExternalPauseBetweenSteps(t *testing.T) {
	saver := inmemory.NewSaver()
	ctx, pause := graph.WithGraphInterrupt(context.Background())
	g, err := graph.NewStateGraph(textSchema()).
		AddNode("upper", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			pause()
			return upperNode(ctx, s)
		}).
		AddNode("tag", tagNode).
		SetEntryPoint("upper").
		AddEdge("upper", "tag").
		SetFinishPoint("tag").
		Compile(graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("ext"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, "HI", res.State["text"])
	assert.Equal(t, []string{"tag"}, res.Next)
	require.Len(t, res.Interrupts, 1)
	assert.Equal(t, graph.InterruptPhaseExternal, res.Interrupts[0].Phase)

	res, err = g.Resume(context.Background(), nil, graph.WithThreadID("ext"))
	require.NoError(t, err)
	assert.Equal(t, "[HI]", res.State["text"])
}

func TestInterrupt_ExternalPauseWithTimeoutCancelsStep(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("fast", graph.StateField{}).
		AddField("slow", graph.StateField{})
	var fastCalls, slowCalls atomic.Int32
	ctx, pause := graph.WithGraphInterrupt(context.Background())
	g, err := graph.NewStateGraph(schema).
		AddNode("fast", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			fastCalls.Add(1)
			pause(graph.WithGraphInterruptTimeout(10 * time.Millisecond))
			return graph.State{"fast": true}, nil
		}).
		AddNode("slow", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			if slowCalls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return graph.State{"slow": true}, nil
		}).
		SetEntryPoint("fast").SetEntryPoint("slow").
		SetFinishPoint("fast").SetFinishPoint("slow").
		Compile(graph.WithCheckpointSaver(inmemory.NewSaver()), graph.WithDefaultRetryPolicy(graph.NoRetry()))
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(ctx, graph.State{}, graph.WithThreadID("forced"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, graph.InterruptPhaseExternal, res.Interrupts[0].Phase)
	assert.ElementsMatch(t, []string{"fast", "slow"}, res.Next)

	res, err = g.Resume(context.Background(), nil, graph.WithThreadID("forced"))
	require.NoError(t, err)
	assert.Equal(t, true, res.State["fast"])
	assert.Equal(t, true, res.State["slow"])
	assert.EqualValues(t, 1, fastCalls.Load())
	assert.EqualValues(t, 2, slowCalls.Load())
}
