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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

func textSchema() *graph.StateSchema {
	return graph.NewStateSchema().AddField("text", graph.StateField{
		Default: func() any { return "" },
	})
}

func upperNode(ctx context.Context, s graph.State) (graph.NodeResult, error) {
	text, _ := graph.GetStateValue[string](s, "text")
	return graph.State{"text": strings.ToUpper(text)}, nil
}

func tagNode(ctx context.Context, s graph.State) (graph.NodeResult, error) {
	text, _ := graph.GetStateValue[string](s, "text")
	return graph.State{"text": "[" + text + "]"}, nil
}

// newPipeline compiles start -> upper -> tag -> end.
func newPipeline(t *testing.T, opts ...graph.CompileOption) *graph.Graph {
	t.Helper()
	g, err := graph.NewStateGraph(textSchema()).
		AddNode("upper", upperNode).
		AddNode("tag", tagNode).
		SetEntryPoint("upper").
		AddEdge("upper", "tag").
		SetFinishPoint("tag").
		Compile(append([]graph.CompileOption{graph.WithName("pipeline")}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestScenario_TwoNodePipeline(t *testing.T) {
	saver := inmemory.NewSaver()
	g := newPipeline(t, graph.WithCheckpointSaver(saver))
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("t1"))
	require.NoError(t, err)
	assert.Equal(t, graph.RunStatusCompleted, res.Status)
	assert.Equal(t, "[HI]", res.State["text"])
	assert.Equal(t, 2, res.Steps)
	assert.Empty(t, res.Next)

	history, err := g.History(ctx, graph.CheckpointConfig{ThreadID: "t1"}, nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, graph.CheckpointSourceLoop, history[0].Metadata.Source)
	assert.Equal(t, 1, history[0].Metadata.Step)
	assert.Equal(t, "tag", history[0].Metadata.Node)
	assert.Equal(t, graph.CheckpointSourceLoop, history[1].Metadata.Source)
	assert.Equal(t, 0, history[1].Metadata.Step)
	assert.Equal(t, "upper", history[1].Metadata.Node)
	assert.Equal(t, graph.CheckpointSourceInput, history[2].Metadata.Source)
	assert.Equal(t, -1, history[2].Metadata.Step)
	assert.Nil(t, history[2].ParentConfig)
	assert.Equal(t, history[2].Config.CheckpointID, history[1].ParentConfig.CheckpointID)
	assert.Equal(t, history[1].Config.CheckpointID, history[0].ParentConfig.CheckpointID)
	assert.Equal(t, graph.ThreadStatusCompleted, history[0].Status)
	assert.Equal(t, res.Config.CheckpointID, history[0].Config.CheckpointID)
}

func TestScenario_ParallelFanOutWithReducer(t *testing.T) {
	schema := graph.NewStateSchema().AddField("counts", graph.StateField{
		Reducer: graph.SumReducer,
		Default: func() any { return 0 },
	})
	one := func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		return graph.State{"counts": 1}, nil
	}
	sg := graph.NewStateGraph(schema)
	for _, name := range []string{"A", "B", "C"} {
		sg.AddNode(name, one).SetEntryPoint(name).SetFinishPoint(name)
	}
	g, err := sg.Compile()
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.State["counts"])
	assert.Equal(t, 1, res.Steps)
	assert.EqualValues(t, 1, res.Versions["counts"])
}

func TestScenario_ConditionalRouting(t *testing.T) {
	schema := graph.NewStateSchema().AddField("n", graph.StateField{})
	g, err := graph.NewStateGraph(schema).
		AddNode("check", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			n, _ := graph.GetInt(s, "n")
			return graph.State{"n": n}, nil
		}).
		AddNode("even", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			n, _ := graph.GetInt(s, "n")
			return graph.State{"n": n * 10}, nil
		}).
		AddNode("odd", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			n, _ := graph.GetInt(s, "n")
			return graph.State{"n": n*10 + 1}, nil
		}).
		SetEntryPoint("check").
		AddConditionalEdges("check", func(ctx context.Context, s graph.State) (string, error) {
			n, _ := graph.GetInt(s, "n")
			if n%2 == 0 {
				return "even", nil
			}
			return "odd", nil
		}, map[string]string{"even": "even", "odd": "odd"}).
		SetFinishPoint("even").
		SetFinishPoint("odd").
		Compile()
	require.NoError(t, err)
	defer g.Close()

	tests := []struct {
		in   int
		want int
	}{
		{in: 4, want: 40},
		{in: 7, want: 71},
	}
	for _, tt := range tests {
		res, err := g.Invoke(context.Background(), graph.State{"n": tt.in})
		require.NoError(t, err)
		got, ok := graph.GetInt(res.State, "n")
		require.True(t, ok)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, 2, res.Steps)
	}
}

func TestScenario_InterruptBeforeAndResumeWithEdit(t *testing.T) {
	saver := inmemory.NewSaver()
	g := newPipeline(t, graph.WithCheckpointSaver(saver), graph.WithInterruptBefore("tag"))
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("t4"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	assert.Equal(t, "HI", res.State["text"])
	assert.Equal(t, []string{"tag"}, res.Next)
	require.Len(t, res.Interrupts, 1)
	assert.Equal(t, "tag", res.Interrupts[0].Node)
	assert.Equal(t, graph.InterruptPhaseBefore, res.Interrupts[0].Phase)

	snap, err := g.GetState(ctx, graph.CheckpointConfig{ThreadID: "t4"})
	require.NoError(t, err)
	assert.Equal(t, graph.ThreadStatusInterrupted, snap.Status)
	assert.Equal(t, []string{"tag"}, snap.Next)

	res, err = g.Resume(ctx, graph.Edit(map[string]any{"text": "HO"}), graph.WithThreadID("t4"))
	require.NoError(t, err)
	assert.Equal(t, graph.RunStatusCompleted, res.Status)
	assert.Equal(t, "[HO]", res.State["text"])

	updates, err := g.History(ctx, graph.CheckpointConfig{ThreadID: "t4"},
		&graph.CheckpointFilter{Source: graph.CheckpointSourceUpdate})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, string(graph.ResumeEdit), updates[0].Metadata.Tags[graph.TagResumeAction])
}

func spendGraph(t *testing.T, saver graph.CheckpointSaver) *graph.Graph {
	t.Helper()
	schema := graph.NewStateSchema().
		AddField("amount", graph.StateField{}).
		AddField("approved", graph.StateField{})
	g, err := graph.NewStateGraph(schema).
		AddNode("spend", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			amount, _ := graph.GetInt(s, "amount")
			if amount <= 100 {
				return graph.State{}, nil
			}
			rv, err := graph.InterruptForApproval(ctx, "approve spending", map[string]any{"amount": amount})
			if err != nil {
				return nil, err
			}
			return graph.State{"approved": rv.Approved()}, nil
		}).
		SetEntryPoint("spend").
		SetFinishPoint("spend").
		Compile(graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestScenario_InlineInterruptForApproval(t *testing.T) {
	saver := inmemory.NewSaver()
	g := spendGraph(t, saver)
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{"amount": 150}, graph.WithThreadID("big"))
	require.NoError(t, err)
	require.True(t, res.Interrupted())
	require.Len(t, res.Interrupts, 1)
	p := res.Interrupts[0]
	assert.Equal(t, graph.InterruptApproval, p.Kind)
	assert.Equal(t, graph.InterruptPhaseInline, p.Phase)
	assert.Equal(t, "spend", p.Node)
	assert.EqualValues(t, 150, p.Context["amount"])

	// No write reached the checkpoint before the interrupt.
	tuple, err := saver.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "big"})
	require.NoError(t, err)
	for _, w := range tuple.PendingWrites {
		assert.Equal(t, graph.ChannelInterrupt, w.Channel)
	}

	res, err = g.Resume(ctx, graph.Continue(nil), graph.WithThreadID("big"))
	require.NoError(t, err)
	assert.Equal(t, graph.RunStatusCompleted, res.Status)
	assert.EqualValues(t, 150, res.State["amount"])
	assert.Equal(t, true, res.State["approved"])

	res, err = g.Invoke(ctx, graph.State{"amount": 50}, graph.WithThreadID("small"))
	require.NoError(t, err)
	assert.Equal(t, graph.RunStatusCompleted, res.Status)
	assert.EqualValues(t, 50, res.State["amount"])
	assert.Nil(t, res.State["approved"])
}

func TestScenario_TimeTravelBranching(t *testing.T) {
	saver := inmemory.NewSaver()
	g := newPipeline(t, graph.WithCheckpointSaver(saver))
	ctx := context.Background()
	thread := graph.CheckpointConfig{ThreadID: "T"}

	_, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("T"))
	require.NoError(t, err)
	original, err := g.History(ctx, thread, nil)
	require.NoError(t, err)
	require.Len(t, original, 3)
	head := original[0]
	c1 := original[1]
	require.Equal(t, "HI", c1.Values["text"])

	res, err := g.Invoke(ctx, graph.State{"text": "yo"},
		graph.WithThreadID("T"), graph.WithParentCheckpointID(c1.Config.CheckpointID))
	require.NoError(t, err)
	assert.Equal(t, "[YO]", res.State["text"])

	all, err := g.History(ctx, thread, nil)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	forks, err := g.History(ctx, thread, &graph.CheckpointFilter{Source: graph.CheckpointSourceFork})
	require.NoError(t, err)
	require.Len(t, forks, 1)
	require.NotNil(t, forks[0].ParentConfig)
	assert.Equal(t, c1.Config.CheckpointID, forks[0].ParentConfig.CheckpointID)
	assert.Equal(t, c1.Config.CheckpointID, forks[0].Metadata.Tags[graph.TagBaseCheckpoint])

	old, err := g.GetState(ctx, head.Config)
	require.NoError(t, err)
	assert.Equal(t, "[HI]", old.Values["text"])
	assert.Equal(t, head.Config.CheckpointID, old.Config.CheckpointID)

	latest, err := g.GetState(ctx, thread)
	require.NoError(t, err)
	assert.Equal(t, "[YO]", latest.Values["text"])
}

func TestScenario_StreamedValuesMatchHistory(t *testing.T) {
	saver := inmemory.NewSaver()
	g := newPipeline(t, graph.WithCheckpointSaver(saver))
	ctx := context.Background()

	events, err := g.Stream(ctx, graph.State{"text": "hi"},
		graph.WithThreadID("s1"), graph.WithStreamModes(graph.StreamModeValues))
	require.NoError(t, err)
	evs, res, err := graph.Collect(events)
	require.NoError(t, err)
	require.NotNil(t, res)

	history, err := g.History(ctx, graph.CheckpointConfig{ThreadID: "s1"}, nil)
	require.NoError(t, err)
	require.Len(t, evs, len(history))
	for i, ev := range evs {
		assert.Equal(t, graph.StreamModeValues, ev.Mode)
		assert.Equal(t, history[len(history)-1-i].Values, ev.Payload)
	}
}

func TestScenario_StepwiseResumeMatchesInvoke(t *testing.T) {
	ctx := context.Background()
	direct, err := newPipeline(t).Invoke(ctx, graph.State{"text": "hi"})
	require.NoError(t, err)

	saver := inmemory.NewSaver()
	g := newPipeline(t, graph.WithCheckpointSaver(saver), graph.WithInterruptAfter("upper", "tag"))
	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("step"))
	require.NoError(t, err)
	pauses := 0
	for res.Interrupted() {
		pauses++
		assert.Equal(t, graph.InterruptPhaseAfter, res.Interrupts[0].Phase)
		res, err = g.Resume(ctx, nil, graph.WithThreadID("step"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pauses)
	assert.Equal(t, direct.State, res.State)
}
