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
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
	storeinmemory "trpc.group/trpc-go/trpc-graph-go/graph/store/inmemory"
)

func fastRetry(attempts int) graph.RetryPolicy {
	return graph.RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, BackoffFactor: 1}
}

// singleNode compiles start -> name -> end.
func singleNode(t *testing.T, schema *graph.StateSchema, name string, fn graph.NodeFunc,
	nodeOpts []graph.Option, opts ...graph.CompileOption) *graph.Graph {
	t.Helper()
	g, err := graph.NewStateGraph(schema).
		AddNode(name, fn, nodeOpts...).
		SetEntryPoint(name).
		SetFinishPoint(name).
		Compile(opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var lastAttempt atomic.Int32
	g := singleNode(t, textSchema(), "flaky", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		rt, ok := graph.RuntimeFromContext(ctx)
		require.True(t, ok)
		lastAttempt.Store(int32(rt.Attempt))
		if calls.Add(1) < 3 {
			return nil, graph.Transient(errors.New("connection reset"))
		}
		return graph.State{"text": "ok"}, nil
	}, []graph.Option{graph.WithRetryPolicy(fastRetry(3))})

	res, err := g.Invoke(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.State["text"])
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 3, lastAttempt.Load())
}

func TestExecutor_NodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		fn        graph.NodeFunc
		wantKind  graph.ErrorKind
		wantCalls int32
	}{
		{
			name: "fatal error is not retried",
			fn: func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
				return nil, errors.New("bad input")
			},
			wantKind:  graph.ErrorKindNodeFatal,
			wantCalls: 1,
		},
		{
			name: "transient error exhausts attempts",
			fn: func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
				return nil, graph.Transient(errors.New("busy"))
			},
			wantKind:  graph.ErrorKindNodeTransient,
			wantCalls: 2,
		},
		{
			name: "panic fails the node",
			fn: func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
				panic("boom")
			},
			wantKind:  graph.ErrorKindNodeFatal,
			wantCalls: 1,
		},
		{
			name: "nil result writes nothing",
			fn: func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
				return nil, nil
			},
			wantKind:  "",
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			fn := func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
				calls.Add(1)
				return tt.fn(ctx, s)
			}
			g := singleNode(t, textSchema(), "work", fn, []graph.Option{graph.WithRetryPolicy(fastRetry(2))})
			_, err := g.Invoke(context.Background(), graph.State{})
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, graph.KindOf(err))
			var ge *graph.Error
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, "work", ge.Node)
			assert.Equal(t, string(tt.wantKind), ge.ErrorKind())
		})
	}
}

func TestExecutor_FailureIsRecordedAgainstCheckpoint(t *testing.T) {
	saver := inmemory.NewSaver()
	g := singleNode(t, textSchema(), "work", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		return nil, errors.New("bad input")
	}, nil, graph.WithCheckpointSaver(saver))
	ctx := context.Background()

	_, err := g.Invoke(ctx, graph.State{"text": "x"}, graph.WithThreadID("fail"))
	require.ErrorIs(t, err, graph.ErrNodeFatal)

	snap, err := g.GetState(ctx, graph.CheckpointConfig{ThreadID: "fail"})
	require.NoError(t, err)
	assert.Equal(t, graph.ThreadStatusFailed, snap.Status)
	assert.Equal(t, []string{"work"}, snap.Next)
	assert.Equal(t, "x", snap.Values["text"])
}

func counterGraph(t *testing.T, target int, seen *[]bool, opts ...graph.CompileOption) *graph.Graph {
	t.Helper()
	schema := graph.NewStateSchema().AddField("i", graph.StateField{
		Reducer: graph.SumReducer,
		Default: func() any { return 0 },
	})
	g, err := graph.NewStateGraph(schema).
		AddNode("inc", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			if seen != nil {
				*seen = append(*seen, graph.IsLastStep(ctx))
			}
			return graph.State{"i": 1}, nil
		}).
		SetEntryPoint("inc").
		AddConditionalEdges("inc", func(ctx context.Context, s graph.State) (string, error) {
			if i, _ := graph.GetInt(s, "i"); i >= target {
				return graph.End, nil
			}
			return "inc", nil
		}, nil).
		Compile(opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestExecutor_StepLimit(t *testing.T) {
	saver := inmemory.NewSaver()
	var seen []bool
	g := counterGraph(t, 5, &seen, graph.WithCheckpointSaver(saver), graph.WithStepLimit(3))
	ctx := context.Background()

	_, err := g.Invoke(ctx, graph.State{}, graph.WithThreadID("loop"))
	require.ErrorIs(t, err, graph.ErrRecursionLimit)
	assert.Equal(t, []bool{false, false, true}, seen)

	snap, err := g.GetState(ctx, graph.CheckpointConfig{ThreadID: "loop"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Values["i"])
	assert.Equal(t, string(graph.ErrorKindRecursionLimit), snap.Metadata.Tags[graph.TagError])
	assert.Equal(t, graph.ThreadStatusFailed, snap.Status)

	// Invoking without input picks the thread up where it stopped.
	res, err := g.Invoke(ctx, nil, graph.WithThreadID("loop"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.State["i"])
	assert.Equal(t, 2, res.Steps)
}

func TestExecutor_ZeroStepLimit(t *testing.T) {
	g := counterGraph(t, 1, nil)
	_, err := g.Invoke(context.Background(), graph.State{}, graph.WithRunStepLimit(0))
	require.ErrorIs(t, err, graph.ErrRecursionLimit)

	res, err := g.Invoke(context.Background(), graph.State{}, graph.WithRunStepLimit(1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.State["i"])
}

func TestExecutor_Cancellation(t *testing.T) {
	saver := inmemory.NewSaver()
	started := make(chan struct{})
	g := singleNode(t, textSchema(), "block", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, graph.WithCheckpointSaver(saver))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := g.Invoke(ctx, graph.State{"text": "x"}, graph.WithThreadID("cancel"))
	require.ErrorIs(t, err, graph.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	snap, err := g.GetState(context.Background(), graph.CheckpointConfig{ThreadID: "cancel"})
	require.NoError(t, err)
	assert.Equal(t, string(graph.ErrorKindCancelled), snap.Metadata.Tags[graph.TagError])
	assert.Equal(t, []string{"block"}, snap.Next)
}

func TestExecutor_Timeouts(t *testing.T) {
	block := func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	t.Run("node timeout", func(t *testing.T) {
		g := singleNode(t, textSchema(), "slow", block,
			[]graph.Option{graph.WithTimeout(20 * time.Millisecond), graph.WithRetryPolicy(graph.NoRetry())})
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrNodeTransient)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("step timeout", func(t *testing.T) {
		g := singleNode(t, textSchema(), "slow", block, nil,
			graph.WithStepTimeout(20*time.Millisecond), graph.WithDefaultRetryPolicy(graph.NoRetry()))
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrNodeTransient)
		assert.Contains(t, err.Error(), "exceeded")
	})
}

func TestExecutor_CommandGoto(t *testing.T) {
	var ranA atomic.Bool
	g, err := graph.NewStateGraph(textSchema()).
		AddNode("router", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return &graph.Command{Update: graph.State{"text": "routed"}, Goto: "b"}, nil
		}, graph.WithDestinations(map[string]string{"a": "first", "b": "second"})).
		AddNode("a", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			ranA.Store(true)
			return graph.State{}, nil
		}).
		AddNode("b", tagNode).
		SetEntryPoint("router").
		SetFinishPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, "[routed]", res.State["text"])
	assert.False(t, ranA.Load())
}

func TestExecutor_SendFanOut(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("items", graph.StateField{}).
		AddField("results", graph.StateField{Reducer: graph.AppendReducer, Default: func() any { return []any{} }})
	g, err := graph.NewStateGraph(schema).
		AddNode("split", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			items, _ := graph.GetStateValue[[]any](s, "items")
			cmd := &graph.Command{}
			for _, it := range items {
				cmd.Sends = append(cmd.Sends, graph.Send{Node: "double", Arg: map[string]any{"item": it}})
			}
			return cmd, nil
		}, graph.WithDestinations(map[string]string{"double": "per item"})).
		AddNode("double", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			n, ok := graph.GetInt(s, "item")
			require.True(t, ok)
			return graph.State{"results": n * 2}, nil
		}).
		SetEntryPoint("split").
		SetFinishPoint("double").
		Compile()
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(context.Background(), graph.State{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, res.State["results"])
	assert.Equal(t, 2, res.Steps)
	_, leaked := res.State["item"]
	assert.False(t, leaked)
}

func TestExecutor_ConfigErrors(t *testing.T) {
	t.Run("parent command outside a subgraph", func(t *testing.T) {
		g := singleNode(t, textSchema(), "up", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return &graph.ParentCommand{Update: graph.State{"text": "x"}}, nil
		}, nil)
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrConfig)
	})
	t.Run("write outside the declared set", func(t *testing.T) {
		schema := textSchema().AddField("other", graph.StateField{})
		g := singleNode(t, schema, "w", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{"other": 1}, nil
		}, []graph.Option{graph.WithWrites("text")})
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrConfig)
		var ge *graph.Error
		require.True(t, errors.As(err, &ge))
		assert.Equal(t, "other", ge.Channel)
		assert.Equal(t, "w", ge.Node)
	})
	t.Run("write to undeclared channel", func(t *testing.T) {
		g := singleNode(t, textSchema(), "w", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{"missing": 1}, nil
		}, nil)
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrConfig)
	})
	t.Run("unmapped branch key", func(t *testing.T) {
		g, err := graph.NewStateGraph(textSchema()).
			AddNode("a", upperNode).
			SetEntryPoint("a").
			AddConditionalEdges("a", func(ctx context.Context, s graph.State) (string, error) {
				return "nowhere", nil
			}, map[string]string{"done": graph.End}).
			Compile()
		require.NoError(t, err)
		defer g.Close()
		_, err = g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrConfig)
		assert.Contains(t, err.Error(), "nowhere")
	})
}

func TestExecutor_ReducerTypeError(t *testing.T) {
	schema := graph.NewStateSchema().AddField("text", graph.StateField{Type: reflect.TypeOf("")})
	g := singleNode(t, schema, "bad", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		return graph.State{"text": true}, nil
	}, nil)
	_, err := g.Invoke(context.Background(), graph.State{})
	require.ErrorIs(t, err, graph.ErrType)
	var ge *graph.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "text", ge.Channel)
	assert.Equal(t, 0, ge.Step)
}

func TestExecutor_NoRouteIsValidationError(t *testing.T) {
	g, err := graph.NewStateGraph(textSchema()).
		AddNode("a", upperNode, graph.WithDestinations(map[string]string{graph.End: "done"})).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	defer g.Close()
	_, err = g.Invoke(context.Background(), graph.State{})
	require.ErrorIs(t, err, graph.ErrValidation)
}

func TestExecutor_ReadsProjection(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("a", graph.StateField{}).
		AddField("b", graph.StateField{}).
		AddField("seen", graph.StateField{})
	g := singleNode(t, schema, "r", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		return graph.State{"seen": s.Keys()}, nil
	}, []graph.Option{graph.WithReads("a")})
	res, err := g.Invoke(context.Background(), graph.State{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.State["seen"])
}

func TestExecutor_EphemeralChannelResets(t *testing.T) {
	schema := graph.NewStateSchema().
		AddField("signal", graph.StateField{Ephemeral: true}).
		AddField("observed", graph.StateField{})
	g, err := graph.NewStateGraph(schema).
		AddNode("emit", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{"signal": "go"}, nil
		}).
		AddNode("read", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{"observed": s["signal"]}, nil
		}).
		SetEntryPoint("emit").
		AddEdge("emit", "read").
		SetFinishPoint("read").
		Compile()
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.Equal(t, "go", res.State["observed"])
	assert.Nil(t, res.State["signal"])
}

func TestExecutor_UnchangedValueKeepsVersion(t *testing.T) {
	g := singleNode(t, textSchema(), "same", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		return graph.State{"text": s["text"]}, nil
	}, nil)
	res, err := g.Invoke(context.Background(), graph.State{"text": "hi"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Versions["text"])
}

func TestExecutor_RuntimeAndStore(t *testing.T) {
	store := storeinmemory.NewStore()
	saver := inmemory.NewSaver()
	var (
		threadID, node, taskID string
		step, attempt          int
	)
	g := singleNode(t, textSchema(), "remember", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		r, ok := graph.RuntimeFromContext(ctx)
		require.True(t, ok)
		threadID, node, taskID, step, attempt = r.ThreadID, r.Node, r.TaskID, r.Step, r.Attempt
		if err := graph.GetStore(ctx).Put(ctx, "user/"+r.ThreadID, s["text"]); err != nil {
			return nil, err
		}
		return graph.State{}, nil
	}, nil, graph.WithStore(store), graph.WithCheckpointSaver(saver))

	_, err := g.Invoke(context.Background(), graph.State{"text": "pref"}, graph.WithThreadID("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", threadID)
	assert.Equal(t, "remember", node)
	assert.Equal(t, 0, step)
	assert.Equal(t, 1, attempt)
	assert.NotEmpty(t, taskID)

	v, err := store.Get(context.Background(), "user/u1")
	require.NoError(t, err)
	assert.Equal(t, "pref", v)
	assert.Nil(t, graph.GetStore(context.Background()))
}

func TestExecutor_MaxConcurrencyAndRateLimit(t *testing.T) {
	schema := graph.NewStateSchema().AddField("n", graph.StateField{Reducer: graph.SumReducer})
	var running, peak atomic.Int32
	work := func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return graph.State{"n": 1}, nil
	}
	sg := graph.NewStateGraph(schema)
	for _, name := range []string{"a", "b", "c", "d"} {
		sg.AddNode(name, work, graph.WithRateLimit(rate.Inf, 1)).SetEntryPoint(name).SetFinishPoint(name)
	}
	g, err := sg.Compile(graph.WithMaxConcurrency(1))
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Invoke(context.Background(), graph.State{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.State["n"])
	assert.EqualValues(t, 1, peak.Load())
}

func TestExecutor_InputAndResumeAreExclusive(t *testing.T) {
	g := newPipeline(t, graph.WithCheckpointSaver(inmemory.NewSaver()))
	_, err := g.Invoke(context.Background(), graph.State{"text": "x"},
		graph.WithThreadID("t"), graph.WithResume(graph.Continue(nil)))
	require.ErrorIs(t, err, graph.ErrConfig)

	_, err = newPipeline(t).Resume(context.Background(), graph.Continue(nil))
	require.ErrorIs(t, err, graph.ErrConfig)
}

func TestExecutor_UnknownCheckpoint(t *testing.T) {
	g := newPipeline(t, graph.WithCheckpointSaver(inmemory.NewSaver()))
	_, err := g.Invoke(context.Background(), graph.State{"text": "x"},
		graph.WithThreadID("t"), graph.WithCheckpointID("missing"))
	require.ErrorIs(t, err, graph.ErrConfig)
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

// flakySaver fails the next failPuts calls of Put.
type flakySaver struct {
	*inmemory.Saver
	failPuts atomic.Int32
}

func (s *flakySaver) Put(ctx context.Context, req graph.PutRequest) (graph.CheckpointConfig, error) {
	if s.failPuts.Add(-1) >= 0 {
		return graph.CheckpointConfig{}, errors.New("connection refused")
	}
	return s.Saver.Put(ctx, req)
}

func TestExecutor_SaverFailureIsBufferedAndReplayed(t *testing.T) {
	saver := &flakySaver{Saver: inmemory.NewSaver()}
	saver.failPuts.Store(2)
	g := newPipeline(t, graph.WithCheckpointSaver(saver))
	ctx := context.Background()

	_, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("flaky"))
	require.ErrorIs(t, err, graph.ErrSaver)
	history, err := g.History(ctx, graph.CheckpointConfig{ThreadID: "flaky"}, nil)
	require.NoError(t, err)
	assert.Empty(t, history)

	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("flaky"))
	require.NoError(t, err)
	assert.Equal(t, "[HI]", res.State["text"])
	history, err = g.History(ctx, graph.CheckpointConfig{ThreadID: "flaky"}, nil)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestExecutor_GeneratesThreadID(t *testing.T) {
	g := newPipeline(t, graph.WithCheckpointSaver(inmemory.NewSaver()))
	res, err := g.Invoke(context.Background(), graph.State{"text": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Config.ThreadID)
	assert.NotEmpty(t, res.Config.CheckpointID)
}

func TestExecutor_CancelWaitsForRunningNode(t *testing.T) {
	saver := inmemory.NewSaver()
	started := make(chan struct{})
	var calls atomic.Int32
	var finished atomic.Bool
	g := singleNode(t, textSchema(), "slow", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return graph.State{"text": "done"}, nil
	}, nil, graph.WithCheckpointSaver(saver))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := g.Invoke(ctx, graph.State{"text": "x"}, graph.WithThreadID("grace"))
	require.ErrorIs(t, err, graph.ErrCancelled)
	assert.True(t, finished.Load(), "the node body returned before the run did")

	tuple, err := saver.GetTuple(context.Background(), graph.CheckpointConfig{ThreadID: "grace"})
	require.NoError(t, err)
	assert.Equal(t, string(graph.ErrorKindCancelled), tuple.Metadata.Tags[graph.TagError])
	var written []any
	for _, w := range tuple.PendingWrites {
		if w.Channel == "text" {
			written = append(written, w.Value)
		}
	}
	assert.Equal(t, []any{"done"}, written)

	// The finished task is replayed instead of run again.
	res, err := g.Invoke(context.Background(), nil, graph.WithThreadID("grace"))
	require.NoError(t, err)
	assert.Equal(t, "done", res.State["text"])
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecutor_CancelGracePeriodElapses(t *testing.T) {
	saver := inmemory.NewSaver()
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var finished atomic.Bool
	g := singleNode(t, textSchema(), "stuck", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		close(started)
		<-release
		finished.Store(true)
		return graph.State{"text": "late"}, nil
	}, nil, graph.WithCheckpointSaver(saver), graph.WithCancelGracePeriod(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := g.Invoke(ctx, graph.State{"text": "x"}, graph.WithThreadID("stuck"))
	require.ErrorIs(t, err, graph.ErrCancelled)
	assert.False(t, finished.Load())

	tuple, err := saver.GetTuple(context.Background(), graph.CheckpointConfig{ThreadID: "stuck"})
	require.NoError(t, err)
	for _, w := range tuple.PendingWrites {
		assert.NotEqual(t, "text", w.Channel)
	}
}

func TestExecutor_TimeoutIgnoresFinishedBody(t *testing.T) {
	g := singleNode(t, textSchema(), "slow", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
		<-ctx.Done()
		return graph.State{"text": "too late"}, nil
	}, []graph.Option{graph.WithTimeout(20 * time.Millisecond), graph.WithRetryPolicy(graph.NoRetry())})
	_, err := g.Invoke(context.Background(), graph.State{})
	require.ErrorIs(t, err, graph.ErrNodeTransient)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func parallelSchema() *graph.StateSchema {
	return graph.NewStateSchema().
		AddField("ok", graph.StateField{}).
		AddField("bad", graph.StateField{})
}

func TestExecutor_FailureStoresTaggedCheckpoint(t *testing.T) {
	saver := inmemory.NewSaver()
	var okCalls, badCalls atomic.Int32
	g, err := graph.NewStateGraph(parallelSchema()).
		AddNode("ok", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			okCalls.Add(1)
			return graph.State{"ok": "yes"}, nil
		}).
		AddNode("bad", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			if badCalls.Add(1) == 1 {
				return nil, errors.New("bad input")
			}
			return graph.State{"bad": "fixed"}, nil
		}).
		AddEdge(graph.Start, "ok").
		AddEdge(graph.Start, "bad").
		AddEdge("ok", graph.End).
		AddEdge("bad", graph.End).
		Compile(graph.WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(g.Close)
	ctx := context.Background()
	cfg := graph.CheckpointConfig{ThreadID: "parallel"}

	_, err = g.Invoke(ctx, graph.State{}, graph.WithThreadID("parallel"))
	require.ErrorIs(t, err, graph.ErrNodeFatal)

	history, err := g.History(ctx, cfg, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	head := history[0]
	assert.Equal(t, graph.CheckpointSourceLoop, head.Metadata.Source)
	assert.Equal(t, 0, head.Metadata.Step)
	assert.Equal(t, string(graph.ErrorKindNodeFatal), head.Metadata.Tags[graph.TagError])
	assert.Equal(t, graph.ThreadStatusFailed, head.Status)
	assert.ElementsMatch(t, []string{"ok", "bad"}, head.Next)
	assert.Equal(t, history[1].Config.CheckpointID, head.ParentConfig.CheckpointID)

	tuple, err := saver.GetTuple(ctx, cfg)
	require.NoError(t, err)
	channels := make(map[string]any)
	for _, w := range tuple.PendingWrites {
		channels[w.Channel] = w.Value
	}
	assert.Equal(t, "yes", channels["ok"])
	assert.Contains(t, channels, graph.ChannelError)

	res, err := g.Invoke(ctx, nil, graph.WithThreadID("parallel"))
	require.NoError(t, err)
	assert.Equal(t, "yes", res.State["ok"])
	assert.Equal(t, "fixed", res.State["bad"])
	assert.EqualValues(t, 1, okCalls.Load())
	assert.EqualValues(t, 2, badCalls.Load())
}

func TestExecutor_CommitFailuresAreTagged(t *testing.T) {
	t.Run("reserved channel write", func(t *testing.T) {
		saver := inmemory.NewSaver()
		g := singleNode(t, textSchema(), "w", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return graph.State{graph.ChannelError: "x"}, nil
		}, nil, graph.WithCheckpointSaver(saver))
		_, err := g.Invoke(context.Background(), graph.State{}, graph.WithThreadID("reserved"))
		require.ErrorIs(t, err, graph.ErrConfig)

		snap, err := g.GetState(context.Background(), graph.CheckpointConfig{ThreadID: "reserved"})
		require.NoError(t, err)
		assert.Equal(t, string(graph.ErrorKindConfig), snap.Metadata.Tags[graph.TagError])
		assert.Equal(t, graph.ThreadStatusFailed, snap.Status)
	})
	t.Run("no route", func(t *testing.T) {
		saver := inmemory.NewSaver()
		g, err := graph.NewStateGraph(textSchema()).
			AddNode("a", upperNode, graph.WithDestinations(map[string]string{graph.End: "done"})).
			SetEntryPoint("a").
			Compile(graph.WithCheckpointSaver(saver))
		require.NoError(t, err)
		t.Cleanup(g.Close)
		_, err = g.Invoke(context.Background(), graph.State{"text": "hi"}, graph.WithThreadID("stuck"))
		require.ErrorIs(t, err, graph.ErrValidation)

		snap, err := g.GetState(context.Background(), graph.CheckpointConfig{ThreadID: "stuck"})
		require.NoError(t, err)
		assert.Equal(t, string(graph.ErrorKindValidation), snap.Metadata.Tags[graph.TagError])
		assert.Equal(t, "HI", snap.Values["text"])
		assert.Empty(t, snap.Next)
	})
}

func TestExecutor_CommandResume(t *testing.T) {
	t.Run("outside a resumed task", func(t *testing.T) {
		g := singleNode(t, textSchema(), "w", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			return &graph.Command{Update: graph.State{"text": "x"}, Resume: graph.Continue(nil)}, nil
		}, nil)
		_, err := g.Invoke(context.Background(), graph.State{})
		require.ErrorIs(t, err, graph.ErrConfig)
		assert.Contains(t, err.Error(), "not being resumed")
	})
	t.Run("acknowledged by the resumed task", func(t *testing.T) {
		saver := inmemory.NewSaver()
		g := singleNode(t, textSchema(), "ask", func(ctx context.Context, s graph.State) (graph.NodeResult, error) {
			rv, err := graph.InterruptForInput(ctx, "name?", "text", nil)
			if err != nil {
				return nil, err
			}
			name, _ := rv.Inputs["text"].(string)
			return &graph.Command{Update: graph.State{"text": name}, Resume: rv}, nil
		}, nil, graph.WithCheckpointSaver(saver))
		ctx := context.Background()

		res, err := g.Invoke(ctx, graph.State{}, graph.WithThreadID("ack"))
		require.NoError(t, err)
		require.True(t, res.Interrupted())

		res, err = g.Resume(ctx, graph.Continue(map[string]any{"text": "ada"}), graph.WithThreadID("ack"))
		require.NoError(t, err)
		assert.Equal(t, graph.RunStatusCompleted, res.Status)
		assert.Equal(t, "ada", res.State["text"])

		snap, err := g.GetState(ctx, graph.CheckpointConfig{ThreadID: "ack"})
		require.NoError(t, err)
		assert.Equal(t, string(graph.ResumeContinue), snap.Metadata.Tags[graph.TagResumeAction])
	})
}

// conflictingSaver rejects the first Put as a conflict.
type conflictingSaver struct {
	*inmemory.Saver
	conflicts atomic.Int32
	rejected  atomic.Value
}

func (s *conflictingSaver) Put(ctx context.Context, req graph.PutRequest) (graph.CheckpointConfig, error) {
	if s.conflicts.Add(-1) >= 0 {
		s.rejected.Store(req.Checkpoint.ID)
		return graph.CheckpointConfig{}, graph.ErrCheckpointConflict
	}
	return s.Saver.Put(ctx, req)
}

func TestExecutor_PutConflictRetriesWithFreshID(t *testing.T) {
	saver := &conflictingSaver{Saver: inmemory.NewSaver()}
	saver.conflicts.Store(1)
	g := newPipeline(t, graph.WithCheckpointSaver(saver))
	ctx := context.Background()

	res, err := g.Invoke(ctx, graph.State{"text": "hi"}, graph.WithThreadID("conflict"))
	require.NoError(t, err)
	assert.Equal(t, "[HI]", res.State["text"])

	history, err := g.History(ctx, graph.CheckpointConfig{ThreadID: "conflict"}, nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
	rejected, _ := saver.rejected.Load().(string)
	require.NotEmpty(t, rejected)
	for _, snap := range history {
		assert.NotEqual(t, rejected, snap.Config.CheckpointID)
	}
}
