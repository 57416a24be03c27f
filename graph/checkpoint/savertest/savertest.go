//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package savertest holds the behavior every graph.CheckpointSaver must
// show. Saver packages run it from their tests.
package savertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Factory returns a fresh, empty saver.
type Factory func(t *testing.T) graph.CheckpointSaver

var baseTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// Run runs the saver contract against savers built by newSaver.
func Run(t *testing.T, newSaver Factory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newSaver(t)) })
	t.Run("Errors", func(t *testing.T) { testErrors(t, newSaver(t)) })
	t.Run("IdempotentPut", func(t *testing.T) { testIdempotentPut(t, newSaver(t)) })
	t.Run("ConcurrentConflict", func(t *testing.T) { testConcurrentConflict(t, newSaver(t)) })
	t.Run("PutWrites", func(t *testing.T) { testPutWrites(t, newSaver(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newSaver(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, newSaver(t)) })
	t.Run("DeleteThread", func(t *testing.T) { testDeleteThread(t, newSaver(t)) })
}

// NewCheckpoint builds a checkpoint whose timestamp is i milliseconds after a
// fixed base, so ordering does not depend on the clock.
func NewCheckpoint(i int, values graph.State, next ...string) *graph.Checkpoint {
	versions := make(map[string]int64, len(values))
	for k := range values {
		versions[k] = int64(i + 1)
	}
	tasks := make([]graph.TaskSpec, 0, len(next))
	for _, n := range next {
		tasks = append(tasks, graph.TaskSpec{ID: n + "-task", Node: n})
	}
	c := graph.NewCheckpoint(graph.Snapshot{Values: values, Versions: versions}, tasks)
	c.Timestamp = baseTime.Add(time.Duration(i) * time.Millisecond)
	return c
}

// put stores a chain of checkpoints on one thread and returns their
// configs oldest first.
func put(t *testing.T, s graph.CheckpointSaver, cfg graph.CheckpointConfig, metas ...*graph.CheckpointMetadata) []graph.CheckpointConfig {
	t.Helper()
	ctx := context.Background()
	out := make([]graph.CheckpointConfig, 0, len(metas))
	parent := cfg
	for i, m := range metas {
		got, err := s.Put(ctx, graph.PutRequest{
			Config:      parent,
			Checkpoint:  NewCheckpoint(i, graph.State{"n": int64(i)}, "next"),
			Metadata:    m,
			NewVersions: map[string]int64{"n": int64(i + 1)},
		})
		require.NoError(t, err)
		out = append(out, got)
		parent = got
	}
	return out
}

func testPutAndGet(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	cfg := graph.CheckpointConfig{ThreadID: "t1"}

	empty, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, empty)

	cfgs := put(t, s, cfg,
		graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
		graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
	)
	assert.Equal(t, "t1", cfgs[1].ThreadID)
	assert.NotEmpty(t, cfgs[1].CheckpointID)

	latest, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cfgs[1], latest.Config)
	require.NotNil(t, latest.ParentConfig)
	assert.Equal(t, cfgs[0].CheckpointID, latest.ParentConfig.CheckpointID)
	assert.Equal(t, graph.CheckpointSourceLoop, latest.Metadata.Source)
	assert.Equal(t, 0, latest.Metadata.Step)
	assert.Equal(t, int64(1), latest.Checkpoint.Snapshot.Values["n"])
	assert.Equal(t, []string{"next"}, latest.Checkpoint.NextNodes())
	assert.True(t, baseTime.Add(time.Millisecond).Equal(latest.Checkpoint.Timestamp))

	first, err := s.GetTuple(ctx, cfgs[0])
	require.NoError(t, err)
	assert.Equal(t, cfgs[0], first.Config)
	assert.Nil(t, first.ParentConfig)
	assert.Equal(t, -1, first.Metadata.Step)
}

func testErrors(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	_, err := s.GetTuple(ctx, graph.CheckpointConfig{})
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)

	_, err = s.List(ctx, graph.CheckpointConfig{}, nil)
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)

	_, err = s.Put(ctx, graph.PutRequest{Checkpoint: NewCheckpoint(0, graph.State{})})
	assert.ErrorIs(t, err, graph.ErrThreadIDRequired)

	_, err = s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t1", CheckpointID: "missing"})
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)

	err = s.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CheckpointConfig{ThreadID: "t1", CheckpointID: "missing"},
		TaskID: "a",
		Writes: []graph.PendingWrite{{Channel: "x", Value: int64(1)}},
	})
	assert.Error(t, err)
}

func testIdempotentPut(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	cfg := graph.CheckpointConfig{ThreadID: "t1"}
	ckpt := NewCheckpoint(0, graph.State{"n": int64(1)})
	req := graph.PutRequest{Config: cfg, Checkpoint: ckpt, Metadata: graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1)}

	first, err := s.Put(ctx, req)
	require.NoError(t, err)
	again, err := s.Put(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	all, err := s.List(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	changed := ckpt.Copy()
	changed.Snapshot.Values["n"] = int64(2)
	_, err = s.Put(ctx, graph.PutRequest{Config: cfg, Checkpoint: changed, Metadata: req.Metadata})
	assert.ErrorIs(t, err, graph.ErrCheckpointConflict)
}

// testConcurrentConflict races writers that reuse one checkpoint id with
// different content: exactly one wins and the rest see a conflict.
func testConcurrentConflict(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	cfg := graph.CheckpointConfig{ThreadID: "t1"}
	id := NewCheckpoint(0, graph.State{}).ID
	meta := graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewCheckpoint(0, graph.State{"n": int64(i)})
			c.ID = id
			_, errs[i] = s.Put(ctx, graph.PutRequest{Config: cfg, Checkpoint: c, Metadata: meta})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, graph.ErrCheckpointConflict)
	}
	assert.Equal(t, 1, winners)

	all, err := s.List(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testPutWrites(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	cfgs := put(t, s, graph.CheckpointConfig{ThreadID: "t1"}, graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0))
	cfg := cfgs[0]

	write := func(task string, values ...any) {
		ws := make([]graph.PendingWrite, 0, len(values))
		for _, v := range values {
			ws = append(ws, graph.PendingWrite{TaskID: task, Channel: "x", Value: v})
		}
		require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg, TaskID: task, Writes: ws}))
	}
	write("a", int64(1), int64(2))
	write("b", "hello")
	// Retrying the same task replaces its writes in place.
	write("a", int64(3))
	write("a", map[string]any{"k": []any{int64(1), true}})

	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "a", tuple.PendingWrites[0].TaskID)
	assert.Equal(t, map[string]any{"k": []any{int64(1), true}}, tuple.PendingWrites[0].Value)
	assert.Equal(t, 0, tuple.PendingWrites[0].Seq)
	assert.Equal(t, "b", tuple.PendingWrites[1].TaskID)
	assert.Equal(t, "hello", tuple.PendingWrites[1].Value)
	assert.Equal(t, 1, tuple.PendingWrites[1].Seq)

	// The marker channels are stored like any other channel.
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg, TaskID: "c", Writes: []graph.PendingWrite{
		{TaskID: "c", Channel: graph.ChannelInterrupt, Value: map[string]any{"trigger": "task"}},
	}}))
	tuple, err = s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 3)
	assert.Equal(t, graph.ChannelInterrupt, tuple.PendingWrites[2].Channel)
}

func testList(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	cfg := graph.CheckpointConfig{ThreadID: "t1"}
	tagged := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 1)
	tagged.Node = "b"
	tagged.Creators = []string{"b"}
	tagged.Tags[graph.TagInterrupt] = graph.InterruptPhaseAfter
	multi := graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 2)
	multi.Creators = []string{"c", "d"}
	cfgs := put(t, s, cfg,
		graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
		graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
		tagged,
		multi,
	)
	ids := func(tuples []*graph.CheckpointTuple) []string {
		out := make([]string, 0, len(tuples))
		for _, tp := range tuples {
			out = append(out, tp.Config.CheckpointID)
		}
		return out
	}

	all, err := s.List(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[3].CheckpointID, cfgs[2].CheckpointID, cfgs[1].CheckpointID, cfgs[0].CheckpointID}, ids(all))

	got, err := s.List(ctx, cfg, &graph.CheckpointFilter{Source: graph.CheckpointSourceInput})
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[0].CheckpointID}, ids(got))

	got, err = s.List(ctx, cfg, graph.StepRange(0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[2].CheckpointID, cfgs[1].CheckpointID}, ids(got))

	got, err = s.List(ctx, cfg, &graph.CheckpointFilter{Node: "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[3].CheckpointID}, ids(got))

	got, err = s.List(ctx, cfg, &graph.CheckpointFilter{Metadata: map[string]any{graph.TagInterrupt: graph.InterruptPhaseAfter}})
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[2].CheckpointID}, ids(got))

	got, err = s.List(ctx, cfg, &graph.CheckpointFilter{Before: cfgs[2].CheckpointID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{cfgs[1].CheckpointID}, ids(got))

	got, err = s.List(ctx, graph.CheckpointConfig{ThreadID: "other"}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testNamespaces(t *testing.T, s graph.CheckpointSaver) {
	ctx := context.Background()
	root := graph.CheckpointConfig{ThreadID: "t1"}
	child := graph.CheckpointConfig{ThreadID: "t1", Namespace: "parent|child"}
	put(t, s, root, graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1))
	childCfgs := put(t, s, child,
		graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
		graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
	)

	rootList, err := s.List(ctx, root, nil)
	require.NoError(t, err)
	assert.Len(t, rootList, 1)

	latest, err := s.GetTuple(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, childCfgs[1], latest.Config)
	assert.Equal(t, "parent|child", latest.Config.Namespace)

	_, err = s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t1", CheckpointID: childCfgs[0].CheckpointID})
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func testDeleteThread(t *testing.T, s graph.CheckpointSaver) {
	d, ok := s.(graph.ThreadDeleter)
	if !ok {
		t.Skip("saver cannot delete threads")
	}
	ctx := context.Background()
	put(t, s, graph.CheckpointConfig{ThreadID: "gone"}, graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1))
	put(t, s, graph.CheckpointConfig{ThreadID: "gone", Namespace: "sub"}, graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1))
	put(t, s, graph.CheckpointConfig{ThreadID: "kept"}, graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1))

	require.NoError(t, d.DeleteThread(ctx, "gone"))

	for _, ns := range []string{"", "sub"} {
		tuple, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "gone", Namespace: ns})
		require.NoError(t, err)
		assert.Nil(t, tuple)
	}
	kept, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "kept"})
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
