//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/savertest"
)

func TestSaverContract(t *testing.T) {
	savertest.Run(t, func(t *testing.T) graph.CheckpointSaver { return NewSaver() })
}

func TestReturnedTuplesAreCopies(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	cfg, err := s.Put(ctx, graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{"list": []any{"a"}}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	})
	require.NoError(t, err)

	got, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	got.Checkpoint.Snapshot.Values["list"] = []any{"mutated"}
	got.Metadata.Tags["x"] = "y"

	again, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, again.Checkpoint.Snapshot.Values["list"])
	assert.NotContains(t, again.Metadata.Tags, "x")
}

func TestMaxCheckpointsPerThread(t *testing.T) {
	s := NewSaver().WithMaxCheckpointsPerThread(2)
	ctx := context.Background()
	parent := graph.CheckpointConfig{ThreadID: "t"}
	var cfgs []graph.CheckpointConfig
	for i := 0; i < 4; i++ {
		cfg, err := s.Put(ctx, graph.PutRequest{
			Config:     parent,
			Checkpoint: savertest.NewCheckpoint(i, graph.State{"n": int64(i)}),
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i),
		})
		require.NoError(t, err)
		cfgs = append(cfgs, cfg)
		parent = cfg
	}
	all, err := s.List(ctx, graph.CheckpointConfig{ThreadID: "t"}, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, cfgs[3].CheckpointID, all[0].Config.CheckpointID)
	assert.Equal(t, cfgs[2].CheckpointID, all[1].Config.CheckpointID)

	_, err = s.GetTuple(ctx, cfgs[0])
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestClose(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	_, err := s.Put(ctx, graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	got, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	require.NoError(t, err)
	assert.Nil(t, got)
}
