//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/savertest"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

func newTestSaver(t *testing.T, opts ...Option) (*Saver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewSaver(append([]Option{WithRedisClientURL("redis://" + mr.Addr())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestSaverContract(t *testing.T) {
	savertest.Run(t, func(t *testing.T) graph.CheckpointSaver {
		s, _ := newTestSaver(t)
		return s
	})
}

func TestNewSaverWithRedisInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	const name = "graph-checkpoint-test"
	storage.RegisterRedisInstance(name, storage.WithClientBuilderURL("redis://"+mr.Addr()))
	defer storage.UnregisterRedisInstance(name)

	s, err := NewSaver(WithRedisInstance(name))
	require.NoError(t, err)
	defer s.Close()

	_, err = NewSaver(WithRedisInstance("no-instance"))
	assert.ErrorContains(t, err, "not found")

	_, err = NewSaver()
	assert.Error(t, err)
}

func TestTTLAndKeyPrefix(t *testing.T) {
	s, mr := newTestSaver(t, WithTTL(time.Hour), WithKeyPrefix("app:"))
	ctx := context.Background()
	cfg, err := s.Put(ctx, graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{"n": int64(1)}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	})
	require.NoError(t, err)
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg, TaskID: "a", Writes: []graph.PendingWrite{
		{TaskID: "a", Channel: "n", Value: int64(2)},
	}}))

	ckptKey := "app:ckpt:t::" + cfg.CheckpointID
	assert.True(t, mr.Exists(ckptKey))
	assert.Equal(t, time.Hour, mr.TTL(ckptKey))
	assert.Equal(t, time.Hour, mr.TTL("app:writes:t::"+cfg.CheckpointID))
	assert.Equal(t, time.Hour, mr.TTL("app:ckpt_ts:t:"))

	mr.FastForward(2 * time.Hour)
	got, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNoTTLKeepsCheckpoints(t *testing.T) {
	opts := defaultOptions
	WithTTL(-time.Minute)(&opts)
	assert.Zero(t, opts.ttl)

	s, mr := newTestSaver(t, WithTTL(0))
	ctx := context.Background()
	cfg, err := s.Put(ctx, graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{"n": int64(1)}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	})
	require.NoError(t, err)
	assert.Zero(t, mr.TTL("graph:ckpt:t::"+cfg.CheckpointID))

	mr.FastForward(8 * 24 * time.Hour)
	got, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.CheckpointID, got.Config.CheckpointID)
}

func TestPutIndexesUnindexedCheckpoint(t *testing.T) {
	s, mr := newTestSaver(t)
	ctx := context.Background()
	req := graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{"n": int64(1)}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	}
	tuple, err := req.Tuple()
	require.NoError(t, err)
	data, err := graph.EncodeCheckpointTuple(tuple)
	require.NoError(t, err)

	// A hash written without its index entry, as left by an interrupted writer.
	mr.HSet("graph:ckpt:t::"+req.Checkpoint.ID, fieldTuple, string(data))
	latest, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	require.NoError(t, err)
	assert.Nil(t, latest)

	cfg, err := s.Put(ctx, req)
	require.NoError(t, err)
	latest, err = s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cfg.CheckpointID, latest.Config.CheckpointID)
	assert.True(t, mr.Exists("graph:thread_ns:t"))
}

func TestServerFailure(t *testing.T) {
	s, mr := newTestSaver(t)
	mr.SetError("boom")
	ctx := context.Background()

	_, err := s.GetTuple(ctx, graph.CheckpointConfig{ThreadID: "t"})
	assert.Error(t, err)
	_, err = s.Put(ctx, graph.PutRequest{
		Config:     graph.CheckpointConfig{ThreadID: "t"},
		Checkpoint: savertest.NewCheckpoint(0, graph.State{}),
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInput, -1),
	})
	assert.ErrorContains(t, err, "store checkpoint")
}
