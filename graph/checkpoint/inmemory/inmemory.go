//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a non-durable checkpoint saver. It is suitable
// for tests and single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Saver keeps checkpoints in process memory.
type Saver struct {
	mu sync.RWMutex
	// threadID -> namespace -> checkpointID -> tuple
	storage map[string]map[string]map[string]*graph.CheckpointTuple
	// threadID -> namespace -> checkpointID -> writes
	writes map[string]map[string]map[string][]graph.PendingWrite
	// maxCheckpointsPerThread limits checkpoints per thread and namespace.
	// Zero keeps all of them.
	maxCheckpointsPerThread int
}

var (
	_ graph.CheckpointSaver = (*Saver)(nil)
	_ graph.ThreadDeleter   = (*Saver)(nil)
)

// NewSaver creates an empty saver.
func NewSaver() *Saver {
	return &Saver{
		storage: make(map[string]map[string]map[string]*graph.CheckpointTuple),
		writes:  make(map[string]map[string]map[string][]graph.PendingWrite),
	}
}

// WithMaxCheckpointsPerThread keeps only the newest max checkpoints of each
// thread and namespace.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// GetTuple returns the checkpoint named by config, or the newest one of the
// thread.
func (s *Saver) GetTuple(ctx context.Context, config graph.CheckpointConfig) (*graph.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints := s.storage[config.ThreadID][config.Namespace]
	if config.CheckpointID != "" {
		tuple, ok := checkpoints[config.CheckpointID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, config.CheckpointID)
		}
		return s.withWrites(tuple), nil
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	all := make([]*graph.CheckpointTuple, 0, len(checkpoints))
	for _, t := range checkpoints {
		all = append(all, t)
	}
	graph.SortTuples(all)
	return s.withWrites(all[0]), nil
}

// List returns the checkpoints of the thread newest first.
func (s *Saver) List(
	ctx context.Context,
	config graph.CheckpointConfig,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoints := s.storage[config.ThreadID][config.Namespace]
	all := make([]*graph.CheckpointTuple, 0, len(checkpoints))
	for _, t := range checkpoints {
		all = append(all, t)
	}
	matched := graph.ApplyFilter(all, filter)
	out := make([]*graph.CheckpointTuple, 0, len(matched))
	for _, t := range matched {
		out = append(out, s.withWrites(t))
	}
	return out, nil
}

// Put stores a checkpoint. A repeated Put of the same content is a no-op.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (graph.CheckpointConfig, error) {
	tuple, err := req.Tuple()
	if err != nil {
		return graph.CheckpointConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID, namespace := tuple.Config.ThreadID, tuple.Config.Namespace
	if s.storage[threadID] == nil {
		s.storage[threadID] = make(map[string]map[string]*graph.CheckpointTuple)
	}
	if s.storage[threadID][namespace] == nil {
		s.storage[threadID][namespace] = make(map[string]*graph.CheckpointTuple)
	}
	if existing, ok := s.storage[threadID][namespace][tuple.Checkpoint.ID]; ok {
		if !graph.SameContent(existing, tuple) {
			return graph.CheckpointConfig{}, fmt.Errorf("%w: %s", graph.ErrCheckpointConflict, tuple.Checkpoint.ID)
		}
		return tuple.Config, nil
	}
	s.storage[threadID][namespace][tuple.Checkpoint.ID] = tuple
	s.cleanupOldCheckpoints(threadID, namespace)
	return tuple.Config, nil
}

// PutWrites records the writes of one task, replacing earlier ones.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	if req.Config.ThreadID == "" || req.Config.CheckpointID == "" {
		return fmt.Errorf("thread_id and checkpoint_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID, namespace, id := req.Config.ThreadID, req.Config.Namespace, req.Config.CheckpointID
	if _, ok := s.storage[threadID][namespace][id]; !ok {
		return fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, id)
	}
	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[threadID][namespace] == nil {
		s.writes[threadID][namespace] = make(map[string][]graph.PendingWrite)
	}
	s.writes[threadID][namespace][id] = graph.ReplaceTaskWrites(s.writes[threadID][namespace][id], req.TaskID, req.Writes)
	return nil
}

// DeleteThread removes every checkpoint of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.storage, threadID)
	delete(s.writes, threadID)
	return nil
}

// Close releases all stored data.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage = make(map[string]map[string]map[string]*graph.CheckpointTuple)
	s.writes = make(map[string]map[string]map[string][]graph.PendingWrite)
	return nil
}

// withWrites returns a copy of tuple with its pending writes attached.
// Callers hold the read lock.
func (s *Saver) withWrites(tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	out := tuple.Copy()
	cfg := tuple.Config
	out.PendingWrites = nil
	if writes := s.writes[cfg.ThreadID][cfg.Namespace][cfg.CheckpointID]; len(writes) > 0 {
		out.PendingWrites = (&graph.CheckpointTuple{PendingWrites: writes}).Copy().PendingWrites
	}
	return out
}

// cleanupOldCheckpoints removes the oldest checkpoints beyond the limit.
func (s *Saver) cleanupOldCheckpoints(threadID, namespace string) {
	checkpoints := s.storage[threadID][namespace]
	if s.maxCheckpointsPerThread <= 0 || len(checkpoints) <= s.maxCheckpointsPerThread {
		return
	}
	all := make([]*graph.CheckpointTuple, 0, len(checkpoints))
	for _, t := range checkpoints {
		all = append(all, t)
	}
	graph.SortTuples(all)
	for _, t := range all[s.maxCheckpointsPerThread:] {
		delete(checkpoints, t.Checkpoint.ID)
		delete(s.writes[threadID][namespace], t.Checkpoint.ID)
	}
}
