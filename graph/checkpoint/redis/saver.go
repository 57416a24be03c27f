//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a redis checkpoint saver.
//
// Layout per thread and namespace: one hash per checkpoint, a sorted set of
// checkpoint ids scored by creation time, and one string per checkpoint
// holding its pending writes. A set per thread lists its namespaces.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

const (
	fieldTuple = "tuple_json"

	// maxWatchRetries bounds optimistic transaction retries of PutWrites.
	maxWatchRetries = 8
)

// Saver is the redis checkpoint saver.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	once   sync.Once
}

var (
	_ graph.CheckpointSaver = (*Saver)(nil)
	_ graph.ThreadDeleter   = (*Saver)(nil)
)

// NewSaver creates a saver.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}
	client := opts.client
	if client == nil {
		var err error
		if client, err = storage.NewClient(opts.url, opts.instanceName, opts.extraOptions...); err != nil {
			return nil, err
		}
	}
	return &Saver{opts: opts, client: client}, nil
}

func (s *Saver) checkpointKey(cfg graph.CheckpointConfig, id string) string {
	return fmt.Sprintf("%sckpt:%s:%s:%s", s.opts.keyPrefix, cfg.ThreadID, cfg.Namespace, id)
}

func (s *Saver) indexKey(cfg graph.CheckpointConfig) string {
	return fmt.Sprintf("%sckpt_ts:%s:%s", s.opts.keyPrefix, cfg.ThreadID, cfg.Namespace)
}

func (s *Saver) writesKey(cfg graph.CheckpointConfig, id string) string {
	return fmt.Sprintf("%swrites:%s:%s:%s", s.opts.keyPrefix, cfg.ThreadID, cfg.Namespace, id)
}

func (s *Saver) namespacesKey(threadID string) string {
	return fmt.Sprintf("%sthread_ns:%s", s.opts.keyPrefix, threadID)
}

// GetTuple returns the checkpoint named by config, or the newest one of the
// thread.
func (s *Saver) GetTuple(ctx context.Context, config graph.CheckpointConfig) (*graph.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	id := config.CheckpointID
	if id == "" {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(config), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("find latest checkpoint: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id = ids[0]
	}
	data, err := s.client.HGet(ctx, s.checkpointKey(config, id), fieldTuple).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	tuple, err := graph.DecodeCheckpointTuple(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if tuple.PendingWrites, err = s.loadWrites(ctx, s.client, tuple.Config); err != nil {
		return nil, err
	}
	return tuple, nil
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
	ids, err := s.client.ZRevRange(ctx, s.indexKey(config), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.checkpointKey(config, id), fieldTuple)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	tuples := make([]*graph.CheckpointTuple, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// The hash expired before its index entry.
			log.Warnf("redis saver: checkpoint %s indexed but missing", ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %s: %w", ids[i], err)
		}
		tuple, err := graph.DecodeCheckpointTuple(data)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint %s: %w", ids[i], err)
		}
		tuples = append(tuples, tuple)
	}
	tuples = graph.ApplyFilter(tuples, filter)
	for _, t := range tuples {
		if t.PendingWrites, err = s.loadWrites(ctx, s.client, t.Config); err != nil {
			return nil, err
		}
	}
	return tuples, nil
}

// luaPutCheckpoint stores a checkpoint hash and indexes it in one step.
// KEYS[1] = checkpoint key, KEYS[2] = index key, KEYS[3] = namespaces key
// ARGV[1] = tuple json, ARGV[2] = ts (micros), ARGV[3] = step, ARGV[4] = source,
// ARGV[5] = checkpoint id, ARGV[6] = namespace, ARGV[7] = TTL (millis, 0 keeps forever)
// Returns nil when stored, or the stored tuple json when the id exists. An
// existing checkpoint is (re)indexed with its own timestamp.
var luaPutCheckpoint = redis.NewScript(`
local ckptKey = KEYS[1]
local idxKey = KEYS[2]
local nsKey = KEYS[3]
local ttl = tonumber(ARGV[7])

local existing = redis.call('HGET', ckptKey, 'tuple_json')
if existing then
    local ts = redis.call('HGET', ckptKey, 'ts') or ARGV[2]
    redis.call('ZADD', idxKey, 'NX', ts, ARGV[5])
    redis.call('SADD', nsKey, ARGV[6])
    return existing
end

redis.call('HSET', ckptKey, 'tuple_json', ARGV[1], 'ts', ARGV[2], 'step', ARGV[3], 'source', ARGV[4])
redis.call('ZADD', idxKey, ARGV[2], ARGV[5])
redis.call('SADD', nsKey, ARGV[6])
if ttl > 0 then
    redis.call('PEXPIRE', ckptKey, ttl)
    redis.call('PEXPIRE', idxKey, ttl)
    redis.call('PEXPIRE', nsKey, ttl)
end
return false
`)

// Put stores and indexes a checkpoint atomically. A repeated Put of the same
// content is a no-op.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (graph.CheckpointConfig, error) {
	tuple, err := req.Tuple()
	if err != nil {
		return graph.CheckpointConfig{}, err
	}
	data, err := graph.EncodeCheckpointTuple(tuple)
	if err != nil {
		return graph.CheckpointConfig{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	cfg := tuple.Config
	key := s.checkpointKey(cfg, cfg.CheckpointID)

	keys := []string{key, s.indexKey(cfg), s.namespacesKey(cfg.ThreadID)}
	args := []any{
		data,
		tuple.Checkpoint.Timestamp.UnixMicro(),
		tuple.Metadata.Step,
		string(tuple.Metadata.Source),
		cfg.CheckpointID,
		cfg.Namespace,
		s.opts.ttl.Milliseconds(),
	}
	existing, err := luaPutCheckpoint.Run(ctx, s.client, keys, args...).Text()
	if errors.Is(err, redis.Nil) {
		return cfg, nil
	}
	if err != nil {
		return graph.CheckpointConfig{}, fmt.Errorf("store checkpoint: %w", err)
	}
	stored, derr := graph.DecodeCheckpointTuple([]byte(existing))
	if derr != nil || !graph.SameContent(stored, tuple) {
		return graph.CheckpointConfig{}, fmt.Errorf("%w: %s", graph.ErrCheckpointConflict, cfg.CheckpointID)
	}
	return cfg, nil
}

// PutWrites records the writes of one task, replacing earlier ones. The
// read-modify-write runs as an optimistic transaction on the writes key.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	cfg := req.Config
	if cfg.ThreadID == "" || cfg.CheckpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}
	exists, err := s.client.Exists(ctx, s.checkpointKey(cfg, cfg.CheckpointID)).Result()
	if err != nil {
		return fmt.Errorf("check checkpoint: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, cfg.CheckpointID)
	}
	key := s.writesKey(cfg, cfg.CheckpointID)
	txf := func(tx *redis.Tx) error {
		current, err := s.loadWrites(ctx, tx, cfg)
		if err != nil {
			return err
		}
		data, err := graph.EncodePendingWrites(graph.ReplaceTaskWrites(current, req.TaskID, req.Writes))
		if err != nil {
			return fmt.Errorf("encode writes: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("put writes: %w", err)
	}
	return nil
}

// DeleteThread removes every checkpoint and write of the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	namespaces, err := s.client.SMembers(ctx, s.namespacesKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	pipe := s.client.Pipeline()
	for _, ns := range namespaces {
		cfg := graph.CheckpointConfig{ThreadID: threadID, Namespace: ns}
		ids, err := s.client.ZRange(ctx, s.indexKey(cfg), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		for _, id := range ids {
			pipe.Del(ctx, s.checkpointKey(cfg, id), s.writesKey(cfg, id))
		}
		pipe.Del(ctx, s.indexKey(cfg))
	}
	pipe.Del(ctx, s.namespacesKey(threadID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *Saver) Close() error {
	var err error
	s.once.Do(func() {
		if s.client != nil {
			err = s.client.Close()
		}
	})
	return err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Saver) loadWrites(ctx context.Context, c getter, cfg graph.CheckpointConfig) ([]graph.PendingWrite, error) {
	data, err := c.Get(ctx, s.writesKey(cfg, cfg.CheckpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get writes: %w", err)
	}
	writes, err := graph.DecodePendingWrites(data)
	if err != nil {
		return nil, fmt.Errorf("decode writes: %w", err)
	}
	return writes, nil
}
