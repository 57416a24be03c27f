//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a graph.Store on redis string keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
	storage "trpc.group/trpc-go/trpc-graph-go/storage/redis"
)

const (
	defaultKeyPrefix = "graph:store:"
	scanCount        = 256
)

type options struct {
	url          string
	instanceName string
	extraOptions []any
	client       redis.UniversalClient
	keyPrefix    string
	ttl          time.Duration
}

// Option configures a Store.
type Option func(*options)

// WithRedisClientURL creates a redis client from URL.
func WithRedisClientURL(url string) Option {
	return func(o *options) { o.url = url }
}

// WithRedisInstance uses a redis instance registered in storage/redis.
func WithRedisInstance(instanceName string) Option {
	return func(o *options) { o.instanceName = instanceName }
}

// WithRedisClient uses an existing client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) { o.client = client }
}

// WithExtraOptions sets options passed to a custom client builder.
func WithExtraOptions(extraOptions ...any) Option {
	return func(o *options) { o.extraOptions = append(o.extraOptions, extraOptions...) }
}

// WithKeyPrefix sets the prefix of every key.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithTTL expires keys ttl after their last Put. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// Store keeps one JSON string per key.
type Store struct {
	opts   options
	client redis.UniversalClient
	once   sync.Once
}

var _ graph.Store = (*Store)(nil)

// NewStore creates a store.
func NewStore(opts ...Option) (*Store, error) {
	o := options{keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	client := o.client
	if client == nil {
		var err error
		if client, err = storage.NewClient(o.url, o.instanceName, o.extraOptions...); err != nil {
			return nil, err
		}
	}
	return &Store{opts: o, client: client}, nil
}

func (s *Store) key(k string) string { return s.opts.keyPrefix + k }

// Get returns the value of key.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, graph.ErrStoreKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", key, err)
	}
	var v any
	if err := value.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("store decode %s: %w", key, err)
	}
	return v, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.opts.ttl).Err(); err != nil {
		return fmt.Errorf("store put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("store exists %s: %w", key, err)
	}
	return n > 0, nil
}

// List returns the keys starting with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, s.opts.keyPrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every key under the store prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx, "")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store clear: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() { err = s.client.Close() })
	return err
}

func (s *Store) scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("store scan: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	// SCAN may return a key more than once.
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out, nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
