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
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "graph:"

// Checkpoints never expire unless WithTTL sets a positive TTL.
var defaultOptions = Options{
	keyPrefix: defaultKeyPrefix,
}

// Options is the options for the redis checkpoint saver.
type Options struct {
	url          string
	instanceName string
	extraOptions []any
	client       redis.UniversalClient
	ttl          time.Duration
	keyPrefix    string
}

// Option is the option for the redis checkpoint saver.
type Option func(*Options)

// WithRedisClientURL creates a redis client from URL.
func WithRedisClientURL(url string) Option {
	return func(opts *Options) {
		opts.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
// WithRedisClientURL has higher priority when both are given.
func WithRedisInstance(instanceName string) Option {
	return func(opts *Options) {
		opts.instanceName = instanceName
	}
}

// WithRedisClient uses an existing client. It wins over url and instance.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(opts *Options) {
		opts.client = client
	}
}

// WithExtraOptions sets options passed to a custom client builder.
func WithExtraOptions(extraOptions ...any) Option {
	return func(opts *Options) {
		opts.extraOptions = append(opts.extraOptions, extraOptions...)
	}
}

// WithTTL sets the TTL of checkpoint data. Zero or a negative value keeps
// checkpoints until the thread is deleted.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		if ttl < 0 {
			ttl = 0
		}
		opts.ttl = ttl
	}
}

// WithKeyPrefix sets the prefix of every key.
func WithKeyPrefix(prefix string) Option {
	return func(opts *Options) {
		opts.keyPrefix = prefix
	}
}
