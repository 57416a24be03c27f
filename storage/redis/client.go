//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package redis builds the go-redis clients shared by the redis checkpoint
// saver and the redis store, and keeps a registry of named instances.
package redis

import (
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrEmptyURL is returned by the default builder when no url is set.
var ErrEmptyURL = errors.New("redis: url is empty")

// ClientBuilder creates a redis client from builder options.
type ClientBuilder func(opts ...ClientBuilderOpt) (redis.UniversalClient, error)

var (
	builderMu     sync.RWMutex
	clientBuilder ClientBuilder = DefaultClientBuilder
)

// SetClientBuilder replaces the builder used by every redis backed
// component. Tests use it to point components at a fake server.
func SetClientBuilder(builder ClientBuilder) {
	builderMu.Lock()
	defer builderMu.Unlock()
	clientBuilder = builder
}

// GetClientBuilder returns the current builder.
func GetClientBuilder() ClientBuilder {
	builderMu.RLock()
	defer builderMu.RUnlock()
	return clientBuilder
}

// DefaultClientBuilder parses the url option and creates a universal
// client.
//
// url: redis://<username>:<password>@<host>:<port>/<db>?<options>
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.URL == "" {
		return nil, ErrEmptyURL
	}
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}
	universalOpts := &redis.UniversalOptions{
		Addrs:                 []string{opts.Addr},
		DB:                    opts.DB,
		Username:              opts.Username,
		Password:              opts.Password,
		Protocol:              opts.Protocol,
		ClientName:            opts.ClientName,
		TLSConfig:             opts.TLSConfig,
		MaxRetries:            opts.MaxRetries,
		MinRetryBackoff:       opts.MinRetryBackoff,
		MaxRetryBackoff:       opts.MaxRetryBackoff,
		DialTimeout:           opts.DialTimeout,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		ContextTimeoutEnabled: opts.ContextTimeoutEnabled,
		PoolFIFO:              opts.PoolFIFO,
		PoolSize:              opts.PoolSize,
		PoolTimeout:           opts.PoolTimeout,
		MinIdleConns:          opts.MinIdleConns,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxActiveConns:        opts.MaxActiveConns,
		ConnMaxIdleTime:       opts.ConnMaxIdleTime,
		ConnMaxLifetime:       opts.ConnMaxLifetime,
	}
	return redis.NewUniversalClient(universalOpts), nil
}

// ClientBuilderOpt configures a client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts holds the client settings.
type ClientBuilderOpts struct {
	URL string
	// ExtraOptions are passed through to custom builders.
	ExtraOptions []any
}

// WithClientBuilderURL sets the redis url.
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) {
		o.URL = url
	}
}

// WithExtraOptions appends options for custom builders.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(o *ClientBuilderOpts) {
		o.ExtraOptions = append(o.ExtraOptions, extraOptions...)
	}
}

// NewClient resolves the client of a component: url wins over instance
// name, and an instance name must be registered.
func NewClient(url, instanceName string, extra ...any) (redis.UniversalClient, error) {
	builderOpts := []ClientBuilderOpt{WithClientBuilderURL(url), WithExtraOptions(extra...)}
	if url == "" && instanceName != "" {
		var ok bool
		if builderOpts, ok = GetRedisInstance(instanceName); !ok {
			return nil, fmt.Errorf("redis instance %s not found", instanceName)
		}
	}
	client, err := GetClientBuilder()(builderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return client, nil
}
