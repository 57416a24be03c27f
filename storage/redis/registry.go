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
	"sort"
	"sync"
)

var (
	registryMu    sync.RWMutex
	redisRegistry = make(map[string][]ClientBuilderOpt)
)

// RegisterRedisInstance registers a named instance. An existing instance of
// the same name is overwritten.
func RegisterRedisInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	redisRegistry[name] = opts
}

// GetRedisInstance returns a copy of the options of a named instance.
func GetRedisInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := redisRegistry[name]
	if !ok {
		return nil, false
	}
	out := make([]ClientBuilderOpt, len(opts))
	copy(out, opts)
	return out, true
}

// UnregisterRedisInstance removes a named instance.
func UnregisterRedisInstance(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(redisRegistry, name)
}

// ListRedisInstances returns the registered names in sorted order.
func ListRedisInstances() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(redisRegistry))
	for name := range redisRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
