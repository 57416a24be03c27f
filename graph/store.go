//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
)

// ErrStoreKeyNotFound is returned by Store.Get for a missing key.
var ErrStoreKeyNotFound = errors.New("store: key not found")

// Store is a key-value store shared by every thread of a graph. Nodes reach
// it through GetStore. Unlike state it is not versioned or checkpointed.
type Store interface {
	// Get returns the value of key or ErrStoreKeyNotFound.
	Get(ctx context.Context, key string) (any, error)
	// Put stores a JSON-like value.
	Put(ctx context.Context, key string, value any) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Clear removes every key.
	Clear(ctx context.Context) error
}
