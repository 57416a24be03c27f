//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package storetest holds the behavior every graph.Store must show.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// Run runs the store contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) graph.Store) {
	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, graph.ErrStoreKeyNotFound)

		v := map[string]any{"count": int64(3), "tags": []any{"a", "b"}, "ok": true, "ratio": 0.5}
		require.NoError(t, s.Put(ctx, "user:1", v))
		got, err := s.Get(ctx, "user:1")
		require.NoError(t, err)
		assert.Equal(t, v, got)

		require.NoError(t, s.Put(ctx, "user:1", "replaced"))
		got, err = s.Get(ctx, "user:1")
		require.NoError(t, err)
		assert.Equal(t, "replaced", got)
	})

	t.Run("ExistsDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "k", int64(1)))

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))
		ok, err = s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ListClear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"b:2", "a:1", "b:1", "c"} {
			require.NoError(t, s.Put(ctx, k, k))
		}
		keys, err := s.List(ctx, "b:")
		require.NoError(t, err)
		assert.Equal(t, []string{"b:1", "b:2"}, keys)

		keys, err = s.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a:1", "b:1", "b:2", "c"}, keys)

		require.NoError(t, s.Clear(ctx))
		keys, err = s.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("Isolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := map[string]any{"list": []any{"x"}}
		require.NoError(t, s.Put(ctx, "k", in))
		in["list"] = []any{"mutated"}

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"list": []any{"x"}}, got)
	})
}
