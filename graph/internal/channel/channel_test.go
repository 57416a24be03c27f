//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package channel

import (
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumReducer(acc, update any) (any, error) {
	a, _ := acc.(int)
	u, ok := update.(int)
	if !ok {
		return nil, errors.New("not an int")
	}
	return a + u, nil
}

func TestLastValueKeepsLastWrite(t *testing.T) {
	c := New("text", Spec{Type: TypeLastValue, Default: func() any { return "" }})
	assert.Equal(t, "", c.Read())
	assert.Equal(t, int64(0), c.Version())

	v, ver, err := c.Write([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, int64(1), ver)
}

func TestWriteSameValueKeepsVersion(t *testing.T) {
	c := New("text", Spec{Type: TypeLastValue})
	_, _, err := c.Write([]any{"x"})
	require.NoError(t, err)
	_, ver, err := c.Write([]any{"x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
}

func TestEmptyWrite(t *testing.T) {
	c := New("text", Spec{})
	_, _, err := c.Write(nil)
	assert.ErrorIs(t, err, ErrEmptyWrite)
}

func TestReducerFoldsInOrder(t *testing.T) {
	c := New("log", Spec{
		Type: TypeReducer,
		Reducer: func(acc, update any) (any, error) {
			s, _ := acc.(string)
			return s + update.(string), nil
		},
	})
	v, _, err := c.Write([]any{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestReducerRejectionLeavesChannelUntouched(t *testing.T) {
	c := New("counts", Spec{Type: TypeReducer, Reducer: sumReducer, Default: func() any { return 0 }})
	_, _, err := c.Write([]any{1, "bad"})
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "counts", we.Channel)
	assert.Equal(t, 0, c.Read())
	assert.Equal(t, int64(0), c.Version())
}

func TestReducerDoesNotMutatePreviousValue(t *testing.T) {
	appendReducer := func(acc, update any) (any, error) {
		list, _ := acc.([]any)
		return append(list, update), nil
	}
	c := New("items", Spec{Type: TypeReducer, Reducer: appendReducer})
	prev := make([]any, 1, 8)
	prev[0] = "a"
	c.Restore(prev, 1)

	_, _, err := c.Write([]any{"b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, prev)
	assert.Equal(t, []any{"a", "b"}, c.Read())
}

func TestTypeMismatch(t *testing.T) {
	c := New("n", Spec{ValueType: reflect.TypeOf(0)})
	_, _, err := c.Write([]any{"four"})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, _, err = c.Write([]any{int64(4)})
	assert.NoError(t, err, "numeric kinds are interchangeable")
}

func TestEphemeralReset(t *testing.T) {
	c := New("signal", Spec{Type: TypeEphemeral})
	_, ver, err := c.Write([]any{"go"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	assert.True(t, c.Reset())
	assert.Nil(t, c.Read())
	assert.Equal(t, int64(2), c.Version())
	assert.False(t, c.Reset())

	lv := New("text", Spec{Type: TypeLastValue})
	_, _, _ = lv.Write([]any{"x"})
	assert.False(t, lv.Reset())
}

func TestOverwriteReplacesAccumulator(t *testing.T) {
	c := New("counts", Spec{Type: TypeReducer, Reducer: sumReducer, Default: func() any { return 0 }})
	c.Restore(3, 1)

	v, ver, err := c.Write([]any{Overwrite{Value: 4}})
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	assert.Equal(t, int64(2), ver)

	v, _, err = c.Write([]any{Overwrite{Value: 10}, 2})
	require.NoError(t, err)
	assert.Equal(t, 12, v, "later writes fold on top of the overwrite")

	lv := New("text", Spec{Type: TypeLastValue, ValueType: reflect.TypeOf("")})
	v, _, err = lv.Write([]any{Overwrite{Value: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	_, _, err = lv.Write([]any{Overwrite{Value: 1}})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTopicCollectsOneStep(t *testing.T) {
	c := New("events", Spec{Type: TypeTopic})
	assert.Equal(t, []any{}, c.Read())

	v, ver, err := c.Write([]any{"a", []any{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
	assert.Equal(t, int64(1), ver)

	v, _, err = c.Write([]any{"d"})
	require.NoError(t, err)
	assert.Equal(t, []any{"d"}, v)

	assert.True(t, c.Reset())
	assert.Equal(t, []any{}, c.Read())
	assert.False(t, c.Reset())
}

func TestTopicAccumulates(t *testing.T) {
	c := New("events", Spec{Type: TypeTopic, Accumulate: true, ValueType: reflect.TypeOf("")})
	_, _, err := c.Write([]any{"a"})
	require.NoError(t, err)
	v, _, err := c.Write([]any{[]string{"b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
	assert.False(t, c.Reset())

	_, _, err = c.Write([]any{[]any{"d", 4}})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, []any{"a", "b", "c"}, c.Read())
}

func TestBarrierWaitsForEveryName(t *testing.T) {
	c := New("join", Spec{Type: TypeBarrier, Names: []string{"a", "b"}})
	assert.False(t, c.Available())

	v, _, err := c.Write([]any{"b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, v)
	assert.False(t, c.Available())

	_, ver, err := c.Write([]any{"b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver, "a repeated name changes nothing")

	v, _, err = c.Write([]any{"a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
	assert.True(t, c.Available())

	assert.True(t, c.Consume())
	assert.False(t, c.Available())
	assert.Equal(t, []any{}, c.Read())

	_, _, err = c.Write([]any{"z"})
	assert.ErrorIs(t, err, ErrUnexpectedName)
	assert.False(t, c.Reset(), "barriers survive step boundaries")
	assert.True(t, New("x", Spec{}).Available())
}

func TestSetSortedNames(t *testing.T) {
	s := NewSet(map[string]Spec{"b": {}, "a": {}, "c": {}})
	assert.Equal(t, []string{"a", "b", "c"}, s.Names())
	_, ok := s.Get("a")
	assert.True(t, ok)
	_, ok = s.Get("z")
	assert.False(t, ok)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "last_value", TypeLastValue.String())
	assert.Equal(t, "reducer", TypeReducer.String())
	assert.Equal(t, "ephemeral", TypeEphemeral.String())
	assert.Equal(t, "topic", TypeTopic.String())
	assert.Equal(t, "barrier", TypeBarrier.String())
	assert.Equal(t, "channel_type(9)", Type(9).String())
}

func TestProperty_VersionAdvancesIffValueChanges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum reducer versions", prop.ForAll(
		func(batches [][]int) bool {
			c := New("counts", Spec{Type: TypeReducer, Reducer: sumReducer, Default: func() any { return 0 }})
			for _, batch := range batches {
				if len(batch) == 0 {
					continue
				}
				before, beforeVer := c.Read(), c.Version()
				writes := make([]any, len(batch))
				for i, n := range batch {
					writes[i] = n
				}
				after, afterVer, err := c.Write(writes)
				if err != nil {
					return false
				}
				changed := before != after
				if changed && afterVer != beforeVer+1 {
					return false
				}
				if !changed && afterVer != beforeVer {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.SliceOf(gen.IntRange(-3, 3))),
	))

	properties.Property("last value equals final write", prop.ForAll(
		func(batch []string) bool {
			if len(batch) == 0 {
				return true
			}
			c := New("s", Spec{Type: TypeLastValue})
			writes := make([]any, len(batch))
			for i, s := range batch {
				writes[i] = s
			}
			v, _, err := c.Write(writes)
			return err == nil && v == batch[len(batch)-1]
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
