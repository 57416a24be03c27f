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
	"errors"
	"fmt"
	"math"
	"reflect"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// ErrReducerInput is returned by the built-in reducers when a write has a
// shape they cannot fold.
var ErrReducerInput = errors.New("reducer: unsupported input")

// DefaultReducer keeps the incoming value.
func DefaultReducer(_, update any) (any, error) {
	return update, nil
}

// SumReducer adds numbers. Integers stay int64 unless either side is a
// non-integral float.
func SumReducer(existing, update any) (any, error) {
	u, ok := value.Number(update)
	if !ok {
		return nil, fmt.Errorf("%w: sum of %T", ErrReducerInput, update)
	}
	var e float64
	if existing != nil {
		if e, ok = value.Number(existing); !ok {
			return nil, fmt.Errorf("%w: sum into %T", ErrReducerInput, existing)
		}
	}
	total := e + u
	if total == math.Trunc(total) && isIntegral(existing) && isIntegral(update) {
		return int64(total), nil
	}
	return total, nil
}

func isIntegral(v any) bool {
	if v == nil {
		return true
	}
	_, ok := value.Int(v)
	switch v.(type) {
	case float32, float64:
		return false
	}
	return ok
}

// AppendReducer appends the update to a list. A list update is appended
// element by element. The existing list is never modified in place.
func AppendReducer(existing, update any) (any, error) {
	var out []any
	if existing != nil {
		list, ok := toList(existing)
		if !ok {
			return nil, fmt.Errorf("%w: append into %T", ErrReducerInput, existing)
		}
		out = make([]any, 0, len(list)+1)
		out = append(out, list...)
	}
	if items, ok := toList(update); ok {
		return append(out, items...), nil
	}
	return append(out, update), nil
}

func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// MergeReducer shallow-merges map updates into the existing map. Keys in
// the update win.
func MergeReducer(existing, update any) (any, error) {
	u, ok := update.(map[string]any)
	if !ok {
		if s, isState := update.(State); isState {
			u = s
		} else {
			return nil, fmt.Errorf("%w: merge of %T", ErrReducerInput, update)
		}
	}
	out := make(map[string]any)
	if existing != nil {
		e, ok := existing.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: merge into %T", ErrReducerInput, existing)
		}
		for k, v := range e {
			out[k] = v
		}
	}
	for k, v := range u {
		out[k] = v
	}
	return out, nil
}
