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
	"reflect"
	"sort"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// State is a map of channel name to value. Values are JSON-like: nil, bool,
// numbers, string, []any, map[string]any, or any type the schema declares.
type State map[string]any

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return State(value.CopyMap(s))
}

// Keys returns the state keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetStateValue returns the value stored under key when it has type T.
func GetStateValue[T any](state State, key string) (T, bool) {
	var zero T
	if state == nil {
		return zero, false
	}
	raw, ok := state[key]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// GetInt returns the value under key as an int when it holds an integral
// number of any Go numeric type.
func GetInt(state State, key string) (int, bool) {
	i, ok := value.Int(state[key])
	return int(i), ok
}

// StateReducer folds one incoming write into the current value of a channel.
// Reducers must be pure: they return a new value and never mutate existing.
type StateReducer func(existing, update any) (any, error)

// StateField declares one channel of the state.
type StateField struct {
	// Type, when set, is checked against every write. Numeric kinds are
	// interchangeable.
	Type reflect.Type
	// Reducer folds writes into the current value. Nil keeps the last write.
	Reducer StateReducer
	// Default produces the value a channel holds before its first write.
	Default func() any
	// Ephemeral channels reset to Default at every step boundary.
	Ephemeral bool
	// Topic channels collect every write of a step into a list. List writes
	// are flattened. The default is an empty list.
	Topic bool
	// Accumulate keeps topic values across steps instead of starting each
	// step empty.
	Accumulate bool
}

// StateSchema declares the channels of a graph.
type StateSchema struct {
	Fields map[string]StateField

	// joins maps the barrier channel of each join edge to its sources.
	joins map[string][]string
}

// NewStateSchema creates an empty schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField declares a channel.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.Fields[name] = field
	return s
}

// Field returns the declaration of a channel.
func (s *StateSchema) Field(name string) (StateField, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// Names returns the declared channels in sorted order.
func (s *StateSchema) Names() []string {
	names := make([]string, 0, len(s.Fields))
	for n := range s.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Defaults returns a state holding every channel's default value.
func (s *StateSchema) Defaults() State {
	out := make(State, len(s.Fields)+len(s.joins))
	for name, f := range s.Fields {
		switch {
		case f.Default != nil:
			out[name] = f.Default()
		case f.Topic:
			out[name] = []any{}
		default:
			out[name] = nil
		}
	}
	for name := range s.joins {
		out[name] = []any{}
	}
	return out
}

// withJoins returns a copy of the schema that also holds the barrier
// channels of joins.
func (s *StateSchema) withJoins(joins []JoinEdge) *StateSchema {
	if len(joins) == 0 {
		return s
	}
	out := &StateSchema{Fields: s.Fields, joins: make(map[string][]string, len(joins))}
	for _, j := range joins {
		out.joins[j.channel()] = append([]string(nil), j.From...)
	}
	return out
}

func (s *StateSchema) channelSpecs() map[string]channel.Spec {
	specs := make(map[string]channel.Spec, len(s.Fields))
	for name, f := range s.Fields {
		spec := channel.Spec{
			Type:      channel.TypeLastValue,
			Default:   f.Default,
			ValueType: f.Type,
		}
		switch {
		case f.Topic:
			spec.Type = channel.TypeTopic
			spec.Accumulate = f.Accumulate
		case f.Ephemeral:
			spec.Type = channel.TypeEphemeral
		case f.Reducer != nil:
			spec.Type = channel.TypeReducer
			spec.Reducer = channel.Reducer(f.Reducer)
		}
		specs[name] = spec
	}
	for name, from := range s.joins {
		specs[name] = channel.Spec{Type: channel.TypeBarrier, Names: from}
	}
	return specs
}
