//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel implements the state slots that accumulate node writes
// within a superstep.
package channel

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// Type represents the type of channel behavior.
type Type int

const (
	// TypeLastValue keeps the last value written in a step.
	TypeLastValue Type = iota
	// TypeReducer folds every write into the current value with a binary reducer.
	TypeReducer
	// TypeEphemeral keeps the last value written in a step and resets to the
	// default at the next step boundary.
	TypeEphemeral
	// TypeTopic collects the writes of a step into a list. With Accumulate
	// the list grows across steps, otherwise it holds one step only.
	TypeTopic
	// TypeBarrier records which of Names have written. It is available once
	// all of them have and stays so until consumed.
	TypeBarrier
)

// String returns the name of the channel type.
func (t Type) String() string {
	switch t {
	case TypeLastValue:
		return "last_value"
	case TypeReducer:
		return "reducer"
	case TypeEphemeral:
		return "ephemeral"
	case TypeTopic:
		return "topic"
	case TypeBarrier:
		return "barrier"
	}
	return fmt.Sprintf("channel_type(%d)", int(t))
}

// Reducer folds one incoming write into the accumulated value.
// It must not mutate its arguments.
type Reducer func(acc, update any) (any, error)

var (
	// ErrEmptyWrite is returned when Write receives no values.
	ErrEmptyWrite = errors.New("channel: empty write")
	// ErrTypeMismatch is returned when a write does not match the declared type.
	ErrTypeMismatch = errors.New("channel: type mismatch")
	// ErrUnexpectedName is returned when a barrier receives a name it does
	// not wait for.
	ErrUnexpectedName = errors.New("channel: unexpected barrier name")
)

// Overwrite replaces the accumulated value of a channel instead of folding
// into it. Writes after it in the same step fold on top of Value.
type Overwrite struct {
	Value any
}

// WriteError describes a write rejected by a channel.
type WriteError struct {
	Channel string
	Value   any
	Err     error
}

// Error implements error.
func (e *WriteError) Error() string {
	return fmt.Sprintf("channel %q rejected write %v: %v", e.Channel, e.Value, e.Err)
}

// Unwrap returns the underlying cause.
func (e *WriteError) Unwrap() error { return e.Err }

// Spec declares how a channel behaves.
type Spec struct {
	Type      Type
	Reducer   Reducer
	Default   func() any
	ValueType reflect.Type
	// Accumulate keeps topic values across steps.
	Accumulate bool
	// Names lists the writers a barrier waits for.
	Names []string
}

// Channel is a named slot holding a value and its version.
type Channel struct {
	name    string
	spec    Spec
	value   any
	version int64
}

// New creates a channel holding its default value at version 0.
func New(name string, spec Spec) *Channel {
	c := &Channel{name: name, spec: spec}
	c.value = c.Default()
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Type returns the channel type.
func (c *Channel) Type() Type { return c.spec.Type }

// Default returns a fresh default value.
func (c *Channel) Default() any {
	if c.spec.Default != nil {
		return c.spec.Default()
	}
	switch c.spec.Type {
	case TypeTopic, TypeBarrier:
		return []any{}
	}
	return nil
}

// Read returns the current value.
func (c *Channel) Read() any { return c.value }

// Version returns the current version.
func (c *Channel) Version() int64 { return c.version }

// Restore sets the value and version, typically from a checkpoint.
func (c *Channel) Restore(v any, version int64) {
	c.value = v
	c.version = version
}

// Write applies the writes collected for one step, in order, and returns the
// new value and version. The version only advances when the value changes.
// A rejected write leaves the channel untouched.
func (c *Channel) Write(writes []any) (any, int64, error) {
	if len(writes) == 0 {
		return c.value, c.version, ErrEmptyWrite
	}
	for _, w := range writes {
		if ow, ok := w.(Overwrite); ok {
			w = ow.Value
		}
		if err := c.checkType(w); err != nil {
			return c.value, c.version, err
		}
	}
	var (
		next any
		err  error
	)
	switch c.spec.Type {
	case TypeReducer:
		next, err = c.fold(writes)
	case TypeTopic:
		next = c.collect(writes)
	case TypeBarrier:
		next, err = c.mark(writes)
	default:
		last := writes[len(writes)-1]
		if ow, ok := last.(Overwrite); ok {
			last = ow.Value
		}
		next = last
	}
	if err != nil {
		return c.value, c.version, err
	}
	if !value.Equal(c.value, next) {
		c.value = next
		c.version++
	}
	return c.value, c.version, nil
}

func (c *Channel) fold(writes []any) (any, error) {
	acc := value.Copy(c.value)
	for _, w := range writes {
		if ow, ok := w.(Overwrite); ok {
			acc = value.Copy(ow.Value)
			continue
		}
		if c.spec.Reducer == nil {
			acc = w
			continue
		}
		r, err := c.spec.Reducer(acc, w)
		if err != nil {
			return nil, &WriteError{Channel: c.name, Value: w, Err: err}
		}
		acc = r
	}
	return acc, nil
}

func (c *Channel) collect(writes []any) any {
	var out []any
	if c.spec.Accumulate {
		cur, _ := toList(c.value)
		out = append(out, cur...)
	}
	for _, w := range writes {
		if ow, ok := w.(Overwrite); ok {
			out = out[:0:0]
			w = ow.Value
		}
		if items, ok := toList(w); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, w)
	}
	if out == nil {
		out = []any{}
	}
	return out
}

func (c *Channel) mark(writes []any) (any, error) {
	seen := make(map[string]bool, len(c.spec.Names))
	cur, _ := toList(c.value)
	for _, v := range cur {
		if name, ok := v.(string); ok {
			seen[name] = true
		}
	}
	for _, w := range writes {
		if ow, ok := w.(Overwrite); ok {
			seen = make(map[string]bool, len(c.spec.Names))
			w = ow.Value
		}
		names, ok := toList(w)
		if !ok {
			names = []any{w}
		}
		for _, n := range names {
			name, _ := n.(string)
			if !c.expects(name) {
				return nil, &WriteError{Channel: c.name, Value: n, Err: ErrUnexpectedName}
			}
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	list := make([]any, len(out))
	for i, name := range out {
		list[i] = name
	}
	return list, nil
}

func (c *Channel) expects(name string) bool {
	for _, n := range c.spec.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Available reports whether a barrier has heard from every name it waits
// for. Other channel types are always available.
func (c *Channel) Available() bool {
	if c.spec.Type != TypeBarrier {
		return true
	}
	cur, _ := toList(c.value)
	seen := make(map[string]bool, len(cur))
	for _, v := range cur {
		if name, ok := v.(string); ok && c.expects(name) {
			seen[name] = true
		}
	}
	return len(seen) == len(uniq(c.spec.Names))
}

// Consume clears a barrier after it fired and reports whether the value
// changed.
func (c *Channel) Consume() bool {
	if c.spec.Type != TypeBarrier {
		return false
	}
	return c.resetToDefault()
}

// Reset returns an ephemeral channel to its default at a step boundary and
// reports whether the value changed. Other channel types are unaffected.
func (c *Channel) Reset() bool {
	switch {
	case c.spec.Type == TypeEphemeral:
	case c.spec.Type == TypeTopic && !c.spec.Accumulate:
	default:
		return false
	}
	return c.resetToDefault()
}

func (c *Channel) resetToDefault() bool {
	def := c.Default()
	if value.Equal(c.value, def) {
		return false
	}
	c.value = def
	c.version++
	return true
}

func (c *Channel) checkType(w any) error {
	if c.spec.ValueType == nil || w == nil {
		return nil
	}
	if c.spec.Type == TypeTopic {
		if items, ok := toList(w); ok {
			for _, it := range items {
				if err := c.checkType(it); err != nil {
					return err
				}
			}
			return nil
		}
	}
	got := reflect.TypeOf(w)
	if got.AssignableTo(c.spec.ValueType) {
		return nil
	}
	if isNumeric(got.Kind()) && isNumeric(c.spec.ValueType.Kind()) {
		return nil
	}
	return &WriteError{
		Channel: c.name,
		Value:   w,
		Err:     fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, c.spec.ValueType, got),
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Set is an ordered collection of channels built from specs.
type Set struct {
	channels map[string]*Channel
	names    []string
}

// NewSet creates channels for every spec, sorted by name.
func NewSet(specs map[string]Spec) *Set {
	s := &Set{channels: make(map[string]*Channel, len(specs))}
	for name, spec := range specs {
		s.channels[name] = New(name, spec)
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

// Get returns the named channel.
func (s *Set) Get(name string) (*Channel, bool) {
	c, ok := s.channels[name]
	return c, ok
}

// Names returns channel names in sorted order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// toList returns the elements of any non-byte slice.
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

func uniq(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
