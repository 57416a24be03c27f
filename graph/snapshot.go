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
	"sort"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// Snapshot is an immutable view of every channel value and version.
// The version map always has exactly the keys of the value map.
type Snapshot struct {
	Values   State            `json:"values"`
	Versions map[string]int64 `json:"versions"`
}

// NewSnapshot returns the snapshot holding every channel's default at
// version 0.
func NewSnapshot(schema *StateSchema) Snapshot {
	s := Snapshot{Values: schema.Defaults()}
	s.Versions = make(map[string]int64, len(s.Values))
	for name := range s.Values {
		s.Versions[name] = 0
	}
	return s
}

// Get returns the value of a channel.
func (s Snapshot) Get(ch string) (any, bool) {
	v, ok := s.Values[ch]
	return v, ok
}

// Version returns the version of a channel.
func (s Snapshot) Version(ch string) int64 {
	return s.Versions[ch]
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Values:   s.Values.Clone(),
		Versions: make(map[string]int64, len(s.Versions)),
	}
	for k, v := range s.Versions {
		out.Versions[k] = v
	}
	return out
}

// Apply folds the writes of one step into a new snapshot. Each listed channel
// receives its writes in the given order through its reducer exactly once.
// Ephemeral channels that receive no write are reset to their default. Only
// channels whose value changes get a new version; their names are returned
// in sorted order. The receiver is never modified.
func (s Snapshot) Apply(schema *StateSchema, writes map[string][]any) (Snapshot, []string, error) {
	return s.apply(schema, writes, true)
}

// update folds writes that do not end a step, such as input or a state
// edit. Ephemeral channels keep their value unless written.
func (s Snapshot) update(schema *StateSchema, writes map[string][]any) (Snapshot, []string, error) {
	for name := range writes {
		if isJoinChannel(name) {
			return s, nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("write to reserved channel %q", name))
		}
	}
	return s.apply(schema, writes, false)
}

func (s Snapshot) apply(schema *StateSchema, writes map[string][]any, endStep bool) (Snapshot, []string, error) {
	set := channel.NewSet(schema.channelSpecs())
	for _, name := range set.Names() {
		ch, _ := set.Get(name)
		if v, ok := s.Values[name]; ok {
			ch.Restore(value.Copy(v), s.Versions[name])
		}
	}

	names := make([]string, 0, len(writes))
	for name := range writes {
		if _, ok := set.Get(name); !ok {
			return s, nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("write to undeclared channel %q", name))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	next := s.Clone()
	var changed []string
	for _, name := range set.Names() {
		ch, _ := set.Get(name)
		before := ch.Version()
		if ws, ok := writes[name]; ok && len(ws) > 0 {
			v, ver, err := ch.Write(ws)
			if err != nil {
				return s, nil, reducerError(err)
			}
			next.Values[name] = v
			next.Versions[name] = ver
		} else if endStep && ch.Reset() {
			next.Values[name] = ch.Read()
			next.Versions[name] = ch.Version()
		} else if _, ok := next.Values[name]; !ok {
			next.Values[name] = ch.Read()
			next.Versions[name] = ch.Version()
		}
		if next.Versions[name] != before {
			changed = append(changed, name)
		}
	}
	return next, changed, nil
}

// consume clears the barrier channels that fired and returns the channels
// whose version changed, merged into changed.
func (s Snapshot) consume(schema *StateSchema, barriers []string, changed []string) (Snapshot, []string) {
	set := channel.NewSet(schema.channelSpecs())
	next := s.Clone()
	for _, name := range barriers {
		ch, ok := set.Get(name)
		if !ok {
			continue
		}
		ch.Restore(value.Copy(s.Values[name]), s.Versions[name])
		if !ch.Consume() {
			continue
		}
		next.Values[name] = ch.Read()
		next.Versions[name] = ch.Version()
		if !containsString(changed, name) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return next, changed
}

// available reports whether the barrier channel name has heard from all of
// its sources.
func (s Snapshot) available(schema *StateSchema, name string) bool {
	set := channel.NewSet(schema.channelSpecs())
	ch, ok := set.Get(name)
	if !ok {
		return false
	}
	ch.Restore(s.Values[name], s.Versions[name])
	return ch.Available()
}

func reducerError(err error) error {
	var we *channel.WriteError
	if errors.As(err, &we) {
		return &Error{Kind: ErrorKindType, Channel: we.Channel, Err: err}
	}
	return newError(ErrorKindType, "", 0, err)
}

// Diff returns the channels whose value in other differs from s, with the
// values of other. Channels missing from other are reported as nil.
func (s Snapshot) Diff(other Snapshot) map[string]any {
	out := make(map[string]any)
	for k, v := range other.Values {
		old, ok := s.Values[k]
		if !ok || !value.Equal(old, v) {
			out[k] = v
		}
	}
	for k := range s.Values {
		if _, ok := other.Values[k]; !ok {
			out[k] = nil
		}
	}
	return out
}
