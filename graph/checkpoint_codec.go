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
	"encoding/json"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// Wire field names of a serialized checkpoint tuple.
const (
	wireThreadID      = "thread_id"
	wireNamespace     = "checkpoint_ns"
	wireCheckpointID  = "checkpoint_id"
	wireParentID      = "parent_checkpoint_id"
	wireSnapshot      = "snapshot"
	wireMetadata      = "metadata"
	wirePendingWrites = "pending_writes"

	wireVersion  = "v"
	wireTS       = "ts"
	wireValues   = "values"
	wireVersions = "versions"
	wireNext     = "next"

	wireSource   = "source"
	wireStep     = "step"
	wireNode     = "node"
	wireCreators = "creators"
	wireTags     = "tags"
)

// EncodeCheckpointTuple serializes a tuple to its JSON wire form. Unknown
// fields read by DecodeCheckpointTuple are written back unchanged.
func EncodeCheckpointTuple(t *CheckpointTuple) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeCheckpointTuple parses the JSON wire form of a tuple. Integral
// numbers decode as int64.
func DecodeCheckpointTuple(data []byte) (*CheckpointTuple, error) {
	t := &CheckpointTuple{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// MarshalJSON implements json.Marshaler.
func (t *CheckpointTuple) MarshalJSON() ([]byte, error) {
	known := map[string]any{
		wireThreadID:     t.Config.ThreadID,
		wireCheckpointID: t.Config.CheckpointID,
		wireParentID:     t.ParentID(),
	}
	if t.Config.Namespace != "" {
		known[wireNamespace] = t.Config.Namespace
	}
	if t.Checkpoint != nil {
		known[wireSnapshot] = t.Checkpoint
	}
	if t.Metadata != nil {
		known[wireMetadata] = t.Metadata
	}
	writes := make([][3]any, 0, len(t.PendingWrites))
	for _, w := range t.PendingWrites {
		writes = append(writes, [3]any{w.TaskID, w.Channel, w.Value})
	}
	known[wirePendingWrites] = writes
	return marshalWithExtra(known, t.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *CheckpointTuple) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	*t = CheckpointTuple{}
	if err := takeField(fields, wireThreadID, &t.Config.ThreadID); err != nil {
		return err
	}
	if err := takeField(fields, wireCheckpointID, &t.Config.CheckpointID); err != nil {
		return err
	}
	if err := takeField(fields, wireNamespace, &t.Config.Namespace); err != nil {
		return err
	}
	var parentID string
	if err := takeField(fields, wireParentID, &parentID); err != nil {
		return err
	}
	if parentID != "" {
		t.ParentConfig = &CheckpointConfig{
			ThreadID:     t.Config.ThreadID,
			Namespace:    t.Config.Namespace,
			CheckpointID: parentID,
		}
	}
	if raw, ok := fields[wireSnapshot]; ok {
		delete(fields, wireSnapshot)
		t.Checkpoint = &Checkpoint{}
		if err := json.Unmarshal(raw, t.Checkpoint); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		t.Checkpoint.ID = t.Config.CheckpointID
	}
	if raw, ok := fields[wireMetadata]; ok {
		delete(fields, wireMetadata)
		t.Metadata = &CheckpointMetadata{}
		if err := json.Unmarshal(raw, t.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	if raw, ok := fields[wirePendingWrites]; ok {
		delete(fields, wirePendingWrites)
		writes, err := DecodePendingWrites(raw)
		if err != nil {
			return err
		}
		t.PendingWrites = writes
	}
	if len(fields) > 0 {
		t.Extra = fields
	}
	return nil
}

// EncodePendingWrites serializes writes as [[task_id, channel, value], ...].
func EncodePendingWrites(writes []PendingWrite) ([]byte, error) {
	out := make([][3]any, 0, len(writes))
	for _, w := range writes {
		out = append(out, [3]any{w.TaskID, w.Channel, w.Value})
	}
	return json.Marshal(out)
}

// DecodePendingWrites parses writes encoded by EncodePendingWrites. Seq is
// the position in the list.
func DecodePendingWrites(raw json.RawMessage) ([]PendingWrite, error) {
	var items [][]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("pending_writes: %w", err)
	}
	out := make([]PendingWrite, 0, len(items))
	for i, item := range items {
		if len(item) != 3 {
			return nil, fmt.Errorf("pending_writes[%d]: want 3 elements, got %d", i, len(item))
		}
		w := PendingWrite{Seq: i}
		if err := json.Unmarshal(item[0], &w.TaskID); err != nil {
			return nil, fmt.Errorf("pending_writes[%d] task_id: %w", i, err)
		}
		if err := json.Unmarshal(item[1], &w.Channel); err != nil {
			return nil, fmt.Errorf("pending_writes[%d] channel: %w", i, err)
		}
		if err := value.Unmarshal(item[2], &w.Value); err != nil {
			return nil, fmt.Errorf("pending_writes[%d] value: %w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	next := c.Next
	if next == nil {
		next = []TaskSpec{}
	}
	versions := c.Snapshot.Versions
	if versions == nil {
		versions = map[string]int64{}
	}
	values := c.Snapshot.Values
	if values == nil {
		values = State{}
	}
	known := map[string]any{
		wireVersion:  c.Version,
		wireTS:       c.Timestamp.UTC().Format(time.RFC3339Nano),
		wireValues:   map[string]any(values),
		wireVersions: versions,
		wireNext:     next,
	}
	return marshalWithExtra(known, c.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	*c = Checkpoint{}
	if err := takeField(fields, wireVersion, &c.Version); err != nil {
		return err
	}
	var ts string
	if err := takeField(fields, wireTS, &ts); err != nil {
		return err
	}
	if ts != "" {
		if c.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return fmt.Errorf("ts: %w", err)
		}
	}
	var values map[string]any
	if raw, ok := fields[wireValues]; ok {
		delete(fields, wireValues)
		if err := value.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("values: %w", err)
		}
	}
	c.Snapshot.Values = State(values)
	if c.Snapshot.Values == nil {
		c.Snapshot.Values = State{}
	}
	if err := takeField(fields, wireVersions, &c.Snapshot.Versions); err != nil {
		return err
	}
	if c.Snapshot.Versions == nil {
		c.Snapshot.Versions = map[string]int64{}
	}
	if raw, ok := fields[wireNext]; ok {
		delete(fields, wireNext)
		var next []struct {
			ID   string          `json:"id"`
			Node string          `json:"node"`
			Arg  json.RawMessage `json:"arg,omitempty"`
		}
		if err := json.Unmarshal(raw, &next); err != nil {
			return fmt.Errorf("next: %w", err)
		}
		for _, n := range next {
			spec := TaskSpec{ID: n.ID, Node: n.Node}
			if len(n.Arg) > 0 {
				if err := value.Unmarshal(n.Arg, &spec.Arg); err != nil {
					return fmt.Errorf("next arg: %w", err)
				}
			}
			c.Next = append(c.Next, spec)
		}
	}
	if len(fields) > 0 {
		c.Extra = fields
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m *CheckpointMetadata) MarshalJSON() ([]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = map[string]any{}
	}
	known := map[string]any{
		wireSource: m.Source,
		wireStep:   m.Step,
		wireTags:   tags,
	}
	if m.Node != "" {
		known[wireNode] = m.Node
	}
	if len(m.Creators) > 0 {
		known[wireCreators] = m.Creators
	}
	return marshalWithExtra(known, m.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *CheckpointMetadata) UnmarshalJSON(data []byte) error {
	fields, err := splitFields(data)
	if err != nil {
		return err
	}
	*m = CheckpointMetadata{}
	if err := takeField(fields, wireSource, &m.Source); err != nil {
		return err
	}
	if err := takeField(fields, wireStep, &m.Step); err != nil {
		return err
	}
	if err := takeField(fields, wireNode, &m.Node); err != nil {
		return err
	}
	if err := takeField(fields, wireCreators, &m.Creators); err != nil {
		return err
	}
	if raw, ok := fields[wireTags]; ok {
		delete(fields, wireTags)
		if err := value.Unmarshal(raw, &m.Tags); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
	}
	if m.Tags == nil {
		m.Tags = map[string]any{}
	}
	if len(fields) > 0 {
		m.Extra = fields
	}
	return nil
}

func marshalWithExtra(known map[string]any, extra map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(known)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range known {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

func takeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
