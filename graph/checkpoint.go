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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

// CheckpointVersion is the current checkpoint format version.
const CheckpointVersion = 1

// CheckpointSource tells what produced a checkpoint.
type CheckpointSource string

// Checkpoint sources.
const (
	// CheckpointSourceInput is written when input enters a thread and when a
	// run pauses before a breakpoint.
	CheckpointSourceInput CheckpointSource = "input"
	// CheckpointSourceLoop is written after every completed superstep.
	CheckpointSourceLoop CheckpointSource = "loop"
	// CheckpointSourceUpdate is written by UpdateState and by resume edits.
	CheckpointSourceUpdate CheckpointSource = "update"
	// CheckpointSourceFork is written when a run branches off a non-head
	// checkpoint.
	CheckpointSourceFork CheckpointSource = "fork"
)

// TaskSpec is a node scheduled for the step following a checkpoint.
type TaskSpec struct {
	ID   string         `json:"id"`
	Node string         `json:"node"`
	Arg  map[string]any `json:"arg,omitempty"`
}

// Checkpoint is the durable form of a snapshot.
type Checkpoint struct {
	Version   int
	ID        string
	Timestamp time.Time
	Snapshot  Snapshot
	// Next lists the tasks of the step that follows this checkpoint.
	Next []TaskSpec
	// Extra keeps unknown wire fields for round-trips.
	Extra map[string]json.RawMessage
}

// NewCheckpoint creates a checkpoint with a fresh time-ordered id.
func NewCheckpoint(snapshot Snapshot, next []TaskSpec) *Checkpoint {
	return &Checkpoint{
		Version:   CheckpointVersion,
		ID:        newID(),
		Timestamp: time.Now().UTC(),
		Snapshot:  snapshot.Clone(),
		Next:      append([]TaskSpec(nil), next...),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NextNodes returns the node names of Next.
func (c *Checkpoint) NextNodes() []string {
	out := make([]string, 0, len(c.Next))
	for _, t := range c.Next {
		out = append(out, t.Node)
	}
	return out
}

// Copy returns a deep copy.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Snapshot = c.Snapshot.Clone()
	out.Next = make([]TaskSpec, len(c.Next))
	for i, t := range c.Next {
		out.Next[i] = TaskSpec{ID: t.ID, Node: t.Node, Arg: value.CopyMap(t.Arg)}
	}
	out.Extra = copyRaw(c.Extra)
	return &out
}

// CheckpointMetadata describes how a checkpoint was produced.
type CheckpointMetadata struct {
	Source CheckpointSource
	// Step is -1 for the input of a fresh thread.
	Step int
	// Node is the node the write is attributed to, for updates and single
	// creator steps.
	Node string
	// Creators lists the nodes whose writes produced the checkpoint.
	Creators []string
	Tags     map[string]any
	Extra    map[string]json.RawMessage
}

// NewCheckpointMetadata creates metadata for the given source and step.
func NewCheckpointMetadata(source CheckpointSource, step int) *CheckpointMetadata {
	return &CheckpointMetadata{Source: source, Step: step, Tags: make(map[string]any)}
}

// Copy returns a deep copy.
func (m *CheckpointMetadata) Copy() *CheckpointMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Creators = append([]string(nil), m.Creators...)
	out.Tags = value.CopyMap(m.Tags)
	out.Extra = copyRaw(m.Extra)
	return &out
}

// PendingWrite is a write recorded for an in-flight superstep.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
	Seq     int
}

// CheckpointConfig addresses a thread, and optionally a checkpoint, inside a
// namespace. Subgraphs use the namespace of their parent node.
type CheckpointConfig struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Namespace    string `json:"checkpoint_ns,omitempty"`
}

// CreateCheckpointConfig builds a config.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) CheckpointConfig {
	return CheckpointConfig{ThreadID: threadID, CheckpointID: checkpointID, Namespace: namespace}
}

// WithCheckpointID returns a copy addressing the given checkpoint.
func (c CheckpointConfig) WithCheckpointID(id string) CheckpointConfig {
	c.CheckpointID = id
	return c
}

// CheckpointTuple bundles a checkpoint with its address, metadata and
// pending writes.
type CheckpointTuple struct {
	Config        CheckpointConfig
	ParentConfig  *CheckpointConfig
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	PendingWrites []PendingWrite
	Extra         map[string]json.RawMessage
}

// Copy returns a deep copy.
func (t *CheckpointTuple) Copy() *CheckpointTuple {
	if t == nil {
		return nil
	}
	out := &CheckpointTuple{
		Config:     t.Config,
		Checkpoint: t.Checkpoint.Copy(),
		Metadata:   t.Metadata.Copy(),
		Extra:      copyRaw(t.Extra),
	}
	if t.ParentConfig != nil {
		pc := *t.ParentConfig
		out.ParentConfig = &pc
	}
	out.PendingWrites = make([]PendingWrite, len(t.PendingWrites))
	for i, w := range t.PendingWrites {
		w.Value = value.Copy(w.Value)
		out.PendingWrites[i] = w
	}
	return out
}

// ParentID returns the parent checkpoint id, or "".
func (t *CheckpointTuple) ParentID() string {
	if t.ParentConfig == nil {
		return ""
	}
	return t.ParentConfig.CheckpointID
}

// ChannelWrites returns the pending writes that target state channels.
func (t *CheckpointTuple) ChannelWrites() []PendingWrite {
	var out []PendingWrite
	for _, w := range t.PendingWrites {
		if !isReservedChannel(w.Channel) {
			out = append(out, w)
		}
	}
	return out
}

// PutRequest is the input of CheckpointSaver.Put. Config.CheckpointID holds
// the parent checkpoint id.
type PutRequest struct {
	Config      CheckpointConfig
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest is the input of CheckpointSaver.PutWrites.
type PutWritesRequest struct {
	Config CheckpointConfig
	TaskID string
	Writes []PendingWrite
}

// Tuple validates the request and returns the tuple a saver stores for it.
// Config.CheckpointID of the request becomes the parent.
func (r PutRequest) Tuple() (*CheckpointTuple, error) {
	if r.Config.ThreadID == "" {
		return nil, ErrThreadIDRequired
	}
	if r.Checkpoint == nil || r.Checkpoint.ID == "" {
		return nil, errors.New("checkpoint with an id is required")
	}
	t := &CheckpointTuple{
		Config:     CheckpointConfig{ThreadID: r.Config.ThreadID, Namespace: r.Config.Namespace, CheckpointID: r.Checkpoint.ID},
		Checkpoint: r.Checkpoint.Copy(),
		Metadata:   r.Metadata.Copy(),
	}
	if t.Metadata == nil {
		t.Metadata = NewCheckpointMetadata(CheckpointSourceLoop, 0)
	}
	if r.Config.CheckpointID != "" {
		pc := r.Config
		t.ParentConfig = &pc
	}
	return t, nil
}

// SameContent reports whether two stored tuples carry the same checkpoint,
// ignoring pending writes. Savers use it to tell a retried Put from a
// conflicting one.
func SameContent(a, b *CheckpointTuple) bool {
	ea, err := EncodeCheckpointTuple(&CheckpointTuple{Config: a.Config, ParentConfig: a.ParentConfig, Checkpoint: a.Checkpoint, Metadata: a.Metadata})
	if err != nil {
		return false
	}
	eb, err := EncodeCheckpointTuple(&CheckpointTuple{Config: b.Config, ParentConfig: b.ParentConfig, Checkpoint: b.Checkpoint, Metadata: b.Metadata})
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// ReplaceTaskWrites returns existing with the writes of taskID replaced by
// writes. The task keeps its position when it already had writes. Seq is
// renumbered in list order.
func ReplaceTaskWrites(existing []PendingWrite, taskID string, writes []PendingWrite) []PendingWrite {
	out := make([]PendingWrite, 0, len(existing)+len(writes))
	placed := false
	for _, w := range existing {
		if w.TaskID != taskID {
			out = append(out, w)
			continue
		}
		if !placed {
			out = appendTaskWrites(out, taskID, writes)
			placed = true
		}
	}
	if !placed {
		out = appendTaskWrites(out, taskID, writes)
	}
	for i := range out {
		out[i].Seq = i
	}
	return out
}

func appendTaskWrites(out []PendingWrite, taskID string, writes []PendingWrite) []PendingWrite {
	for _, w := range writes {
		w.TaskID = taskID
		w.Value = value.Copy(w.Value)
		out = append(out, w)
	}
	return out
}

// CheckpointSaver persists checkpoint tuples. Implementations must be safe
// for concurrent use.
type CheckpointSaver interface {
	// GetTuple returns the checkpoint named by config, or the latest of the
	// thread when no checkpoint id is set. It returns nil, nil for an empty
	// thread and ErrCheckpointNotFound for an unknown checkpoint id.
	GetTuple(ctx context.Context, config CheckpointConfig) (*CheckpointTuple, error)
	// List returns checkpoints of the thread newest first.
	List(ctx context.Context, config CheckpointConfig, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns its config. Repeating a Put for the
	// same id and content is a no-op; different content yields
	// ErrCheckpointConflict.
	Put(ctx context.Context, req PutRequest) (CheckpointConfig, error)
	// PutWrites records the writes of one task against a checkpoint,
	// replacing earlier writes of the same task.
	PutWrites(ctx context.Context, req PutWritesRequest) error
}

// ThreadDeleter is implemented by savers able to drop a whole thread.
type ThreadDeleter interface {
	DeleteThread(ctx context.Context, threadID string) error
}

// CheckpointFilter narrows List results. Zero fields do not filter.
type CheckpointFilter struct {
	Source  CheckpointSource
	MinStep *int
	MaxStep *int
	// Node matches the metadata node or any creator.
	Node string
	// Metadata matches tag equality.
	Metadata map[string]any
	// Before keeps checkpoints older than the given checkpoint id.
	Before string
	Limit  int
}

// StepRange returns a filter for steps in [min, max].
func StepRange(minStep, maxStep int) *CheckpointFilter {
	return &CheckpointFilter{MinStep: &minStep, MaxStep: &maxStep}
}

// Match reports whether the metadata of t passes the filter. Before and
// Limit are applied by ApplyFilter.
func (f *CheckpointFilter) Match(t *CheckpointTuple) bool {
	if f == nil {
		return true
	}
	m := t.Metadata
	if m == nil {
		m = &CheckpointMetadata{}
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if f.MinStep != nil && m.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && m.Step > *f.MaxStep {
		return false
	}
	if f.Node != "" && m.Node != f.Node {
		found := false
		for _, c := range m.Creators {
			if c == f.Node {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range f.Metadata {
		got, ok := m.Tags[k]
		if !ok || !value.Equal(got, want) {
			return false
		}
	}
	return true
}

// SortTuples orders tuples newest first.
func SortTuples(tuples []*CheckpointTuple) {
	sort.SliceStable(tuples, func(i, j int) bool {
		a, b := tuples[i].Checkpoint, tuples[j].Checkpoint
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID > b.ID
	})
}

// ApplyFilter sorts tuples newest first and applies every filter field.
// Savers that cannot push filtering down to their backend use it.
func ApplyFilter(tuples []*CheckpointTuple, f *CheckpointFilter) []*CheckpointTuple {
	SortTuples(tuples)
	var before *Checkpoint
	if f != nil && f.Before != "" {
		for _, t := range tuples {
			if t.Checkpoint.ID == f.Before {
				before = t.Checkpoint
				break
			}
		}
	}
	out := make([]*CheckpointTuple, 0, len(tuples))
	for _, t := range tuples {
		if f != nil && f.Before != "" {
			if before == nil {
				if t.Checkpoint.ID >= f.Before {
					continue
				}
			} else if !t.Checkpoint.Timestamp.Before(before.Timestamp) &&
				!(t.Checkpoint.Timestamp.Equal(before.Timestamp) && t.Checkpoint.ID < before.ID) {
				continue
			}
		}
		if !f.Match(t) {
			continue
		}
		out = append(out, t)
		if f != nil && f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func copyRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
