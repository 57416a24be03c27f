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
	"fmt"
	"sort"
	"time"
)

// ThreadStatus is the state of a thread as observed from its checkpoint.
type ThreadStatus string

// Thread statuses.
const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusPending     ThreadStatus = "pending"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
	ThreadStatusCompleted   ThreadStatus = "completed"
	ThreadStatusFailed      ThreadStatus = "failed"
)

// StateSnapshot is a checkpoint seen from the caller: its values, the tasks
// it would run next and the interrupts waiting for a resume.
type StateSnapshot struct {
	Values       State
	Versions     map[string]int64
	Next         []string
	Tasks        []TaskSpec
	Config       CheckpointConfig
	ParentConfig *CheckpointConfig
	Metadata     *CheckpointMetadata
	CreatedAt    time.Time
	Interrupts   []InterruptPayload
	Status       ThreadStatus
}

func snapshotFromTuple(t *CheckpointTuple) *StateSnapshot {
	t = t.Copy()
	s := &StateSnapshot{
		Values:       publicValues(t.Checkpoint.Snapshot.Values),
		Versions:     publicVersions(t.Checkpoint.Snapshot.Versions),
		Next:         t.Checkpoint.NextNodes(),
		Tasks:        t.Checkpoint.Next,
		Config:       t.Config,
		ParentConfig: t.ParentConfig,
		Metadata:     t.Metadata,
		CreatedAt:    t.Checkpoint.Timestamp,
	}
	failed := false
	for _, w := range t.PendingWrites {
		switch w.Channel {
		case ChannelInterrupt:
			if rec, ok := interruptRecordFrom(w.Value); ok {
				s.Interrupts = append(s.Interrupts, rec.Payload)
			}
		case ChannelError:
			failed = true
		}
	}
	if t.Metadata != nil {
		if st, _ := t.Metadata.Tags[TagStatus].(string); st == StatusFailed {
			failed = true
		}
		if _, ok := t.Metadata.Tags[TagError]; ok {
			failed = true
		}
	}
	switch {
	case len(s.Interrupts) > 0:
		s.Status = ThreadStatusInterrupted
	case failed:
		s.Status = ThreadStatusFailed
	case len(s.Next) == 0:
		s.Status = ThreadStatusCompleted
	default:
		s.Status = ThreadStatusPending
	}
	return s
}

func (g *Graph) requireSaver() (CheckpointSaver, error) {
	if g.opts.saver == nil {
		return nil, newError(ErrorKindConfig, "", 0, errors.New("checkpoint saver is not configured"))
	}
	return g.opts.saver, nil
}

// GetState returns the checkpoint cfg names, or the thread head when
// cfg.CheckpointID is empty. An empty thread yields an idle snapshot.
func (g *Graph) GetState(ctx context.Context, cfg CheckpointConfig) (*StateSnapshot, error) {
	saver, err := g.requireSaver()
	if err != nil {
		return nil, err
	}
	if cfg.ThreadID == "" {
		return nil, newError(ErrorKindConfig, "", 0, ErrThreadIDRequired)
	}
	t, err := saver.GetTuple(ctx, cfg)
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		return nil, newError(ErrorKindConfig, "", 0, err)
	case err != nil:
		return nil, newError(ErrorKindSaver, "", 0, err)
	case t == nil && cfg.CheckpointID != "":
		return nil, newError(ErrorKindConfig, "", 0, ErrCheckpointNotFound)
	case t == nil:
		snap := NewSnapshot(g.channels)
		return &StateSnapshot{
			Values:   publicValues(snap.Values),
			Versions: publicVersions(snap.Versions),
			Config:   cfg,
			Status:   ThreadStatusIdle,
		}, nil
	}
	return snapshotFromTuple(t), nil
}

// History returns the checkpoints of the thread newest first, every lineage
// included.
func (g *Graph) History(ctx context.Context, cfg CheckpointConfig, filter *CheckpointFilter) ([]*StateSnapshot, error) {
	saver, err := g.requireSaver()
	if err != nil {
		return nil, err
	}
	if cfg.ThreadID == "" {
		return nil, newError(ErrorKindConfig, "", 0, ErrThreadIDRequired)
	}
	cfg.CheckpointID = ""
	tuples, err := saver.List(ctx, cfg, filter)
	if err != nil {
		return nil, newError(ErrorKindSaver, "", 0, fmt.Errorf("list checkpoints: %w", err))
	}
	out := make([]*StateSnapshot, 0, len(tuples))
	for _, t := range tuples {
		if t == nil || t.Checkpoint == nil {
			continue
		}
		out = append(out, snapshotFromTuple(t))
	}
	return out, nil
}

// UpdateState writes values into the checkpoint cfg names, or the thread
// head, through the channel reducers as if asNode had produced them. The new
// checkpoint has source update and branches from the base. With asNode set,
// the next tasks are the routes of asNode on the updated state; otherwise
// the pending tasks, completed writes and interrupts of the base carry over.
func (g *Graph) UpdateState(ctx context.Context, cfg CheckpointConfig, values State, asNode string) (CheckpointConfig, error) {
	saver, err := g.requireSaver()
	if err != nil {
		return CheckpointConfig{}, err
	}
	if cfg.ThreadID == "" {
		return CheckpointConfig{}, newError(ErrorKindConfig, "", 0, ErrThreadIDRequired)
	}
	if asNode != "" {
		if _, ok := g.nodes[asNode]; !ok {
			return CheckpointConfig{}, newError(ErrorKindConfig, asNode, 0, fmt.Errorf("unknown node %q", asNode))
		}
	}
	base, err := saver.GetTuple(ctx, cfg)
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		return CheckpointConfig{}, newError(ErrorKindConfig, "", 0, err)
	case err != nil:
		return CheckpointConfig{}, newError(ErrorKindSaver, "", 0, err)
	case base == nil && cfg.CheckpointID != "":
		return CheckpointConfig{}, newError(ErrorKindConfig, "", 0, ErrCheckpointNotFound)
	}

	e := &executor{
		g:     g,
		req:   &runRequest{threadID: cfg.ThreadID, namespace: cfg.Namespace, saver: saver},
		saver: saver,
		sink:  noopSink{},
		cfg:   CheckpointConfig{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace},
		step:  -1,
	}
	e.snapshot = NewSnapshot(g.channels)
	if base != nil {
		e.snapshot = base.Checkpoint.Snapshot.Clone()
		e.next = base.Checkpoint.Copy().Next
		e.step = base.Metadata.Step
		e.cfg = base.Config
	}
	next, changed, err := e.snapshot.update(g.channels, singleWrites(values))
	if err != nil {
		return CheckpointConfig{}, err
	}
	e.snapshot = next

	var creators []string
	if asNode != "" {
		creators = []string{asNode}
		targets, sends, err := e.route(ctx, asNode, nodeOutput{update: values}, next.Values)
		if err != nil {
			return CheckpointConfig{}, err
		}
		e.next = e.schedule(targets, sends)
		if containsString(targets, End) {
			e.next = nil
		}
	}
	keys := make([]any, 0, len(values))
	for _, k := range sortedKeys(values) {
		keys = append(keys, k)
	}
	if _, err := e.checkpoint(ctx, CheckpointSourceUpdate, e.step+1, asNode, creators, changed,
		map[string]any{TagUpdatedKeys: keys}); err != nil {
		return CheckpointConfig{}, err
	}
	if base != nil && asNode == "" {
		if err := e.carryWrites(ctx, base.PendingWrites); err != nil {
			return CheckpointConfig{}, err
		}
	}
	return e.cfg, nil
}

// carryWrites copies pending writes onto the current checkpoint, per task.
func (e *executor) carryWrites(ctx context.Context, writes []PendingWrite) error {
	byTask := make(map[string][]PendingWrite)
	for _, w := range writes {
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	ids := sortedKeys(byTask)
	for _, id := range ids {
		ws := byTask[id]
		sort.SliceStable(ws, func(i, j int) bool { return ws[i].Seq < ws[j].Seq })
		if err := e.putWrites(ctx, PutWritesRequest{Config: e.cfg, TaskID: id, Writes: ws}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteThread removes every checkpoint of the thread when the saver
// supports it.
func (g *Graph) DeleteThread(ctx context.Context, threadID string) error {
	saver, err := g.requireSaver()
	if err != nil {
		return err
	}
	d, ok := saver.(ThreadDeleter)
	if !ok {
		return newError(ErrorKindConfig, "", 0, fmt.Errorf("saver %T cannot delete threads", saver))
	}
	if err := d.DeleteThread(ctx, threadID); err != nil {
		return newError(ErrorKindSaver, "", 0, err)
	}
	return nil
}
