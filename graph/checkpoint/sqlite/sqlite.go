//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a database/sql checkpoint saver written for
// SQLite. The embedder opens the *sql.DB with the driver of its choice.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
)

const (
	defaultCheckpointsTable = "checkpoints"
	defaultWritesTable      = "checkpoint_writes"
)

// Option configures a Saver.
type Option func(*options)

type options struct {
	checkpointsTable string
	writesTable      string
	skipSchema       bool
}

// WithTablePrefix prefixes both table names.
func WithTablePrefix(prefix string) Option {
	return func(o *options) {
		o.checkpointsTable = prefix + defaultCheckpointsTable
		o.writesTable = prefix + defaultWritesTable
	}
}

// WithSkipSchema leaves table creation to the embedder.
func WithSkipSchema() Option {
	return func(o *options) {
		o.skipSchema = true
	}
}

// Saver stores checkpoints in two tables: one row per checkpoint holding
// the encoded tuple, and one row per pending write.
type Saver struct {
	db *sql.DB
	q  queries
}

var (
	_ graph.CheckpointSaver = (*Saver)(nil)
	_ graph.ThreadDeleter   = (*Saver)(nil)
)

type queries struct {
	createCheckpoints string
	createWrites      string
	createWritesIndex string
	insertCheckpoint  string
	selectContent     string
	selectLatest      string
	selectByID        string
	selectList        string
	selectWrites      string
	deleteWrites      string
	insertWrite       string
	deleteThreadCkpts string
	deleteThreadWrite string
}

func newQueries(ckpts, writes string) queries {
	cols := "tuple_json"
	return queries{
		createCheckpoints: "CREATE TABLE IF NOT EXISTS " + ckpts + " (" +
			"thread_id TEXT NOT NULL, " +
			"checkpoint_ns TEXT NOT NULL, " +
			"checkpoint_id TEXT NOT NULL, " +
			"parent_checkpoint_id TEXT NOT NULL DEFAULT '', " +
			"ts INTEGER NOT NULL, " +
			"step INTEGER NOT NULL, " +
			"source TEXT NOT NULL, " +
			"tuple_json BLOB NOT NULL, " +
			"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id))",
		createWrites: "CREATE TABLE IF NOT EXISTS " + writes + " (" +
			"thread_id TEXT NOT NULL, " +
			"checkpoint_ns TEXT NOT NULL, " +
			"checkpoint_id TEXT NOT NULL, " +
			"seq INTEGER NOT NULL, " +
			"task_id TEXT NOT NULL, " +
			"channel TEXT NOT NULL, " +
			"value_json BLOB NOT NULL, " +
			"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, seq))",
		createWritesIndex: "CREATE INDEX IF NOT EXISTS idx_" + writes + "_thread ON " + writes + " (thread_id)",
		insertCheckpoint: "INSERT INTO " + ckpts + " (thread_id, checkpoint_ns, checkpoint_id, " +
			"parent_checkpoint_id, ts, step, source, tuple_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		selectContent: "SELECT " + cols + " FROM " + ckpts +
			" WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?",
		selectLatest: "SELECT " + cols + " FROM " + ckpts +
			" WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY ts DESC, checkpoint_id DESC LIMIT 1",
		selectByID: "SELECT " + cols + " FROM " + ckpts +
			" WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?",
		selectList: "SELECT " + cols + " FROM " + ckpts +
			" WHERE thread_id = ? AND checkpoint_ns = ?",
		selectWrites: "SELECT task_id, channel, value_json FROM " + writes +
			" WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY seq",
		deleteWrites: "DELETE FROM " + writes +
			" WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?",
		insertWrite: "INSERT INTO " + writes + " (thread_id, checkpoint_ns, checkpoint_id, seq, " +
			"task_id, channel, value_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
		deleteThreadCkpts: "DELETE FROM " + ckpts + " WHERE thread_id = ?",
		deleteThreadWrite: "DELETE FROM " + writes + " WHERE thread_id = ?",
	}
}

// NewSaver creates a saver over db and creates its tables unless
// WithSkipSchema is given.
func NewSaver(db *sql.DB, opts ...Option) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	o := &options{checkpointsTable: defaultCheckpointsTable, writesTable: defaultWritesTable}
	for _, opt := range opts {
		opt(o)
	}
	s := &Saver{db: db, q: newQueries(o.checkpointsTable, o.writesTable)}
	if o.skipSchema {
		return s, nil
	}
	for _, stmt := range []string{s.q.createCheckpoints, s.q.createWrites, s.q.createWritesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

// GetTuple returns the checkpoint named by config, or the newest one of the
// thread.
func (s *Saver) GetTuple(ctx context.Context, config graph.CheckpointConfig) (*graph.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	var row *sql.Row
	if config.CheckpointID == "" {
		row = s.db.QueryRowContext(ctx, s.q.selectLatest, config.ThreadID, config.Namespace)
	} else {
		row = s.db.QueryRowContext(ctx, s.q.selectByID, config.ThreadID, config.Namespace, config.CheckpointID)
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if config.CheckpointID != "" {
				return nil, fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, config.CheckpointID)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	tuple, err := graph.DecodeCheckpointTuple(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if tuple.PendingWrites, err = s.loadWrites(ctx, s.db, tuple.Config); err != nil {
		return nil, err
	}
	return tuple, nil
}

// List returns the checkpoints of the thread newest first. Source and step
// bounds are evaluated by the database.
func (s *Saver) List(
	ctx context.Context,
	config graph.CheckpointConfig,
	filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	if config.ThreadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	query := s.q.selectList
	args := []any{config.ThreadID, config.Namespace}
	if filter != nil {
		var where []string
		if filter.Source != "" {
			where = append(where, "source = ?")
			args = append(args, string(filter.Source))
		}
		if filter.MinStep != nil {
			where = append(where, "step >= ?")
			args = append(args, *filter.MinStep)
		}
		if filter.MaxStep != nil {
			where = append(where, "step <= ?")
			args = append(args, *filter.MaxStep)
		}
		if len(where) > 0 {
			query += " AND " + strings.Join(where, " AND ")
		}
	}
	query += " ORDER BY ts DESC, checkpoint_id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select checkpoints: %w", err)
	}
	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		tuple, err := graph.DecodeCheckpointTuple(data)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		tuples = append(tuples, tuple)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iter checkpoints: %w", err)
	}
	rows.Close()

	tuples = graph.ApplyFilter(tuples, filter)
	for _, t := range tuples {
		if t.PendingWrites, err = s.loadWrites(ctx, s.db, t.Config); err != nil {
			return nil, err
		}
	}
	return tuples, nil
}

// Put stores a checkpoint. A repeated Put of the same content is a no-op.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (graph.CheckpointConfig, error) {
	tuple, err := req.Tuple()
	if err != nil {
		return graph.CheckpointConfig{}, err
	}
	data, err := graph.EncodeCheckpointTuple(tuple)
	if err != nil {
		return graph.CheckpointConfig{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	cfg := tuple.Config

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.CheckpointConfig{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, s.q.selectContent, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID).Scan(&existing)
	switch {
	case err == nil:
		return matchStored(existing, tuple)
	case !errors.Is(err, sql.ErrNoRows):
		return graph.CheckpointConfig{}, fmt.Errorf("select checkpoint: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q.insertCheckpoint,
		cfg.ThreadID,
		cfg.Namespace,
		cfg.CheckpointID,
		tuple.ParentID(),
		tuple.Checkpoint.Timestamp.UnixNano(),
		tuple.Metadata.Step,
		string(tuple.Metadata.Source),
		data,
	)
	if err != nil {
		if !isUniqueViolation(err) {
			return graph.CheckpointConfig{}, fmt.Errorf("insert checkpoint: %w", err)
		}
		// A concurrent writer inserted the same id first.
		_ = tx.Rollback()
		if err := s.db.QueryRowContext(ctx, s.q.selectContent, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID).Scan(&existing); err != nil {
			return graph.CheckpointConfig{}, fmt.Errorf("%w: %s", graph.ErrCheckpointConflict, cfg.CheckpointID)
		}
		return matchStored(existing, tuple)
	}
	if err := tx.Commit(); err != nil {
		return graph.CheckpointConfig{}, fmt.Errorf("commit transaction: %w", err)
	}
	return cfg, nil
}

// matchStored accepts a repeated Put of identical content and reports any
// other content under the same id as a conflict.
func matchStored(existing []byte, tuple *graph.CheckpointTuple) (graph.CheckpointConfig, error) {
	stored, err := graph.DecodeCheckpointTuple(existing)
	if err != nil || !graph.SameContent(stored, tuple) {
		return graph.CheckpointConfig{}, fmt.Errorf("%w: %s", graph.ErrCheckpointConflict, tuple.Config.CheckpointID)
	}
	return tuple.Config, nil
}

// isUniqueViolation reports a primary key or unique index violation in the
// wording of the SQLite, MySQL and Postgres drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}

// PutWrites records the writes of one task, replacing earlier ones, in a
// single transaction.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	cfg := req.Config
	if cfg.ThreadID == "" || cfg.CheckpointID == "" {
		return errors.New("thread_id and checkpoint_id are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, s.q.selectContent, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", graph.ErrCheckpointNotFound, cfg.CheckpointID)
	}
	if err != nil {
		return fmt.Errorf("select checkpoint: %w", err)
	}
	current, err := s.loadWrites(ctx, tx, cfg)
	if err != nil {
		return err
	}
	merged := graph.ReplaceTaskWrites(current, req.TaskID, req.Writes)
	if _, err := tx.ExecContext(ctx, s.q.deleteWrites, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	for _, w := range merged {
		data, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write %s/%s: %w", w.TaskID, w.Channel, err)
		}
		if _, err := tx.ExecContext(ctx, s.q.insertWrite,
			cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, w.Seq, w.TaskID, w.Channel, data); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteThread deletes every checkpoint and write of the thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.q.deleteThreadCkpts, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q.deleteThreadWrite, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Saver) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Saver) loadWrites(ctx context.Context, q querier, cfg graph.CheckpointConfig) ([]graph.PendingWrite, error) {
	rows, err := q.QueryContext(ctx, s.q.selectWrites, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var (
			w    graph.PendingWrite
			data []byte
		)
		if err := rows.Scan(&w.TaskID, &w.Channel, &data); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		if err := value.Unmarshal(data, &w.Value); err != nil {
			return nil, fmt.Errorf("unmarshal write: %w", err)
		}
		w.Seq = len(writes)
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter writes: %w", err)
	}
	return writes, nil
}
