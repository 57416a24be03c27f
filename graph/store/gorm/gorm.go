//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package gorm provides a graph.Store on any gorm dialect.
package gorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/value"
	"trpc.group/trpc-go/trpc-graph-go/storage/database"
)

const defaultTableName = "graph_store"

// row is one stored key.
type row struct {
	StoreKey  string `gorm:"column:store_key;primaryKey;size:512"`
	Value     []byte `gorm:"column:value_json"`
	UpdatedAt time.Time
}

type options struct {
	db           *gorm.DB
	dsn          string
	instanceName string
	builderOpts  []database.ClientBuilderOpt
	tableName    string
	skipMigrate  bool
}

// Option configures a Store.
type Option func(*options)

// WithDB uses an existing connection.
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithDSN opens a connection through storage/database.
func WithDSN(dsn string, opts ...database.ClientBuilderOpt) Option {
	return func(o *options) {
		o.dsn = dsn
		o.builderOpts = append(o.builderOpts, opts...)
	}
}

// WithInstance uses a database instance registered in storage/database.
func WithInstance(name string) Option {
	return func(o *options) { o.instanceName = name }
}

// WithTableName sets the table name.
func WithTableName(name string) Option {
	return func(o *options) { o.tableName = name }
}

// WithSkipMigrate leaves the schema alone.
func WithSkipMigrate(skip bool) Option {
	return func(o *options) { o.skipMigrate = skip }
}

// Store keeps one JSON document per key in a table.
type Store struct {
	db    *gorm.DB
	table string
}

var _ graph.Store = (*Store)(nil)

// NewStore creates a store and migrates its table.
func NewStore(opts ...Option) (*Store, error) {
	o := options{tableName: defaultTableName}
	for _, opt := range opts {
		opt(&o)
	}
	db := o.db
	if db == nil {
		var err error
		if db, err = database.Open(o.dsn, o.instanceName, o.builderOpts...); err != nil {
			return nil, err
		}
	}
	s := &Store{db: db, table: o.tableName}
	if !o.skipMigrate {
		if err := db.Table(s.table).AutoMigrate(&row{}); err != nil {
			return nil, fmt.Errorf("store migrate %s: %w", s.table, err)
		}
	}
	return s, nil
}

func (s *Store) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Get returns the value of key.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	var r row
	err := s.tx(ctx).Where("store_key = ?", key).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, graph.ErrStoreKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", key, err)
	}
	var v any
	if err := value.Unmarshal(r.Value, &v); err != nil {
		return nil, fmt.Errorf("store decode %s: %w", key, err)
	}
	return v, nil
}

// Put upserts key.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store encode %s: %w", key, err)
	}
	r := row{StoreKey: key, Value: data, UpdatedAt: time.Now().UTC()}
	err = s.tx(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		return fmt.Errorf("store put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.tx(ctx).Where("store_key = ?", key).Delete(&row{}).Error; err != nil {
		return fmt.Errorf("store delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.tx(ctx).Where("store_key = ?", key).Count(&n).Error; err != nil {
		return false, fmt.Errorf("store exists %s: %w", key, err)
	}
	return n > 0, nil
}

// List returns the keys starting with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	q := s.tx(ctx)
	if prefix != "" {
		q = q.Where("store_key LIKE ? ESCAPE '!'", escapeLike(prefix)+"%")
	}
	if err := q.Order("store_key").Pluck("store_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("store list: %w", err)
	}
	// Collation may fold case in LIKE.
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Clear removes every row.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.tx(ctx).Where("1 = 1").Delete(&row{}).Error; err != nil {
		return fmt.Errorf("store clear: %w", err)
	}
	return nil
}

var likeReplacer = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
