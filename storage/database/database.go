//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package database manages gorm connections and named database instances
// shared by the SQL backed stores.
package database

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrEmptyDSN is returned by the default builder when no DSN is set.
var ErrEmptyDSN = errors.New("database: DSN is empty")

var (
	registryMu       sync.RWMutex
	databaseRegistry = make(map[string][]ClientBuilderOpt)
)

// ClientBuilder opens a gorm connection.
type ClientBuilder func(builderOpts ...ClientBuilderOpt) (*gorm.DB, error)

var globalBuilder ClientBuilder = DefaultClientBuilder

// SetClientBuilder sets the database client builder.
func SetClientBuilder(builder ClientBuilder) {
	globalBuilder = builder
}

// GetClientBuilder gets the database client builder.
func GetClientBuilder() ClientBuilder {
	return globalBuilder
}

// DefaultClientBuilder opens a connection with the driver named by the
// options. SQLite is the default driver.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (*gorm.DB, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}
	if o.DSN == "" {
		return nil, ErrEmptyDSN
	}
	if o.DriverType == "" {
		o.DriverType = DriverSQLite
	}
	if o.Config == nil {
		o.Config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	var dialector gorm.Dialector
	switch o.DriverType {
	case DriverMySQL:
		dialector = mysql.Open(o.DSN)
	case DriverPostgreSQL:
		dialector = postgres.Open(o.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(o.DSN)
	default:
		return nil, fmt.Errorf("database: unsupported driver type: %s", o.DriverType)
	}

	db, err := gorm.Open(dialector, o.Config)
	if err != nil {
		return nil, fmt.Errorf("database: open connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: get underlying sql.DB: %w", err)
	}
	if o.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
	return db, nil
}

// ClientBuilderOpt is the option for the database client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// DriverType names a gorm dialect.
type DriverType string

// Supported drivers.
const (
	DriverMySQL      DriverType = "mysql"
	DriverPostgreSQL DriverType = "postgres"
	DriverSQLite     DriverType = "sqlite"
)

// ClientBuilderOpts is the options for the database client.
type ClientBuilderOpts struct {
	// DSN is the data source name of the driver, ":memory:" or a file path
	// for SQLite.
	DSN        string
	DriverType DriverType
	Config     *gorm.Config

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	// ExtraOptions are passed through to a custom builder.
	ExtraOptions []any
}

// WithClientBuilderDSN sets the DSN.
func WithClientBuilderDSN(dsn string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DSN = dsn
	}
}

// WithDriverType sets the driver.
func WithDriverType(driverType DriverType) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.DriverType = driverType
	}
}

// WithGormConfig sets the gorm configuration.
func WithGormConfig(config *gorm.Config) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.Config = config
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.MaxIdleConns = n
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.MaxOpenConns = n
	}
}

// WithConnMaxLifetime sets the maximum lifetime of a connection.
func WithConnMaxLifetime(d time.Duration) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ConnMaxLifetime = d
	}
}

// WithExtraOptions sets options for a customized builder.
func WithExtraOptions(extraOptions ...any) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.ExtraOptions = append(opts.ExtraOptions, extraOptions...)
	}
}

// RegisterDatabaseInstance registers the options of a named instance.
func RegisterDatabaseInstance(name string, opts ...ClientBuilderOpt) {
	registryMu.Lock()
	defer registryMu.Unlock()
	databaseRegistry[name] = append(databaseRegistry[name], opts...)
}

// GetDatabaseInstance gets the options of a named instance.
func GetDatabaseInstance(name string) ([]ClientBuilderOpt, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opts, ok := databaseRegistry[name]
	return opts, ok
}

// UnregisterDatabaseInstance removes a named instance.
func UnregisterDatabaseInstance(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(databaseRegistry, name)
}

// ListDatabaseInstances returns the registered instance names, sorted.
func ListDatabaseInstances() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(databaseRegistry))
	for name := range databaseRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the instance or DSN. A non-empty dsn wins over the
// instance name.
func Open(dsn, instanceName string, extra ...ClientBuilderOpt) (*gorm.DB, error) {
	builder := GetClientBuilder()
	if dsn != "" {
		return builder(append([]ClientBuilderOpt{WithClientBuilderDSN(dsn)}, extra...)...)
	}
	if instanceName != "" {
		opts, ok := GetDatabaseInstance(instanceName)
		if !ok {
			return nil, fmt.Errorf("database instance %s not found", instanceName)
		}
		return builder(append(append([]ClientBuilderOpt(nil), opts...), extra...)...)
	}
	return nil, ErrEmptyDSN
}
