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
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults of a compiled graph.
const (
	defaultStepLimit        = 25
	defaultStreamBufferSize = 256
	defaultMaxConcurrency   = 64
	defaultGraphName        = "graph"
	defaultCancelGrace      = 5 * time.Second
)

type compileOptions struct {
	name            string
	interruptBefore []string
	interruptAfter  []string
	saver           CheckpointSaver
	store           Store
	stepLimit       int
	stepTimeout     time.Duration
	nodeTimeout     time.Duration
	cancelGrace     time.Duration
	maxConcurrency  int
	streamBuffer    int
	retry           RetryPolicy
	metrics         MetricsRecorder
	debug           bool
}

func defaultCompileOptions() *compileOptions {
	return &compileOptions{
		name:           defaultGraphName,
		stepLimit:      defaultStepLimit,
		cancelGrace:    defaultCancelGrace,
		maxConcurrency: defaultMaxConcurrency,
		streamBuffer:   defaultStreamBufferSize,
		retry:          DefaultRetryPolicy(),
		metrics:        noopRecorder{},
	}
}

// CompileOption configures a compiled Graph.
type CompileOption func(*compileOptions)

// WithName names the graph in logs, spans and metrics.
func WithName(name string) CompileOption {
	return func(o *compileOptions) {
		o.name = name
	}
}

// WithInterruptBefore pauses runs before the listed nodes execute.
func WithInterruptBefore(nodes ...string) CompileOption {
	return func(o *compileOptions) {
		o.interruptBefore = append(o.interruptBefore, nodes...)
	}
}

// WithInterruptAfter pauses runs after the listed nodes execute.
func WithInterruptAfter(nodes ...string) CompileOption {
	return func(o *compileOptions) {
		o.interruptAfter = append(o.interruptAfter, nodes...)
	}
}

// WithCheckpointSaver persists every step. Without a saver runs cannot be
// resumed.
func WithCheckpointSaver(saver CheckpointSaver) CompileOption {
	return func(o *compileOptions) {
		o.saver = saver
	}
}

// WithStore makes a persistent store available to nodes.
func WithStore(store Store) CompileOption {
	return func(o *compileOptions) {
		o.store = store
	}
}

// WithStepLimit caps the number of supersteps per run.
func WithStepLimit(limit int) CompileOption {
	return func(o *compileOptions) {
		if limit >= 0 {
			o.stepLimit = limit
		}
	}
}

// WithStepTimeout bounds each superstep. Zero disables the bound.
func WithStepTimeout(timeout time.Duration) CompileOption {
	return func(o *compileOptions) {
		o.stepTimeout = timeout
	}
}

// WithNodeTimeout bounds each node attempt for nodes without their own
// timeout. Zero disables the bound.
func WithNodeTimeout(timeout time.Duration) CompileOption {
	return func(o *compileOptions) {
		o.nodeTimeout = timeout
	}
}

// WithCancelGracePeriod sets how long a step waits for a node body that
// keeps running after its context ended. A body that returns within the
// period has its outcome recorded. Later bodies are abandoned with a
// warning.
func WithCancelGracePeriod(d time.Duration) CompileOption {
	return func(o *compileOptions) {
		if d >= 0 {
			o.cancelGrace = d
		}
	}
}

// WithMaxConcurrency bounds how many node bodies run at once.
func WithMaxConcurrency(n int) CompileOption {
	return func(o *compileOptions) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithStreamBufferSize sets how many events a stream buffers before it
// starts dropping.
func WithStreamBufferSize(size int) CompileOption {
	return func(o *compileOptions) {
		if size > 0 {
			o.streamBuffer = size
		}
	}
}

// WithDefaultRetryPolicy sets the retry policy of nodes without their own.
func WithDefaultRetryPolicy(policy RetryPolicy) CompileOption {
	return func(o *compileOptions) {
		o.retry = policy
	}
}

// WithMetricsRecorder reports scheduler measurements to r.
func WithMetricsRecorder(r MetricsRecorder) CompileOption {
	return func(o *compileOptions) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithDebug logs every task and checkpoint at debug level.
func WithDebug(debug bool) CompileOption {
	return func(o *compileOptions) {
		o.debug = debug
	}
}

// RunConfig is the YAML form of the compile options that tune execution.
type RunConfig struct {
	StepLimit       *int          `yaml:"step_limit"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	NodeTimeout     time.Duration `yaml:"node_timeout"`
	CancelGrace     time.Duration `yaml:"cancel_grace"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	StreamBuffer    int           `yaml:"stream_buffer"`
	InterruptBefore []string      `yaml:"interrupt_before"`
	InterruptAfter  []string      `yaml:"interrupt_after"`
	Retry           *RetryPolicy  `yaml:"retry"`
	Debug           bool          `yaml:"debug"`
}

// LoadRunConfig reads a RunConfig from YAML. Durations use Go syntax such
// as "30s".
func LoadRunConfig(r io.Reader) (*RunConfig, error) {
	cfg := &RunConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("decode run config: %w", err))
	}
	if cfg.StepLimit != nil && *cfg.StepLimit < 0 {
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("step_limit must not be negative: %d", *cfg.StepLimit))
	}
	if cfg.Retry != nil && cfg.Retry.BackoffFactor != 0 && cfg.Retry.BackoffFactor < 1 {
		return nil, newError(ErrorKindConfig, "", 0, fmt.Errorf("retry.backoff_factor must be >= 1: %v", cfg.Retry.BackoffFactor))
	}
	return cfg, nil
}

// Options converts the config into compile options. Zero fields keep the
// defaults.
func (c *RunConfig) Options() []CompileOption {
	if c == nil {
		return nil
	}
	var opts []CompileOption
	if c.StepLimit != nil {
		opts = append(opts, WithStepLimit(*c.StepLimit))
	}
	if c.StepTimeout > 0 {
		opts = append(opts, WithStepTimeout(c.StepTimeout))
	}
	if c.NodeTimeout > 0 {
		opts = append(opts, WithNodeTimeout(c.NodeTimeout))
	}
	if c.CancelGrace > 0 {
		opts = append(opts, WithCancelGracePeriod(c.CancelGrace))
	}
	if c.MaxConcurrency > 0 {
		opts = append(opts, WithMaxConcurrency(c.MaxConcurrency))
	}
	if c.StreamBuffer > 0 {
		opts = append(opts, WithStreamBufferSize(c.StreamBuffer))
	}
	if len(c.InterruptBefore) > 0 {
		opts = append(opts, WithInterruptBefore(c.InterruptBefore...))
	}
	if len(c.InterruptAfter) > 0 {
		opts = append(opts, WithInterruptAfter(c.InterruptAfter...))
	}
	if c.Retry != nil {
		p := DefaultRetryPolicy()
		if c.Retry.MaxAttempts > 0 {
			p.MaxAttempts = c.Retry.MaxAttempts
		}
		if c.Retry.InitialInterval > 0 {
			p.InitialInterval = c.Retry.InitialInterval
		}
		if c.Retry.BackoffFactor > 0 {
			p.BackoffFactor = c.Retry.BackoffFactor
		}
		if c.Retry.MaxInterval > 0 {
			p.MaxInterval = c.Retry.MaxInterval
		}
		p.Jitter = c.Retry.Jitter
		opts = append(opts, WithDefaultRetryPolicy(p))
	}
	if c.Debug {
		opts = append(opts, WithDebug(true))
	}
	return opts
}
