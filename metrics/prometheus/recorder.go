//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package prometheus provides a graph.MetricsRecorder backed by Prometheus
// collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const defaultNamespace = "trpc_graph"

type options struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
}

// Option configures a Recorder.
type Option func(*options)

// WithNamespace sets the metric namespace. The default is trpc_graph.
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

// WithRegisterer registers the collectors on r instead of the default
// registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithDurationBuckets sets the buckets of the duration histograms, in
// seconds.
func WithDurationBuckets(buckets []float64) Option {
	return func(o *options) { o.buckets = buckets }
}

// Recorder exports scheduler measurements as Prometheus metrics.
type Recorder struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	steps          *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepTasks      *prometheus.HistogramVec
	checkpoints    *prometheus.CounterVec
	streamDropped  *prometheus.CounterVec
}

var _ graph.MetricsRecorder = (*Recorder)(nil)

// NewRecorder creates and registers the collectors. It panics when a
// collector with the same name is already registered.
func NewRecorder(opts ...Option) *Recorder {
	o := options{
		namespace:  defaultNamespace,
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registerer)
	return &Recorder{
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "node_executions_total",
			Help:      "Node attempts by outcome.",
		}, []string{"graph", "node", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of a node attempt.",
			Buckets:   o.buckets,
		}, []string{"graph", "node"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "steps_total",
			Help:      "Executed supersteps.",
		}, []string{"graph"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of a superstep.",
			Buckets:   o.buckets,
		}, []string{"graph"}),
		stepTasks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "step_tasks",
			Help:      "Tasks run by a superstep.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}, []string{"graph"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "checkpoints_total",
			Help:      "Stored checkpoints by source.",
		}, []string{"graph", "source"}),
		streamDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "stream_dropped_total",
			Help:      "Stream events dropped from a full buffer.",
		}, []string{"graph", "mode"}),
	}
}

// ObserveNode implements graph.MetricsRecorder.
func (r *Recorder) ObserveNode(graphName, node, outcome string, d time.Duration) {
	r.nodeExecutions.WithLabelValues(graphName, node, outcome).Inc()
	r.nodeDuration.WithLabelValues(graphName, node).Observe(d.Seconds())
}

// ObserveStep implements graph.MetricsRecorder.
func (r *Recorder) ObserveStep(graphName string, tasks int, d time.Duration) {
	r.steps.WithLabelValues(graphName).Inc()
	r.stepDuration.WithLabelValues(graphName).Observe(d.Seconds())
	r.stepTasks.WithLabelValues(graphName).Observe(float64(tasks))
}

// IncCheckpoint implements graph.MetricsRecorder.
func (r *Recorder) IncCheckpoint(graphName string, source graph.CheckpointSource) {
	r.checkpoints.WithLabelValues(graphName, string(source)).Inc()
}

// IncStreamDropped implements graph.MetricsRecorder.
func (r *Recorder) IncStreamDropped(graphName string, mode graph.StreamMode) {
	r.streamDropped.WithLabelValues(graphName, string(mode)).Inc()
}
