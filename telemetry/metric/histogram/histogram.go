//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package histogram provides histograms whose bucket boundaries can be
// changed at runtime, used by the graph duration and task-count meters.
package histogram

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

var errNilProvider = errors.New("meter provider is nil")

// dynamic holds an instrument of type H and what is needed to rebuild it.
type dynamic[H any] struct {
	mu         sync.RWMutex
	current    H
	mp         metric.MeterProvider
	meterName  string
	metricName string
	boundaries []float64
	build      func(m metric.Meter, name string, boundaries []float64) (H, error)
}

func newDynamic[H any](
	mp metric.MeterProvider,
	meterName, metricName string,
	build func(metric.Meter, string, []float64) (H, error),
) (*dynamic[H], error) {
	if mp == nil {
		return nil, errNilProvider
	}
	d := &dynamic[H]{mp: mp, meterName: meterName, metricName: metricName, build: build}
	h, err := build(d.meter(), metricName, nil)
	if err != nil {
		return nil, err
	}
	d.current = h
	return d, nil
}

func (d *dynamic[H]) meter() metric.Meter {
	return d.mp.Meter(d.meterName,
		metric.WithInstrumentationAttributes(attribute.String(metrics.KeyMetricName, d.metricName)))
}

func (d *dynamic[H]) get() H {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// SetBuckets recreates the instrument with boundaries. Recorded data is not
// migrated. Empty boundaries restore the SDK default.
func (d *dynamic[H]) SetBuckets(boundaries []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.build(d.meter(), d.metricName, boundaries)
	if err != nil {
		return err
	}
	d.current = h
	d.boundaries = append([]float64(nil), boundaries...)
	return nil
}

// Boundaries returns the boundaries of the last SetBuckets call.
func (d *dynamic[H]) Boundaries() []float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]float64(nil), d.boundaries...)
}

// DynamicFloat64Histogram is a Float64Histogram with replaceable buckets.
type DynamicFloat64Histogram struct {
	*dynamic[metric.Float64Histogram]
}

// NewDynamicFloat64Histogram creates a histogram on a meter of mp.
func NewDynamicFloat64Histogram(
	mp metric.MeterProvider,
	meterName, metricName string,
	options ...metric.Float64HistogramOption,
) (*DynamicFloat64Histogram, error) {
	d, err := newDynamic(mp, meterName, metricName,
		func(m metric.Meter, name string, boundaries []float64) (metric.Float64Histogram, error) {
			opts := append([]metric.Float64HistogramOption(nil), options...)
			if len(boundaries) > 0 {
				opts = append(opts, metric.WithExplicitBucketBoundaries(boundaries...))
			}
			return m.Float64Histogram(name, opts...)
		})
	if err != nil {
		return nil, err
	}
	return &DynamicFloat64Histogram{d}, nil
}

// Record records value on the current instrument.
func (h *DynamicFloat64Histogram) Record(ctx context.Context, value float64, opts ...metric.RecordOption) {
	h.get().Record(ctx, value, opts...)
}

// DynamicInt64Histogram is an Int64Histogram with replaceable buckets.
type DynamicInt64Histogram struct {
	*dynamic[metric.Int64Histogram]
}

// NewDynamicInt64Histogram creates a histogram on a meter of mp.
func NewDynamicInt64Histogram(
	mp metric.MeterProvider,
	meterName, metricName string,
	options ...metric.Int64HistogramOption,
) (*DynamicInt64Histogram, error) {
	d, err := newDynamic(mp, meterName, metricName,
		func(m metric.Meter, name string, boundaries []float64) (metric.Int64Histogram, error) {
			opts := append([]metric.Int64HistogramOption(nil), options...)
			if len(boundaries) > 0 {
				opts = append(opts, metric.WithExplicitBucketBoundaries(boundaries...))
			}
			return m.Int64Histogram(name, opts...)
		})
	if err != nil {
		return nil, err
	}
	return &DynamicInt64Histogram{d}, nil
}

// Record records value on the current instrument.
func (h *DynamicInt64Histogram) Record(ctx context.Context, value int64, opts ...metric.RecordOption) {
	h.get().Record(ctx, value, opts...)
}
