//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package metric installs an OpenTelemetry meter provider for the graph
// engine and builds OTLP exporting providers.
package metric

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric/histogram"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/semconv/metrics"
)

// InitMeterProvider creates the graph instruments on mp.
func InitMeterProvider(mp metric.MeterProvider) error {
	if mp == nil {
		return errors.New("meter provider is nil")
	}
	meter := mp.Meter(metrics.MeterNameGraph)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&itelemetry.GraphMetricNodeExecutionCnt, metrics.MetricNodeExecutionCnt, "Node attempts by outcome"},
		{&itelemetry.GraphMetricStepCnt, metrics.MetricStepCnt, "Executed supersteps"},
		{&itelemetry.GraphMetricCheckpointCnt, metrics.MetricCheckpointCnt, "Stored checkpoints by source"},
		{&itelemetry.GraphMetricStreamDroppedCnt, metrics.MetricStreamDroppedCnt, "Stream events dropped from a full buffer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create graph metric %s: %w", c.name, err)
		}
		*c.target = counter
	}

	nodeDuration, err := histogram.NewDynamicFloat64Histogram(mp, metrics.MeterNameGraph, metrics.MetricNodeDuration,
		metric.WithDescription("Duration of a node attempt"), metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("failed to create graph metric %s: %w", metrics.MetricNodeDuration, err)
	}
	stepDuration, err := histogram.NewDynamicFloat64Histogram(mp, metrics.MeterNameGraph, metrics.MetricStepDuration,
		metric.WithDescription("Duration of a superstep"), metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("failed to create graph metric %s: %w", metrics.MetricStepDuration, err)
	}
	stepTasks, err := histogram.NewDynamicInt64Histogram(mp, metrics.MeterNameGraph, metrics.MetricStepTasks,
		metric.WithDescription("Tasks of a superstep"), metric.WithUnit("{task}"))
	if err != nil {
		return fmt.Errorf("failed to create graph metric %s: %w", metrics.MetricStepTasks, err)
	}

	itelemetry.MeterProvider = mp
	itelemetry.GraphMeter = meter
	itelemetry.GraphMetricNodeDuration = nodeDuration
	itelemetry.GraphMetricStepDuration = stepDuration
	itelemetry.GraphMetricStepTasks = stepTasks
	return nil
}

// GetMeterProvider returns the installed meter provider.
func GetMeterProvider() metric.MeterProvider {
	return itelemetry.MeterProvider
}

// SetHistogramBuckets replaces the bucket boundaries of a graph histogram.
// The new instrument starts empty.
func SetHistogramBuckets(metricName string, boundaries []float64) error {
	switch metricName {
	case metrics.MetricNodeDuration:
		return itelemetry.GraphMetricNodeDuration.SetBuckets(boundaries)
	case metrics.MetricStepDuration:
		return itelemetry.GraphMetricStepDuration.SetBuckets(boundaries)
	case metrics.MetricStepTasks:
		return itelemetry.GraphMetricStepTasks.SetBuckets(boundaries)
	default:
		return fmt.Errorf("unknown or unsupported graph histogram metric: %s", metricName)
	}
}

// NewMeterProvider creates an OTLP exporting meter provider. Without
// WithEndpoint the endpoint comes from OTEL_EXPORTER_OTLP_METRICS_ENDPOINT,
// then OTEL_EXPORTER_OTLP_ENDPOINT, then the protocol default.
func NewMeterProvider(ctx context.Context, opts ...Option) (*sdkmetric.MeterProvider, error) {
	o := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metricsEndpoint == "" {
		o.metricsEndpoint = metricsEndpoint(o.protocol)
	}

	res, err := buildResource(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch o.protocol {
	case itelemetry.ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(o.metricsEndpoint),
			otlpmetrichttp.WithInsecure())
	default:
		conn, cerr := itelemetry.NewGRPCConn(o.metricsEndpoint)
		if cerr != nil {
			return nil, fmt.Errorf("failed to create metrics connection: %w", cerr)
		}
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s metrics exporter: %w", o.protocol, err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	), nil
}

// Start builds an OTLP meter provider and installs it. The returned function
// shuts the provider down.
func Start(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	mp, err := NewMeterProvider(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := InitMeterProvider(mp); err != nil {
		return nil, err
	}
	return mp.Shutdown, nil
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		// otlpmetrichttp appends /v1/metrics.
		return "localhost:4318"
	}
	return "localhost:4317"
}

// Option configures NewMeterProvider.
type Option func(*options)

type options struct {
	metricsEndpoint    string
	serviceName        string
	serviceVersion     string
	serviceNamespace   string
	protocol           string
	resourceAttributes []attribute.KeyValue
}

// WithEndpoint sets the collector host and port, such as "example.com:4317".
// It takes precedence over the environment.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.metricsEndpoint = endpoint }
}

// WithProtocol selects "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(o *options) { o.protocol = protocol }
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(serviceName string) Option {
	return func(o *options) { o.serviceName = serviceName }
}

// WithServiceNamespace overrides the service.namespace resource attribute.
func WithServiceNamespace(serviceNamespace string) Option {
	return func(o *options) { o.serviceNamespace = serviceNamespace }
}

// WithServiceVersion overrides the service.version resource attribute.
func WithServiceVersion(serviceVersion string) Option {
	return func(o *options) { o.serviceVersion = serviceVersion }
}

// WithResourceAttributes appends resource attributes. They win over
// OTEL_RESOURCE_ATTRIBUTES.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.resourceAttributes = append(o.resourceAttributes, attrs...) }
}

func buildResource(ctx context.Context, o *options) (*resource.Resource, error) {
	resourceOpts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNamespace(o.serviceNamespace),
			semconv.ServiceName(o.serviceName),
			semconv.ServiceVersion(o.serviceVersion),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	}
	if len(o.resourceAttributes) > 0 {
		resourceOpts = append(resourceOpts, resource.WithAttributes(o.resourceAttributes...))
	}
	return resource.New(ctx, resourceOpts...)
}
