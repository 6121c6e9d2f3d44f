// Package observability exports pond's traces and metrics over OTLP gRPC.
//
// Every engine operation becomes a span and feeds the operation metrics.
// Name allocation also reports lock contention, and writes report their
// outcome, so lock pressure and skipped writes show up without traces.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nagra-insight/pond"

// Write outcomes reported by VersionStored.
const (
	OutcomeWritten  = "written"
	OutcomeSkipped  = "skipped"
	OutcomeAppended = "appended"
)

// Config selects where telemetry goes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Insecure       bool
	SampleRate     float64 // fraction of root spans kept
	ExportInterval time.Duration
	Enabled        bool
}

// DefaultConfig exports everything to a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pond",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider records pond telemetry. Noop returns one that records nowhere.
type Provider struct {
	logger   *slog.Logger
	tracer   trace.Tracer
	shutdown []func(context.Context) error

	operations     metric.Int64Counter
	failures       metric.Int64Counter
	duration       metric.Float64Histogram
	active         metric.Int64UpDownCounter
	lockContention metric.Int64Counter
	lockTimeouts   metric.Int64Counter
	versions       metric.Int64Counter
}

// New starts OTLP exporters for traces and metrics. A disabled config
// yields Noop.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spanExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(cfg.ExportInterval))),
	)

	p, err := NewFromProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	p.logger.InfoContext(ctx, "telemetry export started",
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// Noop records into the global otel providers, which discard everything
// unless the process installed real ones.
func Noop() *Provider {
	p, err := NewFromProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		// Instruments of the global delegating meter cannot fail.
		panic(err)
	}
	return p
}

// NewFromProviders records into the given providers. The caller owns them.
func NewFromProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	meter := mp.Meter(instrumentationName)
	p := &Provider{
		logger: slog.Default().With("component", "observability"),
		tracer: tp.Tracer(instrumentationName),
	}

	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	p.operations = counter("pond.operations", "Engine operations started", "{operation}")
	p.failures = counter("pond.operations.failed", "Engine operations that returned an error", "{operation}")
	p.lockContention = counter("pond.lock.contended", "Lock attempts that found the artifact locked", "{attempt}")
	p.lockTimeouts = counter("pond.lock.timeouts", "Allocations that gave up on a held lock", "{allocation}")
	p.versions = counter("pond.versions.stored", "Version writes by outcome", "{version}")

	var err error
	p.duration, err = meter.Float64Histogram("pond.operation.duration",
		metric.WithDescription("Engine operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10),
	)
	errs = append(errs, err)
	p.active, err = meter.Int64UpDownCounter("pond.operations.active",
		metric.WithDescription("Engine operations in flight"),
		metric.WithUnit("{operation}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observability instruments: %w", err)
	}
	return p, nil
}

// Shutdown flushes and stops the exporters started by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// TrackOperation opens a span named name and counts the operation. The
// returned function ends both and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)
	p.operations.Add(ctx, 1, opAttrs)
	p.active.Add(ctx, 1, opAttrs)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, opAttrs)
		p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			p.failures.Add(ctx, 1, opAttrs)
			SetSpanStatus(ctx, err)
		}
		span.End()
	}
}

// LockContended records an allocation attempt that found the lock held.
func (p *Provider) LockContended(ctx context.Context, artifactName string, attempt int) {
	attrs := []attribute.KeyValue{AttrArtifactName.String(artifactName), AttrLockAttempt.Int(attempt)}
	p.lockContention.Add(ctx, 1, metric.WithAttributes(attrs...))
	AddSpanEvent(ctx, "lock.contended", attrs...)
}

// LockTimedOut records an allocation that gave up after its retry.
func (p *Provider) LockTimedOut(ctx context.Context, artifactName string) {
	p.lockTimeouts.Add(ctx, 1, metric.WithAttributes(AttrArtifactName.String(artifactName)))
}

// VersionStored records the outcome of a version write.
func (p *Provider) VersionStored(ctx context.Context, artifactName, mode, outcome string) {
	p.versions.Add(ctx, 1, metric.WithAttributes(
		AttrArtifactName.String(artifactName),
		AttrWriteMode.String(mode),
		AttrWriteOutcome.String(outcome),
	))
}
