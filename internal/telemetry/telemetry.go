package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/config"
	"github.com/BaSui01/taskcore/types"
)

// TaskCore 专有的资源属性键
const (
	TaskKindsKey = attribute.Key("taskcore.task_kinds")
	StoreTypeKey = attribute.Key("taskcore.store.type")
	MirrorKey    = attribute.Key("taskcore.event_mirror")
)

// Providers holds the SDK providers. Both are nil when telemetry is disabled.
type Providers struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	resource *resource.Resource
}

// Option adds to the exported resource.
type Option func(*options)

type options struct {
	attrs      []attribute.KeyValue
	instanceID string
}

// WithAttributes attaches extra resource attributes, e.g. StoreTypeKey.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithInstanceID overrides the generated service.instance.id.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// Init sets up OTLP gRPC trace and metric export and registers the global
// providers. Disabled telemetry returns empty Providers and leaves the
// globals untouched.
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	res, err := Resource(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.ExportInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	p := &Providers{
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(Sampler(cfg.SampleRate)),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
			sdkmetric.WithResource(res),
		),
		resource: res,
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("insecure", cfg.Insecure),
	)
	return p, nil
}

// Resource describes this process: service identity plus the task kinds it
// orchestrates and whatever attributes the caller adds.
func Resource(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*resource.Resource, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		o.instanceID = instanceID()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(buildVersion()),
		semconv.ServiceInstanceID(o.instanceID),
		TaskKindsKey.StringSlice([]string{string(types.TaskKindSwarm), string(types.TaskKindRoutine)}),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	attrs = append(attrs, o.attrs...)

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// Resource returns the exported resource, nil when disabled.
func (p *Providers) Resource() *resource.Resource {
	if p == nil {
		return nil
	}
	return p.resource
}

// Enabled reports whether real providers were installed.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Sampler samples root spans at rate and follows the parent decision
// otherwise, so a run request admitted by a sampled HTTP call keeps its
// orchestrator and state machine spans. rate is clamped to [0, 1].
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and closes both providers. Safe on nil or disabled Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// instanceID is hostname-pid, or a uuid when the hostname is unavailable.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
