// Package observability builds the logger, Prometheus registry and tracer that
// are passed down to every pipeline component.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects log output, tracing and metrics.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console

	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Telemetry owns the process-wide observability handles. Nothing here is
// global: callers hand Logger, Tracer and Metrics to constructors.
type Telemetry struct {
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	registry *prometheus.Registry

	once     sync.Once
	closeFns []func(context.Context) error
}

// New builds telemetry from cfg. A tracer that cannot be initialized is
// logged and replaced by a noop tracer; the pipeline runs without spans.
func New(cfg Config) (*Telemetry, error) {
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName),
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(context.Background(), cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.tracer = tp.Tracer(cfg.ServiceName)
			t.closeFns = append(t.closeFns, tp.Shutdown)
		}
	}

	if cfg.MetricsEnabled {
		// A private registry keeps repeated New calls in one process from
		// colliding on collector names.
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}

	return t, nil
}

// buildLogger returns a JSON production logger, or a colored console logger
// when LogFormat is "console". Unknown levels fall back to info.
func buildLogger(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zc.Level = level

	zc.InitialFields = map[string]any{"service": cfg.ServiceName}
	if cfg.ServiceVersion != "" {
		zc.InitialFields["version"] = cfg.ServiceVersion
	}
	if cfg.Environment != "" {
		zc.InitialFields["environment"] = cfg.Environment
	}
	return zc.Build()
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, errors.New("otlp endpoint not set")
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// Logger returns the root logger.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the pipeline tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the metric set, nil when metrics are disabled. Every
// Metrics method tolerates a nil receiver.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves the private registry, or 404 when metrics are off.
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes spans and the logger. Later calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.once.Do(func() {
		for _, fn := range t.closeFns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		_ = t.logger.Sync()
	})
	return errors.Join(errs...)
}
