// Package otel wires OpenTelemetry for gatekeeper: a tracer provider that
// keeps every auto-fix span and samples validation and schedule spans, and
// an SDK meter provider for the counters in metrics.go. Spans can go to an
// OTLP/HTTP collector, to <home>/logs/traces.jsonl, to stdout, or nowhere.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "gatekeeper"
	MeterName  = "gatekeeper"
	Version    = "v0.3-dev"
)

// Exporters accepted in Config.Exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterFile   = "file"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// AlwaysSample lists span name prefixes recorded regardless of
	// SampleRate. Defaults to autofix. and coordination.
	AlwaysSample []string `yaml:"always_sample,omitempty"`
	// MetricsEnabled enables metrics export alongside traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// Process describes the gatekeeper process the telemetry belongs to.
type Process struct {
	// Role is "daemon" or "cli".
	Role      string
	Workspace string
	HomeDir   string
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

var defaultAlwaysSample = []string{"autofix.", "coordination."}

// Init sets up OpenTelemetry for proc. The returned Provider must be shut
// down on exit. A disabled config yields no-op tracer and meter.
func Init(ctx context.Context, cfg Config, proc Process) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := newResource(ctx, cfg, proc)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(newSampler(cfg))),
	}
	exporter, closeOut, err := createExporter(ctx, cfg, proc)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	// exporter=none keeps span contexts (trace ids in logs and audit) but
	// registers no processor, so nothing leaves the process.
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsEnabled != nil && !*cfg.MetricsEnabled {
		metricOpts = append(metricOpts, sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "*"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationDrop{}},
		)))
	}
	mp := sdkmetric.NewMeterProvider(metricOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if closeOut != nil {
				_ = closeOut.Close()
			}
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func newResource(ctx context.Context, cfg Config, proc Process) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatekeeper"
	}
	role := proc.Role
	if role == "" {
		role = "cli"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
		attribute.String("gatekeeper.role", role),
	}
	if proc.Workspace != "" {
		attrs = append(attrs, attribute.String("gatekeeper.workspace", proc.Workspace))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
}

// prefixSampler records spans whose name starts with one of always and
// hands the rest to ratio.
type prefixSampler struct {
	always []string
	ratio  sdktrace.Sampler
}

func newSampler(cfg Config) sdktrace.Sampler {
	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}
	always := cfg.AlwaysSample
	if always == nil {
		always = defaultAlwaysSample
	}
	return prefixSampler{always: always, ratio: sdktrace.TraceIDRatioBased(rate)}
}

func (s prefixSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, prefix := range s.always {
		if strings.HasPrefix(p.Name, prefix) {
			return sdktrace.AlwaysSample().ShouldSample(p)
		}
	}
	return s.ratio.ShouldSample(p)
}

func (s prefixSampler) Description() string {
	return fmt.Sprintf("PrefixSampler{always=%s,%s}", strings.Join(s.always, "|"), s.ratio.Description())
}

// createExporter returns the span exporter for cfg.Exporter and, for the
// file exporter, the file to close on shutdown. A nil exporter means
// spans are dropped.
func createExporter(ctx context.Context, cfg Config, proc Process) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		return exp, nil, err
	case ExporterFile:
		if proc.HomeDir == "" {
			return nil, nil, fmt.Errorf("file exporter needs a home directory")
		}
		dir := filepath.Join(proc.HomeDir, "logs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s, %s)",
			cfg.Exporter, ExporterOTLP, ExporterFile, ExporterStdout, ExporterNone)
	}
}
