// Package otel wires OpenTelemetry into both clawbox processes: the control
// daemon and the agent server inside each sandbox. The daemon hands its
// exporter settings to sandboxes through the environment, and query spans
// continue across the agent socket as W3C trace context headers. Disabled
// telemetry is a no-op everywhere.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "clawbox"
	MeterName  = "clawbox"
	// Version is the clawbox version reported in telemetry.
	Version = "v0.3-dev"
)

// Exporters.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterNone   = "none"

	defaultOTLPEndpoint = "localhost:4318"
)

// Environment variables that carry the daemon's exporter settings into a
// sandbox.
const (
	EnvExporter   = "CLAWBOX_OTEL_EXPORTER"
	EnvEndpoint   = "CLAWBOX_OTEL_ENDPOINT"
	EnvSampleRate = "CLAWBOX_OTEL_SAMPLE_RATE"
)

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Role names which clawbox process is reporting.
type Role string

const (
	RoleDaemon Role = "daemon"
	RoleAgent  Role = "agent"
)

// Identity describes the reporting process. Image and SessionID are only
// known inside a sandbox and stay empty for the daemon.
type Identity struct {
	Role      Role
	Image     string
	SessionID string
}

func (id Identity) role() Role {
	if id.Role == "" {
		return RoleDaemon
	}
	return id.Role
}

func (id Identity) serviceName(cfg Config) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	if id.role() == RoleAgent {
		return "clawbox-agent"
	}
	return "clawbox"
}

func (id Identity) attributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(id.serviceName(cfg)),
		semconv.ServiceVersion(Version),
		AttrRole.String(string(id.role())),
	}
	if id.Image != "" {
		attrs = append(attrs, AttrImage.String(id.Image))
	}
	if id.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(id.SessionID))
	}
	return attrs
}

// Provider holds the tracer and meter a process reports through.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Resource       *resource.Resource
	shutdown       func(context.Context) error
}

// Init builds the provider for one clawbox process. The caller must
// Shutdown it on exit.
func Init(ctx context.Context, cfg Config, id Identity) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}
	return initWith(ctx, cfg, id, exporter)
}

func initWith(ctx context.Context, cfg Config, id Identity, exporter sdktrace.SpanExporter) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(id.attributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		Resource:       res,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			if mErr := mp.Shutdown(ctx); tErr == nil {
				return mErr
			}
			return tErr
		},
	}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func sampleRate(v float64) float64 {
	if v <= 0 || v > 1 {
		return 1
	}
	return v
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		return otlptracehttp.New(ctx, otlpOptions(cfg.Endpoint)...)
	case ExporterStdout:
		// Stdout belongs to the CLI and, in a sandbox, to the agent.
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	case ExporterNone:
		return tracetest.NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
	}
}

// otlpOptions accepts either a full collector URL or a bare host:port,
// which is sent over plain HTTP.
func otlpOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case endpoint == "":
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(defaultOTLPEndpoint), otlptracehttp.WithInsecure()}
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
}

// SandboxEnv returns the environment an agent server needs to report to the
// same collector as the daemon. Disabled telemetry yields nil.
func SandboxEnv(cfg Config) map[string]string {
	if !cfg.Enabled {
		return nil
	}
	env := map[string]string{EnvExporter: cfg.Exporter}
	if env[EnvExporter] == "" {
		env[EnvExporter] = ExporterOTLP
	}
	if cfg.Endpoint != "" {
		env[EnvEndpoint] = cfg.Endpoint
	}
	if cfg.SampleRate > 0 {
		env[EnvSampleRate] = strconv.FormatFloat(cfg.SampleRate, 'f', -1, 64)
	}
	return env
}

// ConfigFromEnv reads what SandboxEnv wrote. Telemetry is enabled when an
// exporter or endpoint is present.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		Exporter: getenv(EnvExporter),
		Endpoint: getenv(EnvEndpoint),
	}
	cfg.Enabled = cfg.Exporter != "" || cfg.Endpoint != ""
	if raw := getenv(EnvSampleRate); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SampleRate = v
		}
	}
	return cfg
}
