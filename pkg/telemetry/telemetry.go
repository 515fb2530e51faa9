// Package telemetry wires structured logging and OpenTelemetry tracing
// for the assembly service. Setup builds both from one config; the
// engine and handlers pull tracers from the global provider it
// registers.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	TracingEnabled  bool
	TracingSampling float64
	LogLevel        string
	LogFormat       string // json, text

	// LogOutput overrides the log destination; nil means stdout. Tests
	// capture log lines through it.
	LogOutput io.Writer
}

// Provider owns the service logger and, when tracing is enabled, the
// tracer provider whose span flush is tied to Shutdown.
type Provider struct {
	logger  *slog.Logger
	tracing *sdktrace.TracerProvider
}

// Setup builds the logger, registers the tracer provider when tracing
// is enabled, and installs both as process defaults.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: newLogger(cfg)}
	slog.SetDefault(p.logger)

	if !cfg.TracingEnabled {
		return p, nil
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}
	p.tracing = tp
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Logger returns the service logger. Components attach their own
// "component" attribute on top of the service/version/env base.
func (p *Provider) Logger() *slog.Logger {
	return p.logger
}

// Shutdown flushes buffered spans. Safe on a provider without tracing.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracing == nil {
		return nil
	}
	return p.tracing.Shutdown(ctx)
}

// ParseLevel maps a config string to a slog level; unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(cfg Config) *slog.Logger {
	out := cfg.LogOutput
	if out == nil {
		out = os.Stdout
	}
	level := ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler).With(
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"env", cfg.Environment,
	)
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespaceKey.String("loom"),
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	sampling := cfg.TracingSampling
	if sampling <= 0 || sampling > 1 {
		sampling = 1
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(sampling),
		)),
	), nil
}
