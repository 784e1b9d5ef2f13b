// Package tracing sets up OpenTelemetry tracing for simulation batches.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rtpfuzz/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config governs how tracing is initialized.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // stdout or otlp
	Endpoint    string  `yaml:"endpoint"`     // otlp collector, host:port
	File        string  `yaml:"file"`         // stdout exporter destination; empty = stderr
	SampleRatio float64 `yaml:"sample_ratio"` // 0..1
}

// Validate returns the problems with c, if any.
func (c Config) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var problems []string
	switch strings.ToLower(c.Exporter) {
	case "", ExporterStdout, ExporterOTLP:
	default:
		problems = append(problems, fmt.Sprintf("tracing exporter %q is not one of %s, %s", c.Exporter, ExporterStdout, ExporterOTLP))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		problems = append(problems, fmt.Sprintf("tracing sample_ratio %v is outside [0, 1]", c.SampleRatio))
	}
	return problems
}

// Init installs the global tracer provider described by cfg and returns the
// function that flushes and stops it. Disabled tracing installs a no-op
// provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, closer, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "rtpfuzz"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logging.BootDebug("tracing enabled: exporter=%s ratio=%.2f", cfg.Exporter, cfg.SampleRatio)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			closer.Close()
		}
		return err
	}, nil
}

func exporterFromConfig(ctx context.Context, cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		var w io.Writer = os.Stderr
		var closer io.Closer
		if cfg.File != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create trace directory: %w", err)
			}
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
			}
			w, closer = f, f
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
		return exp, closer, err
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		return exp, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Shutdown calls shutdown with a bounded timeout, logging any failure.
func Shutdown(shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logging.BootWarn("tracing shutdown failed: %v", err)
	}
}
