package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestValidate(t *testing.T) {
	assert.Empty(t, Config{Exporter: "zipkin", SampleRatio: 7}.Validate(), "disabled config is not checked")
	assert.Empty(t, Config{Enabled: true, Exporter: "otlp", SampleRatio: 1}.Validate())
	assert.Len(t, Config{Enabled: true, Exporter: "zipkin", SampleRatio: 1.5}.Validate(), 2)
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_StdoutToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.json")
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    ExporterStdout,
		File:        path,
		SampleRatio: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { Init(context.Background(), Config{}) })

	_, span := otel.Tracer("test").Start(context.Background(), "simulate sample.py")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	Shutdown(shutdown)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "simulate sample.py")
	assert.Contains(t, string(data), "rtpfuzz")
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "zipkin", SampleRatio: 1})
	assert.Error(t, err)
}
