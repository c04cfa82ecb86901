package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracerExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InitTracer("proctor-test", &buf)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.frame")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "pipeline.frame") || !strings.Contains(out, "proctor-test") {
		t.Errorf("span not exported: %s", out)
	}
}
