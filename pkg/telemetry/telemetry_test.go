package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestConfigureSlogJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	logger.InfoContext(context.Background(), "hello", slog.String("k", "v"))
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("expected json output, got: %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("expected attribute, got: %s", out)
	}
}

func TestConfigureSlogLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "warn", "text")

	logger.Info("dropped")
	logger.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn record missing")
	}
}

func TestConfigureSlogStampsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02, 0x03, 0x04},
		SpanID:  trace.SpanID{0x0a, 0x0b},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "step done")
	out := buf.String()
	if !strings.Contains(out, `"trace_id":"`+sc.TraceID().String()+`"`) {
		t.Fatalf("trace id not stamped: %s", out)
	}
	if !strings.Contains(out, `"span_id":"`+sc.SpanID().String()+`"`) {
		t.Fatalf("span id not stamped: %s", out)
	}
}

func TestConfigureSlogKeepsExplicitTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0xff},
		SpanID:  trace.SpanID{0xee},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "step done", slog.String("trace_id", "pinned"))
	out := buf.String()
	if !strings.Contains(out, `"trace_id":"pinned"`) {
		t.Fatalf("explicit attribute overwritten: %s", out)
	}
	if strings.Count(out, `"trace_id"`) != 1 {
		t.Fatalf("trace_id stamped twice: %s", out)
	}
}

func TestInitWithConfigOTLPRequiresEndpoint(t *testing.T) {
	if _, err := InitWithConfig("noesis-test", "0.0.1", Config{Exporter: "otlp"}); err == nil {
		t.Fatalf("expected error for otlp without endpoint")
	}
}

func TestParseLogLevel(t *testing.T) {
	if parseLogLevel("debug") != slog.LevelDebug {
		t.Fatalf("debug mapping wrong")
	}
	if parseLogLevel("unknown") != slog.LevelInfo {
		t.Fatalf("default mapping wrong")
	}
}

func TestInitWithConfigNone(t *testing.T) {
	shutdown, err := InitWithConfig("noesis-test", "0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("none exporter should not fail: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}

func TestInitWithConfigUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("noesis-test", "0.0.1", Config{Exporter: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestMetricsNilReceiverSafe(t *testing.T) {
	var m *CoreMetrics
	m.RecordTurn(context.Background(), "agent", "ok")
	m.RecordStep(context.Background(), "reason")
	m.RecordRiskBlock(context.Background(), "file_delete", "critical")
}
