package logging

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{"json", LoggingConfig{Level: "info", Format: "json"}, true},
		{"console", LoggingConfig{Level: "debug", Format: "console"}, true},
		{"default format", LoggingConfig{Level: "warn"}, true},
		{"invalid level", LoggingConfig{Level: "loud", Format: "json"}, false},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml"}, false},
		{"unwritable output", LoggingConfig{Level: "info", OutputPath: "/nonexistent/dir/wesflow.log"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if tt.valid {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				if logger == nil {
					t.Error("Expected logger to be created")
				}
			} else if err == nil {
				t.Error("Expected error for invalid config")
			}
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wesflow.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Debug(context.Background(), "below level")
	logger.Info(context.Background(), "execution submitted", Execution("exec-1", "submitted")...)
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "below level") {
		t.Error("Debug entry written at info level")
	}
	for _, want := range []string{`"msg":"execution submitted"`, `"execution_id":"exec-1"`, `"timestamp"`, "logger_test.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func testSpanContext(t *testing.T) context.Context {
	t.Helper()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestLoggerWithTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core))
	ctx := testSpanContext(t)

	logger.Info(ctx, "traced", zap.String("key", "value"))
	logger.Info(context.Background(), "untraced")
	logger.WithContext(ctx).Warn(context.Background(), "bound")

	traced := logs.FilterMessage("traced").All()[0].ContextMap()
	if traced["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" || traced["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("Unexpected trace fields: %v", traced)
	}
	if traced["sampled"] != true || traced["key"] != "value" {
		t.Errorf("Unexpected fields: %v", traced)
	}

	if _, ok := logs.FilterMessage("untraced").All()[0].ContextMap()["trace_id"]; ok {
		t.Error("Expected no trace fields without a span")
	}
	if logs.FilterMessage("bound").All()[0].ContextMap()["trace_id"] == nil {
		t.Error("Expected WithContext to bind the trace")
	}
}

func TestTraceFields(t *testing.T) {
	if fields := traceFields(context.Background()); fields != nil {
		t.Errorf("Expected no fields for empty context, got %v", fields)
	}
	if fields := traceFields(testSpanContext(t)); len(fields) != 3 {
		t.Errorf("Expected trace, span and sampled fields, got %v", fields)
	}
}

func TestNewFromZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core))

	logger.With(Execution("exec-1", "prepared")...).Info(context.Background(), "transitioned")

	entries := logs.FilterMessage("transitioned").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["execution_id"] != "exec-1" || fields["state"] != "prepared" {
		t.Errorf("Unexpected fields: %v", fields)
	}
}

func TestZapKeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(zap.New(core)).With(zap.String("component", "worker"))

	logger.(*ZapLogger).Zap().Info("direct")
	if logs.FilterMessage("direct").All()[0].ContextMap()["component"] != "worker" {
		t.Error("Expected Zap to carry the fields of the wrapping logger")
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info(context.Background(), "discarded")
	if NewFromZap(nil) == nil {
		t.Error("Expected nop logger for nil zap logger")
	}
}

func TestSetGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetGlobal(NewFromZap(zap.New(core)))
	t.Cleanup(func() { SetGlobal(NewNop()) })

	zap.L().Info("global")
	log.Print("from stdlib")

	if logs.FilterMessage("global").Len() != 1 {
		t.Error("Expected zap global logger to be replaced")
	}
	if logs.FilterMessage("from stdlib").Len() != 1 {
		t.Error("Expected standard library log to be redirected")
	}
}
