package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	logger := Init("agent", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id before set, got %q", tid)
	}

	ctx = WithTraceID(ctx, "RELIANCE-1736937000123456789")
	if tid := TraceID(ctx); tid != "RELIANCE-1736937000123456789" {
		t.Errorf("trace id lost in round trip, got %q", tid)
	}
}

func TestGenerateTraceIDSymbolPrefix(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 123456789, time.UTC)

	tid := GenerateTraceID("RELIANCE", ts)
	if !strings.HasPrefix(tid, "RELIANCE-") {
		t.Errorf("expected symbol prefix, got %s", tid)
	}
	if !strings.HasSuffix(tid, "123456789") {
		t.Errorf("expected nano timestamp suffix, got %s", tid)
	}

	// Order-id prefixed IDs are used when an order, not a symbol, is the
	// unit of work being traced.
	if tid := GenerateTraceID("ORD-4455", ts); !strings.HasPrefix(tid, "ORD-4455-") {
		t.Errorf("expected order-id prefix, got %s", tid)
	}
}

func TestGenerateTraceIDUniquePerInstant(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	a := GenerateTraceID("TCS", base)
	b := GenerateTraceID("TCS", base.Add(time.Nanosecond))
	if a == b {
		t.Errorf("distinct instants produced the same trace id %s", a)
	}
}

func TestLogWithTraceEmitsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "INFY-1736937000123456789")

	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))
	lg.Info("order placed", LogWithTrace(ctx)...)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if got := rec["trace_id"]; got != "INFY-1736937000123456789" {
		t.Errorf("expected trace_id in log record, got %v", got)
	}
}

func TestLogWithTraceNoTraceID(t *testing.T) {
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs without a trace id, got %v", attrs)
	}
}
