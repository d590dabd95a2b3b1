package logger

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	lg := Init("engine", slog.LevelInfo)
	if lg == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id on bare context, got %q", tid)
	}

	ctx = WithTraceID(ctx, "2885-1700000000000000000")
	if tid := TraceID(ctx); tid != "2885-1700000000000000000" {
		t.Errorf("trace id round trip failed, got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2026, 3, 2, 10, 30, 0, 123456789, time.UTC)
	tid := GenerateTraceID("2885", ts)
	if want := fmt.Sprintf("2885-%d", ts.UnixNano()); tid != want {
		t.Errorf("GenerateTraceID = %q, want %q", tid, want)
	}
}

func TestLogWithTrace(t *testing.T) {
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs without trace id, got %v", attrs)
	}

	ctx := WithTraceID(context.Background(), "2885-42")
	attrs := LogWithTrace(ctx)
	if len(attrs) != 1 {
		t.Fatalf("expected one attr, got %d", len(attrs))
	}
	a, ok := attrs[0].(slog.Attr)
	if !ok || a.Key != "trace_id" || a.Value.String() != "2885-42" {
		t.Errorf("bad attr: %v", attrs[0])
	}
}
