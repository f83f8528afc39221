package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevelMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		level        string
		debugEnabled bool
		wantErr      bool
	}{
		{name: "debug level", level: "debug", debugEnabled: true},
		{name: "info level", level: "info"},
		{name: "empty defaults to info", level: ""},
		{name: "invalid level", level: "chatty", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewLogger() should fail for invalid level")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.debugEnabled {
				t.Fatalf("debug enabled = %v, want %v", got, tt.debugEnabled)
			}
		})
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithCorrelationID(context.Background(), "cid-123")
	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok || correlationID != "cid-123" {
		t.Fatalf("CorrelationIDFromContext() = (%q, %v), want (cid-123, true)", correlationID, ok)
	}

	if _, ok := CorrelationIDFromContext(context.Background()); ok {
		t.Fatal("correlation id should be missing on a bare context")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "cid-789")
	WithContextLogger(base, ctx).Info("annotated")
	WithContextLogger(base, context.Background()).Info("plain")

	entries := recorded.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["correlationId"]; got != "cid-789" {
		t.Fatalf("correlationId = %v, want cid-789", got)
	}
	if _, ok := entries[1].ContextMap()["correlationId"]; ok {
		t.Fatal("plain entry should carry no correlationId")
	}
}
