package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"WARNING", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
		})
	}
}

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	l, err := New(Config{Level: "info", File: path, Rotation: Rotation{MaxSize: 1}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	l.Info("file sink works")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink works") {
		t.Errorf("log file missing message, got %q", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("expected timestamp key in JSON output, got %q", data)
	}
}

func TestGlobalSetGlobal(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil before SetGlobal")
	}

	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Info("test message", zap.String("key", "value"))
	Debug("filtered out")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "test message" {
		t.Errorf("expected message %q, got %q", "test message", entries[0].Message)
	}
}

func TestFromContextAccumulatesFields(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.DebugLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	ctx := WithFields(context.Background(), zap.String("conn_id", "c1"))
	ctx = WithFields(ctx, zap.String("request_id", "r1"))
	FromContext(ctx).Warn("scoped")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["conn_id"] != "c1" || fields["request_id"] != "r1" {
		t.Errorf("unexpected fields: %v", fields)
	}

	if FromContext(context.Background()) != Global() {
		t.Error("expected global logger for a context without fields")
	}
}

func TestCallerPointsAtLoggingSite(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Global()
	SetGlobal(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	defer SetGlobal(prev)

	ctx := WithFields(context.Background(), zap.String("conn_id", "c1"))
	FromContext(ctx).Info("scoped")
	FromContext(context.Background()).Info("bare")
	Info("wrapper")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Caller.File, "logger_test.go") {
			t.Errorf("%s: caller %s, want logger_test.go", e.Message, e.Caller.File)
		}
	}
}
