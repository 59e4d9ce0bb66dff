package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitLoggerWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "triage.log")
	logger, err := InitLogger(path, "info", false)
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	logger.Info("turn completed", "session_id", "abc")
	logger.Debug("hidden")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"turn completed"`) || !strings.Contains(out, `"session_id":"abc"`) {
		t.Errorf("log output = %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestInitTelemetry(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), dir, "test")
	if err != nil {
		t.Fatalf("InitTelemetry: %v", err)
	}
	if tracer == nil || meter == nil {
		t.Fatal("nil tracer or meter")
	}
	_, span := tracer.Start(context.Background(), "test_span")
	span.End()
	cleanup()

	if _, err := os.Stat(filepath.Join(dir, "traces.log")); err != nil {
		t.Errorf("trace file missing: %v", err)
	}
}
