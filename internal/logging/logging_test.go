package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_Stdout(t *testing.T) {
	logger, closer, err := New(Options{Output: "stdout"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_EmptyOutputDefaultsToStdout(t *testing.T) {
	logger, closer, err := New(Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(Options{
		Output:    path,
		Format:    "json",
		Level:     "info",
		MaxSizeMB: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("hello from test", "key", "value")
	if err := closer.Close(); err != nil {
		t.Fatalf("closing logger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"msg":"hello from test"`) {
		t.Errorf("expected JSON log line, got %s", line)
	}
	if !strings.Contains(line, `"key":"value"`) {
		t.Errorf("expected structured attribute, got %s", line)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(Options{Output: path, Level: "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("filtered out")
	logger.Warn("kept")
	closer.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if strings.Contains(out, "filtered out") {
		t.Error("expected info line suppressed at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("expected warn line present")
	}
}

func TestNew_TextFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, closer, err := New(Options{Output: path, Format: "text"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("text line")
	closer.Close()

	data, _ := os.ReadFile(path)
	out := string(data)
	if !strings.Contains(out, "text line") {
		t.Errorf("expected message in text output, got %s", out)
	}
	if strings.Contains(out, `"msg"`) {
		t.Errorf("expected non-JSON output for text format, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
