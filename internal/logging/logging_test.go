package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
		want   []string
		absent []string
	}{
		{
			name:   "text",
			level:  slog.LevelInfo,
			format: "text",
			want:   []string{"msg=\"lease renewed\"", "token=3"},
			absent: []string{"debug detail"},
		},
		{
			name:   "json",
			level:  slog.LevelInfo,
			format: "JSON",
			want:   []string{`"msg":"lease renewed"`, `"token":3`},
		},
		{
			name:   "warn filters info",
			level:  slog.LevelWarn,
			format: "text",
			want:   []string{"gap skipped"},
			absent: []string{"lease renewed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.level, tt.format, &buf)
			logger.Debug("debug detail")
			logger.Info("lease renewed", "token", 3)
			logger.Warn("gap skipped", "from", 4, "to", 6)

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %s: %s", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("output should not contain %q: %s", a, out)
				}
			}
		})
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	logger, closer := New(Options{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})

	logger.Debug("lease acquired", "token", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"lease acquired"`) || !strings.Contains(string(data), `"token":7`) {
		t.Errorf("log file = %s", data)
	}
}

func TestNewWithoutFile(t *testing.T) {
	logger, closer := New(DefaultOptions())
	if logger == nil {
		t.Fatal("nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewLoggerWithWriter_ChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	child := logger.With("component", "dispatch")

	child.Debug("dispatched", "task_instance_id", "ti_abc")

	output := buf.String()
	if !strings.Contains(output, "component=dispatch") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "task_instance_id=ti_abc") {
		t.Errorf("expected task_instance_id in output, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
