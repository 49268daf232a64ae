package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/efficientgo/core/errors"
)

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			if got := GetLogLevel(); got != tt.level {
				t.Errorf("GetLogLevel() = %v, want %v", got, tt.level)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogComponents(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentReset, "debug message", "port", 2)
	LogInfo(ComponentHub, "info message")
	LogWarn(ComponentEnum, "warn message")
	LogError(ComponentHAL, "error message")

	output := buf.String()
	for _, want := range []string{
		"debug message", "component=reset", "port=2",
		"info message", "component=hub",
		"warn message", "component=enum",
		"error message", "component=hal",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("log output missing %q: %s", want, output)
		}
	}
}

func TestSetLogFormat(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogFormat(&buf, LogFormatJSON)
	LogError(ComponentHost, "json message")

	if !strings.Contains(buf.String(), `"msg":"json message"`) {
		t.Errorf("JSON log output missing message: %s", buf.String())
	}
}

func TestLogErrorsOnOneLine(t *testing.T) {
	var buf bytes.Buffer
	original := DefaultLogger
	defer func() { DefaultLogger = original }()

	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	LogWarn(ComponentReset, "reset attempt failed", "port", 1,
		"error", errors.Wrap(ErrTimeout, "reset did not complete"))

	output := buf.String()
	if n := strings.Count(output, "\n"); n != 1 {
		t.Errorf("log record spans %d lines: %s", n, output)
	}
	if !strings.Contains(output, `error="reset did not complete: request timeout"`) {
		t.Errorf("log output missing error message: %s", output)
	}
}
