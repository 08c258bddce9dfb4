package logging

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// setupTestLogger configures a logger with a custom writer for tests
func setupTestLogger(output *bytes.Buffer, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	SetLoggerForTest(zerolog.New(output).With().Timestamp().Logger().Level(lvl))
}

func TestInfoLogging(t *testing.T) {
	var buf bytes.Buffer
	setupTestLogger(&buf, "info")

	Info("formula rendered", "width", 42, "native", true)

	out := buf.String()
	if !strings.Contains(out, "formula rendered") {
		t.Error("Expected log message not found in output")
	}
	if !strings.Contains(out, `"width":42`) || !strings.Contains(out, `"native":true`) {
		t.Error("Expected key-value pairs not found in output")
	}
}

func TestWarnLoggingWithError(t *testing.T) {
	var buf bytes.Buffer
	setupTestLogger(&buf, "warn")

	Warn("upload failed", "error", errors.New("boom"))

	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("expected error field, got %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	setupTestLogger(&buf, "error")

	Info("hidden")
	Debug("hidden too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below error level, got %q", buf.String())
	}

	SetLogLevel("info")
	Info("should be visible")
	if !strings.Contains(buf.String(), "should be visible") {
		t.Error("Expected info log after SetLogLevel not found")
	}
}

func TestDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	setupTestLogger(&buf, "info")

	Info("odd", "k", "v", "dangling")
	if !strings.Contains(buf.String(), `"dangling":"(MISSING)"`) {
		t.Errorf("expected dangling key marker, got %s", buf.String())
	}
}

func TestInitLoggerAndSetLogLevelFallback(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "texbot.log")
	InitLogger(logFile, 1, 1, 1, false, "invalid")
	SetLogLevel("invalid")
	Info("hello", "k", "v")
	Warn("warn")
	Error("error")
	if got := Logger().GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %v", got)
	}
}
