// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%s)", err, line)
		}
		out = append(out, entry)
	}
	return out
}

// TestParseLevel verifies level name parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestLogger_Info verifies info logging with context.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("item enqueued", map[string]interface{}{"item_id": "abc"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0]["message"] != "item enqueued" {
		t.Errorf("message = %v", entries[0]["message"])
	}
	if entries[0]["level"] != "info" {
		t.Errorf("level = %v, want info", entries[0]["level"])
	}
	if entries[0]["item_id"] != "abc" {
		t.Errorf("item_id = %v, want abc", entries[0]["item_id"])
	}
	if _, ok := entries[0]["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_Error verifies error details are recorded.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("send failed", io.ErrUnexpectedEOF)

	entries := decodeLines(t, &buf)
	if entries[0]["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v", entries[0]["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	ctx := map[string]interface{}{"field": "target"}
	logger.ErrorWithCode("validation failed", "INVALID_INPUT", io.ErrUnexpectedEOF, ctx)

	entries := decodeLines(t, &buf)
	if entries[0]["error_code"] != "INVALID_INPUT" {
		t.Errorf("error_code = %v, want INVALID_INPUT", entries[0]["error_code"])
	}
	if entries[0]["field"] != "target" {
		t.Errorf("field = %v, want target", entries[0]["field"])
	}
	if _, mutated := ctx["error_code"]; mutated {
		t.Error("ErrorWithCode should not mutate the caller's context")
	}
}

// TestLogger_filtering verifies minimum level filtering and runtime changes.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Fatalf("messages below WARN should be filtered, got %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %q, want DEBUG", logger.Level())
	}
	logger.Debug("debug message")
	if len(decodeLines(t, &buf)) != 1 {
		t.Error("debug message should be logged after SetLevel")
	}
}

// TestLogger_getContext_multiple verifies context maps are merged.
func TestLogger_getContext_multiple(t *testing.T) {
	merged := getContext(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	)
	if len(merged) != 2 || merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("getContext() = %v", merged)
	}
	if getContext() != nil {
		t.Error("getContext() with no maps should be nil")
	}
}

// TestLogger_concurrentLogging verifies concurrent writers produce whole lines.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf safeBuffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Errorf("got %d lines, want 20", len(lines))
	}
}

// TestNewFromConfig_file verifies rotated file output.
func TestNewFromConfig_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.log")
	logger := NewFromConfig(Config{Level: "debug", File: path, MaxSizeMB: 1})

	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %q, want DEBUG", logger.Level())
	}
	if logger.Writer() == nil {
		t.Fatal("Writer() returned nil")
	}
}

// TestConfigure_replacesGlobal verifies Configure swaps the global logger.
func TestConfigure_replacesGlobal(t *testing.T) {
	l := Configure(Config{Level: "warn"})
	if Get() != l {
		t.Error("Get() should return the configured logger")
	}
	if Get().Level() != LevelWarn {
		t.Errorf("Level() = %q, want WARN", Get().Level())
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
