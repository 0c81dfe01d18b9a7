package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf).With("instance_id", "i-123")

	l.Info("started %s", "bootstrap")
	l.Error("copy failed: %v", "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("expected ERROR level, got %v", entry["level"])
	}
	if entry["msg"] != "copy failed: boom" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["instance_id"] != "i-123" {
		t.Errorf("expected instance_id field, got %v", entry["instance_id"])
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	defer SetLevel("info")

	var buf bytes.Buffer
	l := New(&buf)

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry written at info level: %q", buf.String())
	}

	SetLevel("debug")
	l.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug entry missing after SetLevel(debug): %q", buf.String())
	}
}
