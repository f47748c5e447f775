package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("json", slog.LevelWarn, &buf)
	l.Info("dropped")
	l.Warn("deframe_overflow", "held", 12)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above level, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "deframe_overflow" || rec["held"] != float64(12) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestSetIgnoresNil(t *testing.T) {
	prev := L()
	defer Set(prev)
	Set(nil)
	if L() != prev {
		t.Fatalf("nil logger replaced global")
	}
	d := Discard()
	Set(d)
	if L() != d {
		t.Fatalf("Set did not replace global")
	}
}
