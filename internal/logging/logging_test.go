package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func capture(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Setup(Options{Level: level, Writer: &buf}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		_, _ = Setup(Options{})
		SetSink(nil, LevelInfo)
	})
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{" info ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevelEnabled(t *testing.T) {
	if !LevelError.Enabled(LevelWarn) {
		t.Error("error should pass a warn threshold")
	}
	if LevelDebug.Enabled(LevelInfo) {
		t.Error("debug should not pass an info threshold")
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	buf := capture(t, "debug")

	New("executor").WithProject("demo").WithAgent("a1").Info("step_start", map[string]any{"step": "step-1"})

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("expected 1 line, got %d", len(got))
	}
	e := got[0]
	if e["component"] != "executor" || e["project"] != "demo" || e["agent"] != "a1" {
		t.Errorf("unexpected context fields: %v", e)
	}
	if e["message"] != "step_start" || e["step"] != "step-1" || e["level"] != "info" {
		t.Errorf("unexpected entry: %v", e)
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	buf := capture(t, "warn")

	l := New("x")
	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil, errors.New("disk slow"))

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("expected 1 line, got %d", len(got))
	}
	if got[0]["error"] != "disk slow" {
		t.Errorf("expected error field, got %v", got[0])
	}
}

func TestChildComponent(t *testing.T) {
	l := New("agent").Child("review")
	if l.Component() != "agent:review" {
		t.Errorf("expected agent:review, got %s", l.Component())
	}
}

func TestTimedEvent(t *testing.T) {
	buf := capture(t, "info")

	New("loop").TimedEvent("plan_done", time.Now().Add(-50*time.Millisecond), nil)

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("expected 1 line, got %d", len(got))
	}
	if d, _ := got[0]["duration_ms"].(float64); d < 50 {
		t.Errorf("expected duration_ms >= 50, got %v", got[0]["duration_ms"])
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) Log(level Level, source, message string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, string(level)+"|"+source+"|"+message)
}

func TestSinkReceivesEntriesAboveMinimum(t *testing.T) {
	capture(t, "trace")
	s := &recordingSink{}
	SetSink(s, LevelWarn)

	l := New("sandbox")
	l.Info("ignored", nil)
	l.Error("spawn_failed", nil, errors.New("not found"))

	if len(s.entries) != 1 || s.entries[0] != "error|sandbox|spawn_failed" {
		t.Errorf("unexpected sink entries: %v", s.entries)
	}
}

func TestSetupWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	closer, err := Setup(Options{Level: "info", Writer: &buf, Dir: dir})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _, _ = Setup(Options{}) })

	New("cli").Info("hello", nil)
	closer()

	name := "kado-" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"hello"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if _, err := Setup(Options{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
