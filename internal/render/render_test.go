package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/store"
)

func init() {
	color.NoColor = true
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is long", 8, "this ..."},
		{"abc", 2, "ab"},
		{"two\nlines", 20, "two lines"},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{125 * time.Second, "2m5s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(512); got != "512 B" {
		t.Errorf("FormatSize(512) = %q", got)
	}
	if got := FormatSize(1536); got != "1.5 KB" {
		t.Errorf("FormatSize(1536) = %q", got)
	}
	if got := FormatSize(3 << 20); got != "3.0 MB" {
		t.Errorf("FormatSize(3MiB) = %q", got)
	}
}

func TestStatusIcon(t *testing.T) {
	for status, want := range map[string]string{
		"allowed":  "✓",
		"complete": "✓",
		"denied":   "✗",
		"error":    "✗",
		"skipped":  "○",
		"whatever": "•",
	} {
		if got := StatusIcon(status); got != want {
			t.Errorf("StatusIcon(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestEncode(t *testing.T) {
	v := audit.Entry{ID: "e1", Action: "file-write", Result: audit.ResultDenied}

	var js bytes.Buffer
	if err := Encode(&js, FormatJSON, v); err != nil {
		t.Fatalf("Encode json: %v", err)
	}
	var back audit.Entry
	if err := json.Unmarshal(js.Bytes(), &back); err != nil || back.Result != audit.ResultDenied {
		t.Errorf("json round trip = %+v, %v", back, err)
	}

	var ym bytes.Buffer
	if err := Encode(&ym, FormatYAML, map[string]any{"action": "file-write", "total": 3}); err != nil {
		t.Fatalf("Encode yaml: %v", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(ym.Bytes(), &m); err != nil || m["total"] != 3 {
		t.Errorf("yaml output = %q, %v", ym.String(), err)
	}

	if err := Encode(&ym, FormatText, v); err == nil {
		t.Error("Encode text should fail")
	}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewEventPrinter(&buf, false)
	bus := events.NewBus("info")
	defer p.Attach(bus)()

	bus.Emit(events.TypeStateChange, events.StateChangePayload{From: "idle", To: "planning"})
	bus.Emit(events.TypePlanCreated, events.PlanCreatedPayload{Title: "Add greet", Steps: []events.PlanStep{
		{ID: "step-1", Description: "write greet.go", Tool: "file_write"},
		{ID: "step-2", Description: "run tests", Tool: "shell_execute", DependsOn: []string{"step-1"}},
	}})
	bus.Emit(events.TypeToolCall, events.ToolCallPayload{Tool: "file_write"})
	bus.Emit(events.TypeStepComplete, events.StepCompletePayload{StepID: "step-2", Index: 2, Total: 2, Description: "run tests", Error: "exit status 1"})
	bus.Emit(events.TypeFileChange, events.FileChangePayload{Changes: []events.FileChange{{Path: "greet.go", Kind: events.FileAdded}}})
	bus.Emit(events.TypeComplete, events.CompletePayload{Success: false})

	out := buf.String()
	for _, want := range []string{
		"idle → planning",
		"Add greet (2 steps)",
		"2. [shell_execute] run tests after step-1",
		"✗ [2/2] run tests",
		"└─ exit status 1",
		"+ greet.go",
		"failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "→ file_write") {
		t.Error("tool calls should only show in verbose mode")
	}
}

func TestEventPrinterWorktree(t *testing.T) {
	var buf bytes.Buffer
	p := NewEventPrinter(&buf, false)
	bus := events.NewBus("info")
	defer p.Attach(bus)()

	bus.Emit(events.TypeWorktreeDiff, events.WorktreePayload{TaskID: "01abc", Branch: "kado/01abc", Files: []events.WorktreeFile{
		{Path: "greet.go", Kind: events.FileAdded, Additions: 12},
		{Path: "main.go", Kind: events.FileModified, Additions: 1, Deletions: 2},
	}})
	bus.Emit(events.TypeWorktreeAccepted, events.WorktreePayload{TaskID: "01abc", Files: []events.WorktreeFile{{Path: "greet.go"}}})
	bus.Emit(events.TypeWorktreeRejected, events.WorktreePayload{TaskID: "01def"})

	out := buf.String()
	for _, want := range []string{
		"01abc on kado/01abc",
		"+ greet.go +12 -0",
		"main.go +1 -2",
		"01abc applied (1 files)",
		"01def discarded",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAuditRendering(t *testing.T) {
	var buf bytes.Buffer
	a := &Audit{Writer: NewWriter(&buf)}
	a.Entries([]audit.Entry{
		{Timestamp: time.Now(), AgentID: "agent-1", Action: "shell-execute", Resource: "rm -rf /", Result: audit.ResultDenied, Details: map[string]any{"reason": "blocked command"}},
	})
	a.Stats(audit.Summarize([]audit.Entry{{Action: "shell-execute", Result: audit.ResultDenied}}))
	a.Anomalies(nil)

	out := buf.String()
	for _, want := range []string{"AUDIT LOG (1 ENTRIES)", "✗", "└─ blocked command", "shell-execute:", "No anomalies detected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunRendering(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	start := time.Now().Add(-time.Minute)
	run := &store.Run{
		ID: "01HRUNID", Request: "add greet", Title: "Add greet", Status: "error",
		StepCount: 2, FailedCount: 1, StartedAt: start, FinishedAt: start.Add(3 * time.Second),
		Plan: &planning.Plan{Title: "Add greet", Steps: []*planning.PlanStep{
			{ID: "step-1", ToolName: "file_write", Description: "write", Status: planning.StepComplete},
			{ID: "step-2", ToolName: "shell_execute", Description: "test", Status: planning.StepFailed, DependsOn: []string{"step-1"}},
		}},
		Results: []planning.ExecutionResult{
			{StepID: "step-1", Success: true, Files: []string{"greet.go"}},
			{StepID: "step-2", Error: "exit status 1", RollbackInfo: "Rolled back 1 file(s) after failure"},
		},
	}
	w.Runs([]*store.Run{run})
	w.Run(run)

	out := buf.String()
	for _, want := range []string{"1/2 steps", "3.0s", "PLAN: ADD GREET", "└─ greet.go", "└─ Rolled back 1 file(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPermissionsRendering(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Permissions("demo", nil)
	w.Permissions("demo", []permission.Stored{{Type: permission.ActionShellExecute, Resource: "go test ./...", Decision: permission.AllowAlways}})

	out := buf.String()
	if !strings.Contains(out, "No stored permissions for demo") || !strings.Contains(out, "allow-always") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
