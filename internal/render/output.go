package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/joss/kado/internal/events"
)

// Format selects how structured command output is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
}

// Encode writes v as JSON or YAML. Text output is the caller's job.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not a structured encoding", f)
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// EventPrinter renders the event stream for a human watching a request.
type EventPrinter struct {
	mu      sync.Mutex
	w       *Writer
	verbose bool
}

// NewEventPrinter prints to w. Verbose also shows tool calls and log lines.
func NewEventPrinter(w io.Writer, verbose bool) *EventPrinter {
	if !IsTerminal(w) {
		color.NoColor = true
	}
	return &EventPrinter{w: NewWriter(w), verbose: verbose}
}

// Attach subscribes the printer to bus and returns the unsubscribe func.
func (p *EventPrinter) Attach(bus *events.Bus) func() {
	return bus.Subscribe(p.Handle)
}

// Handle renders one event.
func (p *EventPrinter) Handle(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch pl := ev.Payload.(type) {
	case events.StateChangePayload:
		p.w.Println("%s %s → %s", color.HiBlackString("state"), pl.From, color.CyanString(pl.To))

	case events.PlanCreatedPayload:
		p.w.Line()
		p.w.Println("%s %s (%d steps)", color.CyanString("plan"), pl.Title, len(pl.Steps))
		for i, s := range pl.Steps {
			deps := ""
			if len(s.DependsOn) > 0 {
				deps = color.HiBlackString(" after " + strings.Join(s.DependsOn, ", "))
			}
			p.w.Item("%d. [%s] %s%s", i+1, s.Tool, s.Description, deps)
		}
		p.w.Line()

	case events.ProgressPayload:
		if p.verbose {
			p.w.Item("%s %s", color.HiBlackString("…"), pl.Message)
		}

	case events.ToolCallPayload:
		if p.verbose {
			p.w.Item("%s %s %s", color.BlueString("→"), pl.Tool, color.HiBlackString(Truncate(fmt.Sprint(pl.Args), 80)))
		}

	case events.ToolResultPayload:
		if p.verbose && !pl.Success {
			p.w.Nested("%s", color.RedString(Truncate(pl.Error, 100)))
		}

	case events.StepCompletePayload:
		icon := color.GreenString(BoolIcon(true))
		if !pl.Success {
			icon = color.RedString(BoolIcon(false))
		}
		p.w.Println("%s [%d/%d] %s %s", icon, pl.Index, pl.Total, pl.Description, color.HiBlackString(FormatDuration(pl.Duration)))
		if pl.Error != "" {
			p.w.Nested("%s", color.RedString(Truncate(pl.Error, 100)))
		}

	case events.FileChangePayload:
		for _, c := range pl.Changes {
			p.w.Item("%s %s", fileMark(c.Kind), c.Path)
		}

	case events.VerificationPayload:
		status := pl.Status
		switch pl.Status {
		case "passed":
			status = color.GreenString(pl.Status)
		case "failed":
			status = color.RedString(pl.Status)
		}
		line := fmt.Sprintf("%s %-6s %s", color.HiBlackString("verify"), pl.Check, status)
		if pl.Message != "" {
			line += " " + color.HiBlackString(Truncate(pl.Message, 80))
		}
		p.w.Println("%s", line)

	case events.MessagePayload:
		p.w.Line()
		p.w.Println("%s", pl.Content)

	case events.ErrorPayload:
		p.w.Println("%s %s", color.RedString("error:"), pl.Message)

	case events.CompletePayload:
		if pl.Success {
			p.w.Println("%s", color.GreenString("done"))
		} else {
			p.w.Println("%s", color.RedString("failed"))
		}

	case events.WorktreePayload:
		switch ev.Type {
		case events.TypeWorktreeAccepted:
			p.w.Println("%s %s applied (%d files)", color.GreenString("worktree"), pl.TaskID, len(pl.Files))
		case events.TypeWorktreeRejected:
			p.w.Println("%s %s discarded", color.YellowString("worktree"), pl.TaskID)
		default:
			p.w.Line()
			p.w.Println("%s %s on %s", color.CyanString("worktree"), pl.TaskID, pl.Branch)
			if len(pl.Files) == 0 {
				p.w.Item("%s", color.HiBlackString("no changes"))
			}
			for _, f := range pl.Files {
				p.w.Item("%s %s %s", fileMark(f.Kind), f.Path,
					color.HiBlackString("+%d -%d", f.Additions, f.Deletions))
			}
		}

	case events.LogPayload:
		if p.verbose {
			p.w.Println("%s %s %s", color.HiBlackString(pl.Level), pl.Source, pl.Message)
		}
	}
}

func fileMark(k events.FileChangeKind) string {
	switch k {
	case events.FileAdded:
		return color.GreenString("+")
	case events.FileDeleted:
		return color.RedString("-")
	}
	return color.YellowString("~")
}
