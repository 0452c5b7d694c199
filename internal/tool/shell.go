package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joss/kado/internal/sandbox"
)

// maxShellOutput caps each captured stream in the result.
const maxShellOutput = 30000

// ShellExecute runs a command through the sandboxed executor.
type ShellExecute struct {
	root string
	cmd  sandbox.Commander
}

func NewShellExecute(root string, cmd sandbox.Commander) *ShellExecute {
	return &ShellExecute{root: root, cmd: cmd}
}

func (t *ShellExecute) Info() Definition {
	return Definition{
		Name:        "shell_execute",
		Description: "Run a shell command in the project sandbox",
		Category:    CategoryExecution,
		Params: []Param{
			{Name: "command", Type: "string", Description: "Command to run", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 30)", Default: 30},
		},
	}
}

func (t *ShellExecute) Execute(ctx context.Context, args map[string]any) Result {
	command, _ := stringArg(args, "command", "cmd")
	if strings.TrimSpace(command) == "" {
		return Fail("shell_execute: command is required")
	}
	if t.cmd == nil {
		return Fail("shell_execute: no executor configured")
	}

	opts := sandbox.ExecOptions{}
	if cwd, _ := stringArg(args, "cwd"); cwd != "" {
		opts.Dir = resolvePath(t.root, cwd)
	}
	if secs, ok := intArg(args, "timeout"); ok && secs > 0 {
		opts.Timeout = time.Duration(secs) * time.Second
	}

	r := t.cmd.Execute(ctx, command, opts)
	data := map[string]any{
		"stdout":   clip(r.Stdout, maxShellOutput),
		"stderr":   clip(r.Stderr, maxShellOutput),
		"exitCode": r.ExitCode,
	}
	if r.Killed {
		data["killed"] = true
		data["timedOut"] = r.TimedOut
	}
	if r.Success() {
		return Result{Success: true, Data: data}
	}

	msg := strings.TrimSpace(r.Stderr)
	switch {
	case r.Denied:
		msg = "blocked: " + msg
	case r.TimedOut:
		msg = fmt.Sprintf("command timed out and was killed after %s", r.Duration.Round(time.Millisecond))
	case msg == "":
		msg = fmt.Sprintf("Exit code %d", r.ExitCode)
	}
	return Result{Data: data, Error: msg}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}

var _ Tool = (*ShellExecute)(nil)
