package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joss/kado/internal/sandbox"
)

// Check timeouts.
const (
	BuildTimeout = 2 * time.Minute
	LintTimeout  = time.Minute
	TestTimeout  = 5 * time.Minute
)

// Diagnostic is one parsed compiler or linter line.
type Diagnostic struct {
	File    string
	Line    int
	Column  int
	Message string
	Warning bool
}

func (d Diagnostic) String() string {
	if d.File == "" {
		return d.Message
	}
	loc := d.File
	if d.Line > 0 {
		loc += ":" + strconv.Itoa(d.Line)
	}
	return loc + ": " + d.Message
}

// CheckResult is the outcome of one build, lint or test run.
type CheckResult struct {
	Command  string
	Skipped  bool
	Reason   string
	Errors   []string
	Warnings []string
	Passed   int
	Failed   int
}

// OK reports a check that ran clean or was skipped.
func (r CheckResult) OK() bool {
	return len(r.Errors) == 0 && r.Failed == 0
}

func skip(reason string) CheckResult {
	return CheckResult{Skipped: true, Reason: reason}
}

func combined(res sandbox.Result) string {
	return res.Stdout + "\n" + res.Stderr
}

// RunBuild runs the detected build command and classifies its output.
func RunBuild(ctx context.Context, cmd sandbox.Commander, root string, bs *BuildSystem) CheckResult {
	if bs == nil {
		return skip("No build system detected; skipping build verification")
	}
	out := CheckResult{Command: bs.Build}
	res := cmd.Execute(ctx, bs.Build, sandbox.ExecOptions{Dir: root, Timeout: BuildTimeout})
	if res.Denied {
		return skip("build command refused by sandbox: " + strings.TrimSpace(res.Stderr))
	}
	if res.ExitCode == 127 {
		return skip(bs.Binary + " is not installed")
	}
	for _, line := range strings.Split(combined(res), "\n") {
		lower := strings.ToLower(line)
		switch {
		case isErrorLine(lower, bs.Name):
			out.Errors = append(out.Errors, strings.TrimSpace(line))
		case strings.Contains(lower, "warning") && !strings.Contains(lower, "0 warning"):
			out.Warnings = append(out.Warnings, strings.TrimSpace(line))
		}
	}
	if !res.Success() && len(out.Errors) == 0 {
		out.Errors = append(out.Errors, failureLine(res))
	}
	return out
}

func isErrorLine(lower, system string) bool {
	if !strings.Contains(lower, "error") || strings.Contains(lower, "0 error") {
		return false
	}
	switch system {
	case "npm":
		if strings.Contains(lower, "err!") || strings.Contains(lower, "error ts") {
			return true
		}
	case "cargo":
		if strings.HasPrefix(lower, "error") {
			return true
		}
	case "python":
		if strings.Contains(lower, "syntaxerror") {
			return true
		}
	}
	return strings.Contains(lower, ": error") || strings.Contains(lower, "error:")
}

// failureLine summarises a failed command whose output had no recognisable
// diagnostics.
func failureLine(res sandbox.Result) string {
	if res.TimedOut {
		return "command timed out"
	}
	if res.Killed {
		return "command was killed"
	}
	last := ""
	for _, line := range strings.Split(strings.TrimSpace(combined(res)), "\n") {
		if t := strings.TrimSpace(line); t != "" {
			last = t
		}
	}
	if last == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, last)
}

// diagnosticLine matches "file:line[:col]: message" as printed by go vet,
// eslint --format unix, pyflakes and most compilers.
var diagnosticLine = regexp.MustCompile(`^([^\s:][^:]*):(\d+)(?::(\d+))?:\s*(.+)$`)

// ParseDiagnostics extracts file diagnostics from tool output.
func ParseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		d := Diagnostic{File: m[1], Message: strings.TrimSpace(m[4])}
		d.Line, _ = strconv.Atoi(m[2])
		d.Column, _ = strconv.Atoi(m[3])
		lower := strings.ToLower(d.Message)
		d.Warning = strings.Contains(lower, "[warning") || strings.HasPrefix(lower, "warning")
		out = append(out, d)
	}
	return out
}

// lintCommands builds one command per language present in files.
func lintCommands(files []string, bs *BuildSystem) []string {
	var goDirs, js, py []string
	seen := make(map[string]bool)
	for _, f := range files {
		switch strings.ToLower(filepath.Ext(f)) {
		case ".go":
			dir := "./" + filepath.ToSlash(filepath.Dir(f))
			if dir == "./." {
				dir = "."
			}
			if !seen[dir] {
				seen[dir] = true
				goDirs = append(goDirs, dir)
			}
		case ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs":
			js = append(js, f)
		case ".py":
			py = append(py, f)
		}
	}
	var cmds []string
	if len(goDirs) > 0 && (bs == nil || bs.LintsGo) {
		sort.Strings(goDirs)
		cmds = append(cmds, "go vet "+strings.Join(goDirs, " "))
	}
	if len(js) > 0 {
		cmds = append(cmds, "npx --no-install eslint --format unix "+strings.Join(js, " "))
	}
	if len(py) > 0 {
		cmds = append(cmds, "python -m pyflakes "+strings.Join(py, " "))
	}
	return cmds
}

// RunLint lints the modified files. Languages without a linter are
// ignored; a linter that is not installed skips the check.
func RunLint(ctx context.Context, cmd sandbox.Commander, root string, files []string, bs *BuildSystem) CheckResult {
	cmds := lintCommands(files, bs)
	if len(cmds) == 0 {
		return skip("no lintable files modified")
	}
	out := CheckResult{Command: strings.Join(cmds, " && ")}
	ran := 0
	for _, c := range cmds {
		res := cmd.Execute(ctx, c, sandbox.ExecOptions{Dir: root, Timeout: LintTimeout})
		if res.Denied || res.ExitCode == 127 {
			out.Warnings = append(out.Warnings, "linter unavailable: "+strings.Fields(c)[0])
			continue
		}
		ran++
		diags := ParseDiagnostics(combined(res))
		errs := 0
		for _, d := range diags {
			if d.Warning {
				out.Warnings = append(out.Warnings, d.String())
				continue
			}
			errs++
			out.Errors = append(out.Errors, d.String())
		}
		if !res.Success() && errs == 0 && len(diags) == 0 {
			out.Warnings = append(out.Warnings, "lint command failed: "+failureLine(res))
		}
	}
	if ran == 0 {
		out.Skipped = true
		out.Reason = "no linter installed"
	}
	return out
}

var (
	goFail      = regexp.MustCompile(`(?m)^\s*--- FAIL:`)
	goPass      = regexp.MustCompile(`(?m)^\s*--- PASS:`)
	passedCount = regexp.MustCompile(`(\d+)\s+passed`)
	failedCount = regexp.MustCompile(`(\d+)\s+failed`)
)

// RunTests runs the project's test entry point and counts results.
func RunTests(ctx context.Context, cmd sandbox.Commander, root string, bs *BuildSystem) CheckResult {
	if bs == nil || bs.Test == "" {
		return skip("no test command detected")
	}
	out := CheckResult{Command: bs.Test}
	res := cmd.Execute(ctx, bs.Test, sandbox.ExecOptions{Dir: root, Timeout: TestTimeout})
	if res.Denied {
		return skip("test command refused by sandbox")
	}
	if res.ExitCode == 127 {
		return skip(bs.Binary + " is not installed")
	}
	text := combined(res)
	if bs.Name == "go" {
		out.Failed = len(goFail.FindAllString(text, -1))
		out.Passed = len(goPass.FindAllString(text, -1))
	} else {
		out.Passed = firstInt(passedCount, text)
		out.Failed = firstInt(failedCount, text)
	}
	if !res.Success() && out.Failed == 0 {
		out.Failed = 1
		out.Errors = append(out.Errors, failureLine(res))
	}
	return out
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
