package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/sandbox"
	"github.com/joss/kado/pkg/llm"
)

// fakeCommander answers commands by prefix.
type fakeCommander struct {
	mu      sync.Mutex
	replies map[string]sandbox.Result
	ran     []string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{replies: make(map[string]sandbox.Result)}
}

func (f *fakeCommander) on(prefix string, res sandbox.Result) *fakeCommander {
	f.replies[prefix] = res
	return f
}

func (f *fakeCommander) Execute(_ context.Context, command string, _ sandbox.ExecOptions) sandbox.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	for prefix, res := range f.replies {
		if strings.HasPrefix(command, prefix) {
			return res
		}
	}
	return sandbox.Result{}
}

func (f *fakeCommander) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func goProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/x\n"), 0o644))
	return root
}

func writePlan(paths ...string) (*planning.Plan, []planning.ExecutionResult) {
	plan := &planning.Plan{ID: "p"}
	var results []planning.ExecutionResult
	for i, p := range paths {
		id := "w" + string(rune('1'+i))
		plan.Steps = append(plan.Steps, &planning.PlanStep{ID: id, Description: "write " + p, ToolName: "file_write", ToolArgs: map[string]any{"path": p}})
		results = append(results, planning.ExecutionResult{StepID: id, Tool: "file_write", Success: true})
	}
	return plan, results
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
		test  string
	}{
		{name: "go", files: map[string]string{"go.mod": "module x"}, want: "go", test: "go test ./..."},
		{name: "npm with build", files: map[string]string{"package.json": `{"scripts":{"build":"tsc","test":"vitest"}}`}, want: "npm", test: "npm test"},
		{name: "npm without build falls through", files: map[string]string{"package.json": `{"scripts":{}}`, "go.mod": "module x"}, want: "go", test: "go test ./..."},
		{name: "make with test target", files: map[string]string{"Makefile": "all:\n\tcc x.c\ntest:\n\t./run\n"}, want: "make", test: "make test"},
		{name: "make without test", files: map[string]string{"Makefile": "all:\n"}, want: "make"},
		{name: "cargo", files: map[string]string{"Cargo.toml": "[package]"}, want: "cargo", test: "cargo test"},
		{name: "nothing", files: map[string]string{"README.md": "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for name, content := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
			}
			bs := Detect(root)
			if tt.want == "" {
				assert.Nil(t, bs)
				return
			}
			require.NotNil(t, bs)
			assert.Equal(t, tt.want, bs.Name)
			assert.Equal(t, tt.test, bs.Test)
		})
	}
}

func TestInspect(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(bin string) (string, error) {
		if bin == "npm" {
			return "/usr/bin/npm", nil
		}
		return "", errors.New("not found")
	}

	env := Inspect(goProject(t))
	assert.False(t, env.CanBuild())
	assert.True(t, env.Toolchain["npm"])
	require.Len(t, env.Errors, 1)
	assert.Contains(t, env.Errors[0], `"go" is not on PATH`)

	summary := env.Summary()
	assert.Contains(t, summary, "Build system: go (go build ./...)")
	assert.Contains(t, summary, "Status: DEGRADED")
}

func TestParseDiagnostics(t *testing.T) {
	out := strings.Join([]string{
		"# example.com/x",
		"main.go:12:3: unreachable code",
		"/src/app.ts:4:10: 'x' is assigned a value but never used. [Warning/no-unused-vars]",
		"util.py:7: undefined name 'foo'",
		"ok   example.com/x 0.01s",
	}, "\n")
	diags := ParseDiagnostics(out)
	require.Len(t, diags, 3)
	assert.Equal(t, Diagnostic{File: "main.go", Line: 12, Column: 3, Message: "unreachable code"}, diags[0])
	assert.True(t, diags[1].Warning)
	assert.Equal(t, "util.py:7: undefined name 'foo'", diags[2].String())
}

func TestLintCommands(t *testing.T) {
	cmds := lintCommands([]string{"pkg/a.go", "pkg/b.go", "main.go", "web/app.ts", "README.md", "tool.py"}, &BuildSystem{LintsGo: true})
	assert.Equal(t, []string{
		"go vet . ./pkg",
		"npx --no-install eslint --format unix web/app.ts",
		"python -m pyflakes tool.py",
	}, cmds)
	assert.Empty(t, lintCommands([]string{"notes.md"}, nil))
}

func TestRunBuild(t *testing.T) {
	bs := &BuildSystem{Name: "go", Binary: "go", Build: "go build ./..."}
	tests := []struct {
		name    string
		res     sandbox.Result
		skipped bool
		errors  []string
	}{
		{name: "clean", res: sandbox.Result{}},
		{name: "compile error", res: sandbox.Result{ExitCode: 1, Stderr: "# x\n./main.go:3:2: error: undefined: foo\n"}, errors: []string{"./main.go:3:2: error: undefined: foo"}},
		{name: "opaque failure", res: sandbox.Result{ExitCode: 2, Stderr: "something broke\n"}, errors: []string{"exit code 2: something broke"}},
		{name: "missing toolchain", res: sandbox.Result{ExitCode: 127}, skipped: true},
		{name: "denied", res: sandbox.Result{ExitCode: sandbox.ExitDenied, Denied: true}, skipped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newFakeCommander().on("go build", tt.res)
			res := RunBuild(context.Background(), cmd, t.TempDir(), bs)
			assert.Equal(t, tt.skipped, res.Skipped)
			assert.Equal(t, tt.errors, res.Errors)
		})
	}
}

func TestRunTestsCountsGoFailures(t *testing.T) {
	bs := &BuildSystem{Name: "go", Binary: "go", Test: "go test ./..."}
	cmd := newFakeCommander().on("go test", sandbox.Result{
		ExitCode: 1,
		Stdout:   "--- PASS: TestA (0.00s)\n--- FAIL: TestB (0.00s)\n    --- FAIL: TestB/sub (0.00s)\nFAIL\n",
	})
	res := RunTests(context.Background(), cmd, t.TempDir(), bs)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 2, res.Failed)
	assert.False(t, res.OK())
}

func TestVerifyPassesCleanRun(t *testing.T) {
	root := goProject(t)
	cmd := newFakeCommander()
	bus := events.NewBus(logging.LevelDebug)
	var mu sync.Mutex
	var checks []events.VerificationPayload
	defer bus.Subscribe(func(ev events.Event) {
		if p, ok := ev.Payload.(events.VerificationPayload); ok {
			mu.Lock()
			checks = append(checks, p)
			mu.Unlock()
		}
	})()

	plan, results := writePlan("greet.go", "greet_test.go")
	v := New(root, cmd, WithEvents(bus))
	res := v.Verify(context.Background(), results, plan)

	assert.True(t, res.Passed)
	assert.False(t, res.CanRetry)
	assert.Empty(t, res.Issues)
	assert.Equal(t, []string{"go build ./...", "go vet .", "go test ./..."}, cmd.commands())

	mu.Lock()
	defer mu.Unlock()
	var statuses []string
	for _, c := range checks {
		statuses = append(statuses, c.Check+":"+c.Status)
	}
	assert.Equal(t, []string{"build:running", "build:passed", "lint:running", "lint:passed", "test:running", "test:passed"}, statuses)
}

func TestVerifyFailedSteps(t *testing.T) {
	plan := &planning.Plan{Steps: []*planning.PlanStep{
		{ID: "s1", Description: "edit main", ToolName: "file_edit"},
		{ID: "s2", Description: "fetch docs", ToolName: "web_fetch"},
	}}
	tests := []struct {
		name     string
		results  []planning.ExecutionResult
		canRetry bool
		contains string
	}{
		{
			name:     "logic failure is retryable",
			results:  []planning.ExecutionResult{{StepID: "s1", Tool: "file_edit", Error: "oldString not found"}},
			canRetry: true,
			contains: `Step "edit main" (file_edit): oldString not found`,
		},
		{
			name: "infrastructure failures are not",
			results: []planning.ExecutionResult{
				{StepID: "s1", Error: "model unavailable", ErrorKind: apperr.KindInfrastructure},
				{StepID: "s2", Error: "fetch failed"},
			},
			contains: "2 of 2 execution step(s) failed",
		},
		{
			name:     "discovery failures are not",
			results:  []planning.ExecutionResult{{StepID: "s1", Error: planning.ReasonNothingFound, Skipped: true}},
			contains: "could not be found in the codebase",
		},
		{
			name: "only non-empty steps failed after empty searches",
			results: []planning.ExecutionResult{
				{StepID: "s0", Tool: "grep_search", Success: true, EmptyResult: true},
				{StepID: "s1", Error: "no such file"},
			},
			contains: "could not be found in the codebase",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(t.TempDir(), nil)
			res := v.Verify(context.Background(), tt.results, plan)
			assert.False(t, res.Passed)
			assert.Equal(t, tt.canRetry, res.CanRetry)
			assert.Contains(t, strings.Join(res.Issues, "\n"), tt.contains)
		})
	}
}

func TestVerifyBuildAndLintErrors(t *testing.T) {
	root := goProject(t)
	cmd := newFakeCommander().
		on("go build", sandbox.Result{ExitCode: 1, Stderr: "pkg/a.go:3:1: error: syntax error\n"}).
		on("go vet", sandbox.Result{ExitCode: 1, Stderr: "pkg/a.go:9:2: unreachable code\n"})

	plan, results := writePlan("pkg/a.go", "pkg/b.go", "pkg/c.go", "pkg/d.go")
	provider := llm.NewScripted("- fix the syntax error in a.go\n* remove dead code\n")
	v := New(root, cmd, WithProvider(provider))
	res := v.Verify(context.Background(), results, plan)

	assert.False(t, res.Passed)
	assert.True(t, res.CanRetry)
	assert.Contains(t, res.Issues, "Build error (go build ./...): pkg/a.go:3:1: error: syntax error")
	assert.Contains(t, res.Issues, "pkg/a.go:9: unreachable code")
	assert.Contains(t, res.Suggestions, "fix the syntax error in a.go")
	assert.Contains(t, res.Suggestions, "remove dead code")
	require.Len(t, provider.Calls(), 1)
	assert.NotContains(t, cmd.commands(), "go test ./...")
}

func TestVerifySkipsReviewForSmallChanges(t *testing.T) {
	cmd := newFakeCommander().on("go build", sandbox.Result{ExitCode: 1, Stderr: "main.go:1:1: error: bad\n"})
	provider := llm.NewScripted("unused")
	plan, results := writePlan("main.go")
	res := New(goProject(t), cmd, WithProvider(provider)).Verify(context.Background(), results, plan)
	assert.False(t, res.Passed)
	assert.Empty(t, provider.Calls())
}

func TestVerifyHonoursChecks(t *testing.T) {
	cmd := newFakeCommander()
	plan, results := writePlan("main_test.go")
	res := New(goProject(t), cmd, WithChecks(Checks{Lint: true})).Verify(context.Background(), results, plan)
	assert.True(t, res.Passed)
	assert.Equal(t, []string{"go vet ."}, cmd.commands())
}

func TestModifiedFiles(t *testing.T) {
	plan := &planning.Plan{Steps: []*planning.PlanStep{
		{ID: "a", ToolName: "file_write", ToolArgs: map[string]any{"path": "x.go"}},
		{ID: "b", ToolName: "file_edit", ToolArgs: map[string]any{"file": "y.go"}},
		{ID: "c", ToolName: "file_read", ToolArgs: map[string]any{"path": "z.go"}},
		{ID: "d", ToolName: "file_edit", ToolArgs: map[string]any{"path": "w.go"}},
	}}
	results := []planning.ExecutionResult{
		{StepID: "a", Tool: "file_write", Success: true, Files: []string{"x.go"}},
		{StepID: "b", Tool: "file_edit", Success: true},
		{StepID: "c", Tool: "file_read", Success: true},
		{StepID: "d", Tool: "file_edit"},
		{StepID: "a", Tool: "file_write", Success: true, Files: []string{"x.go"}},
	}
	assert.Equal(t, []string{"x.go", "y.go"}, ModifiedFiles(results, plan))
}
