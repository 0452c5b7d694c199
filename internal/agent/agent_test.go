package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/pkg/llm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type toolCall struct {
	agentID string
	name    string
	args    map[string]any
}

// fakeTools records calls and answers from a per-tool function.
type fakeTools struct {
	mu      sync.Mutex
	calls   []toolCall
	answers map[string]func(ctx context.Context, args map[string]any) tool.Result
}

func newFakeTools() *fakeTools {
	return &fakeTools{answers: make(map[string]func(context.Context, map[string]any) tool.Result)}
}

func (f *fakeTools) on(name string, fn func(ctx context.Context, args map[string]any) tool.Result) *fakeTools {
	f.answers[name] = fn
	return f
}

func (f *fakeTools) Resolve(name string) string {
	switch name {
	case "read":
		return "file_read"
	case "bash":
		return "shell_execute"
	}
	return name
}

func (f *fakeTools) Execute(ctx context.Context, agentID, name string, args map[string]any) tool.Result {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{agentID: agentID, name: name, args: args})
	fn := f.answers[name]
	f.mu.Unlock()
	if fn == nil {
		return tool.Result{Success: true, Data: "ok"}
	}
	return fn(ctx, args)
}

func (f *fakeTools) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.name)
	}
	return out
}

func TestRoleForTool(t *testing.T) {
	tests := []struct {
		tool string
		want Role
		ok   bool
	}{
		{"file_read", RoleCodeReview, true},
		{"grep_search", RoleCodeReview, true},
		{"glob_search", RoleCodeReview, true},
		{"file_write", RoleRefactor, true},
		{"file_edit", RoleRefactor, true},
		{"file_delete", RoleRefactor, true},
		{"shell_execute", RoleTestWriter, true},
		{"semantic_search", RoleResearch, true},
		{"web_fetch", RoleResearch, true},
		{"launch_missiles", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got, ok := RoleForTool(tt.tool)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRolesHavePromptsAndTools(t *testing.T) {
	for _, r := range Roles() {
		assert.True(t, r.Valid(), r)
		assert.NotEmpty(t, r.SystemPrompt(), r)
		assert.NotEmpty(t, r.Tools(), r)
	}
	assert.False(t, Role("pirate").Valid())
	assert.False(t, RoleCodeReview.Allows("file_write"))
}

func TestParseReview(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		issues   int
		errors   int
		score    int
		firstLoc string
		line     int
	}{
		{name: "clean", output: "Looks good to me.", issues: 0, score: 100},
		{name: "one error one warning", output: "error: nil deref\nwarning: long func", issues: 2, errors: 1, score: 75},
		{name: "case insensitive", output: "ERROR: a\nWarning: b\nINFO: c", issues: 3, errors: 1, score: 75},
		{name: "explicit score wins", output: "error: a\nScore: 90", issues: 1, errors: 1, score: 90},
		{name: "clamped low", output: "error: 1\nerror: 2\nerror: 3\nerror: 4\nerror: 5\nerror: 6", issues: 6, errors: 6, score: 0},
		{name: "clamped high", output: "score: 250", issues: 0, score: 100},
		{name: "location", output: "warning: main.go:12: unused variable", issues: 1, score: 95, firstLoc: "main.go", line: 12},
		{name: "location words", output: "error: pkg/a.go line 7: shadowed err", issues: 1, errors: 1, score: 80, firstLoc: "pkg/a.go", line: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReview(tt.output)
			assert.Len(t, got.Issues, tt.issues)
			assert.Equal(t, tt.errors, got.Errors())
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.output, got.Summary)
			if tt.firstLoc != "" {
				require.NotEmpty(t, got.Issues)
				assert.Equal(t, tt.firstLoc, got.Issues[0].File)
				assert.Equal(t, tt.line, got.Issues[0].Line)
			}
		})
	}
}

func TestParseReviewKeepsMessage(t *testing.T) {
	got := ParseReview("warning: main.go:3: unused import\ninfo: consider x.Close()")
	require.Len(t, got.Issues, 2)
	assert.Equal(t, "unused import", got.Issues[0].Message)
	assert.Equal(t, SeverityInfo, got.Issues[1].Severity)
	assert.Equal(t, "consider x.Close()", got.Issues[1].Message)
	assert.Empty(t, got.Issues[1].File)
}

func TestRunSendsInstructionAndTask(t *testing.T) {
	provider := llm.NewScripted("Updated main.go and docs/README.md")
	a := New(Config{Role: RoleDocumentation, MaxTokens: 512}, provider, newFakeTools())

	res := a.Run(context.Background(), "document main")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"main.go", "docs/README.md"}, res.Artifacts)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, RoleDocumentation.SystemPrompt(), calls[0].Messages[0].Content)
	assert.Equal(t, "Task: document main", calls[0].Messages[1].Content)
	assert.Equal(t, 512, calls[0].Options.MaxTokens)

	info := a.Info()
	assert.Equal(t, StatusComplete, info.Status)
	assert.Equal(t, 100, info.Progress)
	assert.Equal(t, "document main", info.CurrentTask)
	assert.False(t, info.StartedAt.IsZero())
	assert.Positive(t, info.TokenUsage)
}

func TestRunClearsScratch(t *testing.T) {
	a := New(Config{Role: RoleResearch}, llm.NewScripted("one", "two"), newFakeTools())
	a.Scratch().Add("stale", "value")

	require.True(t, a.Run(context.Background(), "first").Success)
	_, ok := a.Scratch().Get("stale")
	assert.False(t, ok)
	out, _ := a.Scratch().Get("output")
	assert.Equal(t, "one", out)
}

func TestTokenUsageIsMonotonic(t *testing.T) {
	provider := llm.NewScripted("first answer")
	provider.AddError(errors.New("boom"))
	provider.AddText("second answer")
	a := New(Config{Role: RoleResearch}, provider, newFakeTools())

	require.True(t, a.Run(context.Background(), "a").Success)
	first := a.Info().TokenUsage

	assert.False(t, a.Run(context.Background(), "b").Success)
	assert.Equal(t, first, a.Info().TokenUsage)

	require.True(t, a.Run(context.Background(), "c").Success)
	assert.Greater(t, a.Info().TokenUsage, first)
}

func TestRunErrorSetsStatus(t *testing.T) {
	provider := llm.NewScripted()
	provider.AddError(errors.New("model exploded"))
	a := New(Config{Role: RoleCodeReview}, provider, newFakeTools())

	res := a.Run(context.Background(), "review")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "model exploded")
	assert.Equal(t, StatusError, a.Status())
}

func TestAbortCancelsInFlightRun(t *testing.T) {
	provider := llm.NewScripted("never delivered").WithDelay(10 * time.Second)
	a := New(Config{Role: RoleResearch}, provider, newFakeTools())

	done := make(chan Result, 1)
	go func() { done <- a.Run(context.Background(), "slow") }()

	require.Eventually(t, func() bool { return len(provider.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	a.Abort()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, ErrAborted.Error(), res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after abort")
	}
	assert.Equal(t, StatusAborted, a.Status())
}

func TestAbortIsIdempotentAndFinal(t *testing.T) {
	provider := llm.NewScripted("x")
	a := New(Config{Role: RoleResearch}, provider, newFakeTools())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Abort()
		}()
	}
	wg.Wait()
	assert.Equal(t, StatusAborted, a.Status())

	res := a.Run(context.Background(), "too late")
	assert.False(t, res.Success)
	assert.Empty(t, provider.Calls())
	assert.Equal(t, StatusAborted, a.Status())
}

func TestAbortAfterCompletionKeepsOutcome(t *testing.T) {
	provider := llm.NewScripted("first", "second")
	a := New(Config{Role: RoleResearch}, provider, newFakeTools())

	require.True(t, a.Run(context.Background(), "one").Success)
	require.Equal(t, StatusComplete, a.Status())

	a.Abort()
	assert.Equal(t, StatusComplete, a.Status())

	res := a.Run(context.Background(), "two")
	assert.True(t, res.Success)
	assert.Len(t, provider.Calls(), 2)

	res2 := a.Invoke(context.Background(), "read", map[string]any{"path": "x"})
	assert.True(t, res2.Success)
}

func TestAbortAfterErrorKeepsOutcome(t *testing.T) {
	provider := llm.NewScripted()
	provider.AddError(errors.New("boom"))
	a := New(Config{Role: RoleResearch}, provider, newFakeTools())

	assert.False(t, a.Run(context.Background(), "one").Success)
	a.Abort()
	assert.Equal(t, StatusError, a.Status())
}

func TestInvokeEnforcesAllowList(t *testing.T) {
	tools := newFakeTools()
	a := New(Config{Role: RoleCodeReview}, llm.NewScripted(), tools)

	res := a.Invoke(context.Background(), "file_write", map[string]any{"path": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not available")
	assert.Empty(t, tools.names())

	res = a.Invoke(context.Background(), "read", map[string]any{"path": "x"})
	assert.True(t, res.Success)
	assert.Equal(t, []string{"file_read"}, tools.names())
	assert.Equal(t, a.ID(), tools.calls[0].agentID)
}

func TestInvokeIsCancelledByAbort(t *testing.T) {
	started := make(chan struct{})
	tools := newFakeTools().on("shell_execute", func(ctx context.Context, _ map[string]any) tool.Result {
		close(started)
		<-ctx.Done()
		return tool.Fail("cancelled")
	})
	a := New(Config{Role: RoleTestWriter}, llm.NewScripted(), tools)

	done := make(chan tool.Result, 1)
	go func() { done <- a.RunTool(context.Background(), "run tests", "bash", map[string]any{"command": "sleep 60"}) }()
	<-started
	a.Abort()

	res := <-done
	assert.False(t, res.Success)
	assert.Equal(t, ErrAborted.Error(), res.Error)
	assert.Equal(t, StatusAborted, a.Status())
}

func TestDeliverCallsHandlersInOrder(t *testing.T) {
	a := New(Config{Role: RoleResearch}, llm.NewScripted(), newFakeTools())
	var got []string
	a.OnMessage(func(m Message) { got = append(got, "first:"+m.Type) })
	a.OnMessage(func(m Message) { got = append(got, "second:"+m.Type) })

	a.Deliver(Message{Type: "ping"})
	assert.Equal(t, []string{"first:ping", "second:ping"}, got)
}

func TestManagerSpawnRespectsCap(t *testing.T) {
	m := NewManager(llm.NewScripted(), newFakeTools(), WithMaxConcurrent(2))

	a1, err := m.Spawn(Config{Role: RoleCodeReview})
	require.NoError(t, err)
	a2, err := m.Spawn(Config{Role: RoleRefactor})
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID(), a2.ID())

	_, err = m.Spawn(Config{Role: RoleResearch})
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, 2, m.Active())

	require.NoError(t, m.Kill(a1.ID()))
	assert.Equal(t, StatusAborted, a1.Status())
	assert.ErrorIs(t, m.Kill(a1.ID()), ErrAgentNotFound)

	a3, err := m.Spawn(Config{Role: RoleResearch})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, a2.ID(), list[0].ID)
	assert.Equal(t, a3.ID(), list[1].ID)

	m.Shutdown()
	assert.Zero(t, m.Active())
}

func TestManagerRejectsUnknownRole(t *testing.T) {
	m := NewManager(llm.NewScripted(), newFakeTools())
	_, err := m.Spawn(Config{Role: "pirate"})
	assert.Error(t, err)
	assert.Zero(t, m.Active())
}

func TestManagerMessages(t *testing.T) {
	m := NewManager(llm.NewScripted(), newFakeTools())
	a, err := m.Spawn(Config{Role: RoleResearch})
	require.NoError(t, err)

	var got Message
	require.NoError(t, m.OnMessage(a.ID(), func(msg Message) { got = msg }))
	require.NoError(t, m.SendMessage(a.ID(), Message{From: "orchestrator", Type: "hint", Payload: "look in pkg/"}))

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "look in pkg/", got.Payload)
	assert.ErrorIs(t, m.SendMessage("missing", Message{}), ErrAgentNotFound)
	m.Shutdown()
}

func TestDispatchRunsToolAndReleases(t *testing.T) {
	tools := newFakeTools()
	m := NewManager(llm.NewScripted(), tools, WithMaxConcurrent(1))

	out, err := m.Dispatch(context.Background(), Assignment{StepID: "step-1", Description: "read", Tool: "read", Args: map[string]any{"path": "a.go"}})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Equal(t, RoleCodeReview, out.Role)
	assert.False(t, out.Aborted)
	assert.Equal(t, []string{"file_read"}, tools.names())
	assert.Zero(t, m.Active())

	_, err = m.Dispatch(context.Background(), Assignment{Tool: "launch_missiles"})
	assert.Error(t, err)
}

func TestDispatchWaitsForSlot(t *testing.T) {
	m := NewManager(llm.NewScripted(), newFakeTools(), WithMaxConcurrent(1))
	held, err := m.Spawn(Config{Role: RoleCodeReview})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Dispatch(ctx, Assignment{Tool: "file_read"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, m.Release(held.ID()))
	out, err := m.Dispatch(context.Background(), Assignment{Tool: "file_read"})
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
}

func TestKillStepAbortsDispatch(t *testing.T) {
	started := make(chan struct{})
	tools := newFakeTools().on("shell_execute", func(ctx context.Context, _ map[string]any) tool.Result {
		close(started)
		<-ctx.Done()
		return tool.Fail("interrupted")
	})
	m := NewManager(llm.NewScripted(), tools)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := m.Dispatch(context.Background(), Assignment{StepID: "step-3", Tool: "shell_execute"})
		done <- out
	}()
	<-started
	assert.False(t, m.KillStep("step-9"))
	assert.True(t, m.KillStep("step-3"))

	out := <-done
	assert.True(t, out.Aborted)
	assert.False(t, out.Result.Success)
	assert.Zero(t, m.Active())
}

func TestReviewerReadsFilesAndParses(t *testing.T) {
	tools := newFakeTools().on("file_read", func(_ context.Context, args map[string]any) tool.Result {
		return tool.Result{Success: true, Data: fmt.Sprintf("package %v", args["path"])}
	})
	provider := llm.NewScripted("error: a.go:3: missing check\nwarning: naming\nScore: 70")
	m := NewManager(provider, tools)
	defer m.Shutdown()

	r, err := m.Reviewer()
	require.NoError(t, err)
	got, err := r.Review(context.Background(), []string{"a.go", "b.go"})
	require.NoError(t, err)

	assert.Equal(t, 70, got.Score)
	require.Len(t, got.Issues, 2)
	assert.Equal(t, "a.go", got.Issues[0].File)
	assert.Equal(t, []string{"file_read", "file_read"}, tools.names())

	task := provider.Calls()[0].Messages[1].Content
	assert.Contains(t, task, "--- a.go ---")
	assert.Contains(t, task, "package b.go")
}

func TestTestWriterWritesFirstCodeBlock(t *testing.T) {
	tools := newFakeTools()
	provider := llm.NewScripted("Here you go:\n```go\npackage calc\n\nfunc TestAdd(t *testing.T) {}\n```\n")
	m := NewManager(provider, tools)
	defer m.Shutdown()

	w, err := m.TestWriter()
	require.NoError(t, err)
	got, err := w.GenerateTests(context.Background(), "calc/add.go")
	require.NoError(t, err)

	assert.True(t, got.Written)
	assert.Equal(t, "calc/add_test.go", got.TestFile)
	assert.Equal(t, []string{"file_read", "file_write"}, tools.names())
	assert.Equal(t, "calc/add_test.go", tools.calls[1].args["path"])
	assert.Contains(t, tools.calls[1].args["content"], "func TestAdd")
}

func TestSpecialistFailureIsExecutionError(t *testing.T) {
	provider := llm.NewScripted()
	provider.AddError(errors.New("overloaded"))
	m := NewManager(provider, newFakeTools())
	defer m.Shutdown()

	d, err := m.Documenter()
	require.NoError(t, err)
	_, err = d.GenerateDocs(context.Background(), []string{"x.go"})
	assert.ErrorContains(t, err, "overloaded")
}

func TestResearcherCollectsSources(t *testing.T) {
	tools := newFakeTools().on("semantic_search", func(context.Context, map[string]any) tool.Result {
		return tool.Fail("semantic search unavailable")
	})
	provider := llm.NewScripted("See https://go.dev/doc/effective_go and internal/queue/queue.go")
	m := NewManager(provider, tools)
	defer m.Shutdown()

	r, err := m.Researcher()
	require.NoError(t, err)
	got, err := r.Research(context.Background(), "how are tasks ordered?")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://go.dev/doc/effective_go", "internal/queue/queue.go"}, got.Sources)
	assert.NotContains(t, provider.Calls()[0].Messages[1].Content, "Relevant code")
}

func TestRefactorerListsChanges(t *testing.T) {
	m := NewManager(llm.NewScripted("Moved helpers from util.go into strings.go"), newFakeTools())
	defer m.Shutdown()

	r, err := m.Refactorer()
	require.NoError(t, err)
	got, err := r.Refactor(context.Background(), []string{"util.go"}, "split helpers")
	require.NoError(t, err)
	assert.Equal(t, []string{"util.go", "strings.go"}, got.Changes)
}

func TestTestPath(t *testing.T) {
	tests := map[string]string{
		"pkg/a.go":      "pkg/a_test.go",
		"src/util.ts":   "src/util.test.ts",
		"lib/helper.py": "lib/test_helper.py",
		"main.rs":       "main_test.rs",
	}
	for in, want := range tests {
		assert.Equal(t, want, TestPath(in), in)
	}
}
