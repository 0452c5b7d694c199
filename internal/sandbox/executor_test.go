//go:build !windows

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, opts ...ExecutorOption) (*Executor, string) {
	t.Helper()
	project := t.TempDir()
	return NewExecutor(NewFileSystemGuard(project, nil), opts...), project
}

func TestExecuteCapturesOutput(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "echo hello; echo oops >&2", ExecOptions{})
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.True(t, res.Success())
	assert.False(t, res.Killed)
}

func TestExecuteExitCode(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "exit 3", ExecOptions{})
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
}

func TestExecuteBlockedCommand(t *testing.T) {
	e, _ := newTestExecutor(t)

	res := e.Execute(context.Background(), "sudo rm -rf /", ExecOptions{})
	assert.Equal(t, ExitDenied, res.ExitCode)
	assert.True(t, res.Denied)
	assert.True(t, strings.HasPrefix(res.Stderr, "Blocked command:"), res.Stderr)
}

func TestExecuteWorkdir(t *testing.T) {
	e, project := newTestExecutor(t)
	sub := filepath.Join(project, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	res := e.Execute(context.Background(), "pwd", ExecOptions{Dir: sub})
	require.Equal(t, 0, res.ExitCode, res.Stderr)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	want, _ := filepath.EvalSymlinks(sub)
	assert.Equal(t, want, got)

	res = e.Execute(context.Background(), "pwd", ExecOptions{Dir: "/"})
	assert.Equal(t, ExitDenied, res.ExitCode)
	assert.Equal(t, ErrWorkdirNotAllowed, res.Stderr)
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	e, _ := newTestExecutor(t, WithTimeout(5*time.Second))

	start := time.Now()
	res := e.Execute(context.Background(), "sleep 10 & sleep 10", ExecOptions{Timeout: 200 * time.Millisecond})
	assert.True(t, res.Killed)
	assert.True(t, res.TimedOut)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteContextCancel(t *testing.T) {
	e, _ := newTestExecutor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, "sleep 10", ExecOptions{})
	assert.True(t, res.Killed)
	assert.False(t, res.TimedOut)
}

func TestExecuteEnvAndStreaming(t *testing.T) {
	e, _ := newTestExecutor(t)

	var mu sync.Mutex
	var streamed strings.Builder
	res := e.Execute(context.Background(), "echo $KADO_TEST_VALUE", ExecOptions{
		Env: map[string]string{"KADO_TEST_VALUE": "forty-two"},
		OnOutput: func(stream string, chunk []byte) {
			mu.Lock()
			defer mu.Unlock()
			if stream == "stdout" {
				streamed.Write(chunk)
			}
		},
	})
	assert.Equal(t, "forty-two\n", res.Stdout)
	mu.Lock()
	assert.Equal(t, "forty-two\n", streamed.String())
	mu.Unlock()
}

func TestExecuteSpawnFailure(t *testing.T) {
	e, _ := newTestExecutor(t, WithShell("/nonexistent/shell"))

	res := e.Execute(context.Background(), "echo hi", ExecOptions{})
	assert.Equal(t, ExitDenied, res.ExitCode)
	assert.False(t, res.Denied)
	assert.NotEmpty(t, res.Stderr)
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3"})
	assert.ElementsMatch(t, []string{"A=1", "B=3"}, got)
}
