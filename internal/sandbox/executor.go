package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/joss/kado/internal/logging"
)

// DefaultTimeout bounds a command when neither the executor nor the call
// sets one.
const DefaultTimeout = 30 * time.Second

// ExitDenied is the exit code of commands that were never spawned.
const ExitDenied = -1

// ErrWorkdirNotAllowed is the stderr text for a rejected working directory.
const ErrWorkdirNotAllowed = "Working directory not within allowed paths"

// ExecOptions tunes one Execute call.
type ExecOptions struct {
	// Dir defaults to the project root.
	Dir string
	// Env is merged over the parent environment.
	Env map[string]string
	// Timeout overrides the executor default.
	Timeout time.Duration
	// OnOutput receives output chunks as they arrive ("stdout" or "stderr").
	OnOutput func(stream string, chunk []byte)
}

// Result describes a finished (or refused) command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
	Duration time.Duration
	// Killed is set when the process was forcibly terminated.
	Killed bool
	// TimedOut distinguishes the wall-clock limit from cancellation.
	TimedOut bool
	// Denied is set when the command never started because of policy.
	Denied bool
}

// Success reports a zero exit without intervention.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.Killed && !r.Denied
}

// Commander runs shell commands. Implemented by Executor and by fakes in
// tests.
type Commander interface {
	Execute(ctx context.Context, command string, opts ExecOptions) Result
}

// Executor spawns supervised shell processes under the guard layer.
type Executor struct {
	filter  *CommandFilter
	fs      *FileSystemGuard
	timeout time.Duration
	shell   string
	log     *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the default wall-clock limit.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithFilter replaces the default command filter.
func WithFilter(f *CommandFilter) ExecutorOption {
	return func(e *Executor) { e.filter = f }
}

// WithShell sets the interpreter used for "<shell> -c <command>".
func WithShell(path string) ExecutorOption {
	return func(e *Executor) { e.shell = path }
}

// NewExecutor creates an executor scoped by fs.
func NewExecutor(fs *FileSystemGuard, opts ...ExecutorOption) *Executor {
	e := &Executor{
		filter:  DefaultCommandFilter(),
		fs:      fs,
		timeout: DefaultTimeout,
		shell:   "sh",
		log:     logging.New("sandbox"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Filter exposes the command filter for pre-flight checks.
func (e *Executor) Filter() *CommandFilter {
	return e.filter
}

func denied(reason string) Result {
	return Result{Stderr: reason, ExitCode: ExitDenied, Denied: true}
}

// Execute runs command through "sh -c". It never returns an error: policy
// denials, spawn failures and timeouts are all reported in the Result.
func (e *Executor) Execute(ctx context.Context, command string, opts ExecOptions) Result {
	verdict := e.filter.Validate(command)
	if !verdict.Allowed {
		e.log.For(ctx).Warn("command_blocked", map[string]any{"command": command, "reason": verdict.Reason}, nil)
		return denied(verdict.Reason)
	}
	if verdict.Warning != "" {
		e.log.For(ctx).Warn("command_risky", map[string]any{
			"command":     command,
			"reason":      verdict.Warning,
			"alternative": verdict.Alternative,
		}, nil)
	}

	dir := opts.Dir
	if dir == "" {
		dir = e.fs.Project()
	}
	dir = Abs(dir)
	if !e.fs.ValidateRead(dir) {
		e.log.For(ctx).Warn("workdir_blocked", map[string]any{"dir": dir}, nil)
		return denied(ErrWorkdirNotAllowed)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	cmd := exec.Command(e.shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(mergeEnv(os.Environ(), opts.Env), "PWD="+dir)
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	stdout := &capture{stream: "stdout", onChunk: opts.OnOutput}
	stderr := &capture{stream: "stderr", onChunk: opts.OnOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.log.For(ctx).Error("spawn_failed", map[string]any{"command": command}, err)
		return Result{Stderr: err.Error(), ExitCode: ExitDenied, Duration: time.Since(start)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res Result
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.Killed, res.TimedOut = true, true
		killProcessGroup(cmd)
		waitErr = <-done
	case <-ctx.Done():
		res.Killed = true
		killProcessGroup(cmd)
		waitErr = <-done
	}

	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(cmd, waitErr)
	res.Signal = signalName(cmd.ProcessState)
	if res.Killed && res.ExitCode == 0 {
		res.ExitCode = ExitDenied
	}

	e.log.For(ctx).Debug("command_finished", map[string]any{
		"command":     command,
		"exit_code":   res.ExitCode,
		"killed":      res.Killed,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
		return ExitDenied
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return ExitDenied
	}
	return 0
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// capture accumulates a stream and forwards chunks as they arrive.
type capture struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	stream  string
	onChunk func(stream string, chunk []byte)
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	n, err := c.buf.Write(p)
	c.mu.Unlock()
	if c.onChunk != nil {
		c.onChunk(c.stream, append([]byte(nil), p...))
	}
	return n, err
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

var _ Commander = (*Executor)(nil)
