package agent

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/pkg/llm"
)

// Status is a subagent's lifecycle state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusAborted  Status = "aborted"
)

// ErrAborted is returned for work started on, or interrupted by, an aborted
// subagent.
var ErrAborted = errors.New("subagent aborted")

// ToolRunner executes tool calls on behalf of an agent. Implemented by
// tool.Gateway.
type ToolRunner interface {
	Execute(ctx context.Context, agentID, name string, args map[string]any) tool.Result
	Resolve(name string) string
}

// Config selects the role and token budget of a new subagent.
type Config struct {
	Role      Role
	MaxTokens int
}

// Result is the outcome of one Run.
type Result struct {
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Usage     llm.Usage `json:"usage"`
}

// Info is a point-in-time snapshot of a subagent.
type Info struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Status      Status    `json:"status"`
	CurrentTask string    `json:"currentTask,omitempty"`
	Progress    int       `json:"progress"`
	TokenUsage  int       `json:"tokenUsage"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

// Message is an inter-agent message.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHandler receives delivered messages.
type MessageHandler func(Message)

// Subagent is one role-scoped model session. Safe for concurrent use;
// Abort may be called from any goroutine.
type Subagent struct {
	id        string
	role      Role
	provider  llm.Provider
	tools     ToolRunner
	scratch   *memory.Scratch
	maxTokens int
	log       *logging.Logger

	mu        sync.Mutex
	status    Status
	task      string
	progress  int
	tokens    int
	startedAt time.Time
	cancels   map[uint64]context.CancelFunc
	nextID    uint64
	handlers  []MessageHandler
}

func newSubagent(cfg Config, provider llm.Provider, tools ToolRunner, scratch *memory.Scratch, id string) *Subagent {
	return &Subagent{
		id:        id,
		role:      cfg.Role,
		provider:  provider,
		tools:     tools,
		scratch:   scratch,
		maxTokens: cfg.MaxTokens,
		log:       logging.New("agent").WithAgent(id),
		status:    StatusIdle,
		cancels:   make(map[uint64]context.CancelFunc),
	}
}

// New creates a standalone subagent with its own scratch space.
func New(cfg Config, provider llm.Provider, tools ToolRunner) *Subagent {
	id := ulid.Make().String()
	return newSubagent(cfg, provider, tools, memory.NewScratch(id), id)
}

// ID returns the subagent's ULID.
func (s *Subagent) ID() string { return s.id }

// Role returns the subagent's role.
func (s *Subagent) Role() Role { return s.role }

// Scratch returns the subagent's context pool.
func (s *Subagent) Scratch() *memory.Scratch { return s.scratch }

// Status returns the current lifecycle state.
func (s *Subagent) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info snapshots the subagent.
func (s *Subagent) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.id,
		Role:        s.role,
		Status:      s.status,
		CurrentTask: s.task,
		Progress:    s.progress,
		TokenUsage:  s.tokens,
		StartedAt:   s.startedAt,
	}
}

// SetProgress records progress, clamped to 0..100.
func (s *Subagent) SetProgress(p int) {
	p = max(0, min(100, p))
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// begin derives a context Abort can cancel. The returned func must be
// called when the work is done.
func (s *Subagent) begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAborted {
		return nil, nil, ErrAborted
	}
	cctx, cancel := context.WithCancel(ctx)
	key := s.nextID
	s.nextID++
	s.cancels[key] = cancel
	return cctx, func() {
		s.mu.Lock()
		delete(s.cancels, key)
		s.mu.Unlock()
		cancel()
	}, nil
}

func (s *Subagent) start(task string) {
	s.mu.Lock()
	s.status = StatusRunning
	s.task = task
	s.progress = 0
	s.startedAt = time.Now()
	s.mu.Unlock()
}

// finish moves to status unless the agent was aborted meanwhile. It reports
// whether the agent is aborted.
func (s *Subagent) finish(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAborted {
		return true
	}
	s.status = status
	if status == StatusComplete {
		s.progress = 100
	}
	return false
}

func (s *Subagent) addTokens(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.tokens += n
	s.mu.Unlock()
}

// Run sends the role instruction and task to the model in a single
// completion call.
func (s *Subagent) Run(ctx context.Context, task string) Result {
	runCtx, done, err := s.begin(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer done()

	s.start(task)
	s.scratch.Clear()
	s.scratch.Add("task", task)

	system := s.role.SystemPrompt()
	prompt := "Task: " + task
	resp, err := s.provider.Complete(runCtx, []llm.Message{llm.System(system), llm.User(prompt)}, llm.Options{MaxTokens: s.maxTokens})
	if err != nil {
		if s.finish(StatusError) {
			return Result{Error: ErrAborted.Error()}
		}
		s.log.For(ctx).Warn("run_failed", map[string]any{"role": string(s.role)}, err)
		return Result{Error: err.Error()}
	}

	used := resp.Usage.TotalTokens
	if used == 0 {
		used = memory.EstimateTokens(system) + memory.EstimateTokens(prompt) + memory.EstimateTokens(resp.Content)
	}
	s.addTokens(used)
	s.scratch.Add("output", resp.Content)

	if s.finish(StatusComplete) {
		return Result{Error: ErrAborted.Error(), Output: resp.Content, Usage: resp.Usage}
	}
	s.log.For(ctx).Debug("run_complete", map[string]any{"role": string(s.role), "tokens": used})
	return Result{
		Success:   true,
		Output:    resp.Content,
		Artifacts: extractPaths(resp.Content),
		Usage:     resp.Usage,
	}
}

// Invoke runs one tool on the role's allow-list through the tool runner,
// under a context Abort cancels.
func (s *Subagent) Invoke(ctx context.Context, name string, args map[string]any) tool.Result {
	canonical := s.tools.Resolve(name)
	if !s.role.Allows(canonical) {
		return tool.Fail("tool %s is not available to the %s agent", canonical, s.role)
	}
	callCtx, done, err := s.begin(ctx)
	if err != nil {
		return tool.Fail("%v", err)
	}
	defer done()

	res := s.tools.Execute(callCtx, s.id, canonical, args)
	if s.Status() == StatusAborted {
		res.Success = false
		res.Error = ErrAborted.Error()
	}
	return res
}

// RunTool performs a single tool call as the agent's current task.
func (s *Subagent) RunTool(ctx context.Context, description, name string, args map[string]any) tool.Result {
	if s.Status() == StatusAborted {
		return tool.Fail("%v", ErrAborted)
	}
	s.start(description)
	res := s.Invoke(ctx, name, args)
	status := StatusComplete
	if !res.Success {
		status = StatusError
	}
	s.finish(status)
	s.scratch.Add("last_tool", name)
	return res
}

// Abort cancels in-flight work and forces the aborted state. A subagent
// whose last run already finished keeps its outcome. Idempotent.
func (s *Subagent) Abort() {
	s.mu.Lock()
	if s.status == StatusAborted {
		s.mu.Unlock()
		return
	}
	if len(s.cancels) == 0 && (s.status == StatusComplete || s.status == StatusError) {
		s.mu.Unlock()
		return
	}
	s.status = StatusAborted
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	s.log.Info("aborted", nil)
}

// OnMessage registers a handler for delivered messages.
func (s *Subagent) OnMessage(h MessageHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Deliver hands msg to every registered handler, in registration order.
func (s *Subagent) Deliver(msg Message) {
	s.mu.Lock()
	handlers := append([]MessageHandler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

var pathPattern = regexp.MustCompile("(?:^|[\\s`'\"(])((?:[\\w.-]+/)*[\\w-]+(?:\\.[\\w-]+)*\\.(?:go|ts|tsx|js|jsx|mjs|py|rs|java|rb|c|h|cc|cpp|hpp|cs|swift|kt|md|json|ya?ml|toml|sh|sql|html|css))\\b")

// extractPaths returns file paths mentioned in text, first occurrence order.
func extractPaths(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range pathPattern.FindAllStringSubmatch(text, -1) {
		p := m[1]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
