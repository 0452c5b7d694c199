package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/pkg/llm"
)

// DefaultMaxConcurrent caps simultaneous subagents when unconfigured.
const DefaultMaxConcurrent = 4

var (
	ErrPoolFull      = errors.New("subagent pool is full")
	ErrAgentNotFound = errors.New("subagent not found")
)

// Manager owns the live subagents and enforces the concurrency cap.
type Manager struct {
	provider  llm.Provider
	tools     ToolRunner
	pool      *memory.Pool
	slots     *semaphore.Weighted
	limit     int
	maxTokens int
	log       *logging.Logger

	mu     sync.RWMutex
	agents map[string]*Subagent
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxConcurrent sets the cap on live subagents.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithMaxTokens sets the default completion budget for spawned agents.
func WithMaxTokens(n int) ManagerOption {
	return func(m *Manager) { m.maxTokens = n }
}

// WithContextPool shares a context pool registry.
func WithContextPool(p *memory.Pool) ManagerOption {
	return func(m *Manager) { m.pool = p }
}

// NewManager creates a manager; tools is usually a *tool.Gateway.
func NewManager(provider llm.Provider, tools ToolRunner, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		tools:    tools,
		limit:    DefaultMaxConcurrent,
		log:      logging.New("agent.manager"),
		agents:   make(map[string]*Subagent),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = memory.NewPool()
	}
	m.slots = semaphore.NewWeighted(int64(m.limit))
	return m
}

// Limit returns the concurrency cap.
func (m *Manager) Limit() int { return m.limit }

// Spawn creates a subagent if a slot is free, failing with ErrPoolFull
// otherwise.
func (m *Manager) Spawn(cfg Config) (*Subagent, error) {
	if !cfg.Role.Valid() {
		return nil, apperr.Validation("agent.spawn", "unknown role %q", cfg.Role)
	}
	if !m.slots.TryAcquire(1) {
		return nil, ErrPoolFull
	}
	return m.register(cfg)
}

// spawnWait blocks until a slot is free.
func (m *Manager) spawnWait(ctx context.Context, cfg Config) (*Subagent, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return m.register(cfg)
}

// register builds the agent; the caller already holds its slot.
func (m *Manager) register(cfg Config) (*Subagent, error) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = m.maxTokens
	}
	id := ulid.Make().String()
	scratch, err := m.pool.Create(id)
	if err != nil {
		m.slots.Release(1)
		return nil, err
	}
	a := newSubagent(cfg, m.provider, m.tools, scratch, id)

	m.mu.Lock()
	m.agents[id] = a
	m.mu.Unlock()

	m.log.Debug("spawned", map[string]any{"agent_id": id, "role": string(cfg.Role)})
	return a, nil
}

// Get returns a live subagent.
func (m *Manager) Get(id string) (*Subagent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// List snapshots live subagents, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Info())
	}
	m.mu.RUnlock()
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the number of live subagents.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Kill aborts the subagent and frees its slot.
func (m *Manager) Kill(id string) error {
	return m.remove(id, true)
}

// Release frees the slot of a finished subagent without aborting it.
func (m *Manager) Release(id string) error {
	return m.remove(id, false)
}

func (m *Manager) remove(id string, abort bool) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if ok {
		delete(m.agents, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}
	if abort {
		a.Abort()
	}
	m.pool.Destroy(id)
	m.slots.Release(1)
	return nil
}

// Shutdown kills every live subagent.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Kill(id)
	}
}

// SendMessage delivers msg to one subagent, filling in id and timestamp.
func (m *Manager) SendMessage(id string, msg Message) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	a.Deliver(msg)
	return nil
}

// OnMessage registers a handler on one subagent.
func (m *Manager) OnMessage(id string, h MessageHandler) error {
	a, err := m.Get(id)
	if err != nil {
		return err
	}
	a.OnMessage(h)
	return nil
}

// Reviewer spawns a code-review specialist.
func (m *Manager) Reviewer() (Reviewer, error) {
	a, err := m.Spawn(Config{Role: RoleCodeReview})
	return Reviewer{a}, err
}

// TestWriter spawns a test-writer specialist.
func (m *Manager) TestWriter() (TestWriter, error) {
	a, err := m.Spawn(Config{Role: RoleTestWriter})
	return TestWriter{a}, err
}

// Documenter spawns a documentation specialist.
func (m *Manager) Documenter() (Documenter, error) {
	a, err := m.Spawn(Config{Role: RoleDocumentation})
	return Documenter{a}, err
}

// Refactorer spawns a refactor specialist.
func (m *Manager) Refactorer() (Refactorer, error) {
	a, err := m.Spawn(Config{Role: RoleRefactor})
	return Refactorer{a}, err
}

// Researcher spawns a research specialist.
func (m *Manager) Researcher() (Researcher, error) {
	a, err := m.Spawn(Config{Role: RoleResearch})
	return Researcher{a}, err
}

// Assignment is one plan step handed to a subagent.
type Assignment struct {
	StepID      string
	Description string
	Tool        string
	Args        map[string]any
}

// Outcome is what a dispatched subagent produced.
type Outcome struct {
	AgentID string
	Role    Role
	Result  tool.Result
	Aborted bool
}

// Dispatch picks a role able to run the step's tool, waits for a free
// slot, runs the call and releases the agent.
func (m *Manager) Dispatch(ctx context.Context, as Assignment) (Outcome, error) {
	canonical := m.tools.Resolve(as.Tool)
	role, ok := RoleForTool(canonical)
	if !ok {
		return Outcome{}, apperr.Validation("agent.dispatch", "no agent role can run tool %q", as.Tool)
	}
	a, err := m.spawnWait(ctx, Config{Role: role})
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = m.Release(a.ID()) }()

	a.Scratch().Add("step", as.StepID)
	res := a.RunTool(ctx, as.Description, canonical, as.Args)
	out := Outcome{AgentID: a.ID(), Role: role, Result: res, Aborted: a.Status() == StatusAborted}
	if out.Aborted && res.Success {
		out.Result.Success = false
		out.Result.Error = ErrAborted.Error()
	}
	return out, nil
}

// KillStep aborts whichever live subagent is running stepID.
func (m *Manager) KillStep(stepID string) bool {
	m.mu.RLock()
	var target string
	for id, a := range m.agents {
		if v, ok := memory.Lookup[string](a.Scratch(), "step"); ok && v == stepID {
			target = id
			break
		}
	}
	m.mu.RUnlock()
	if target == "" {
		return false
	}
	return m.Kill(target) == nil
}
