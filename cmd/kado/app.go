package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joss/kado/internal/agent"
	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/backup"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/orchestrator"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/sandbox"
	"github.com/joss/kado/internal/store"
	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/internal/vector"
	"github.com/joss/kado/internal/verify"
	"github.com/joss/kado/pkg/llm"
)

// cliAgent is the audit identity of commands run directly by the user.
const cliAgent = "cli"

// app is the wired enforcement stack for one invocation.
type app struct {
	project memory.Project
	// root is where tools act: the project, or an isolated worktree of it.
	root string
	bus  *events.Bus

	audit   *audit.Logger
	backups *backup.Manager
	perms   *permission.Manager

	fsGuard  *sandbox.FileSystemGuard
	netGuard *sandbox.NetworkGuard
	filter   *sandbox.CommandFilter
	shell    *sandbox.Executor

	index    vector.Index
	registry *tool.Registry
	gateway  *tool.Gateway

	provider llm.Provider
	agents   *agent.Manager
	archive  *store.Archive

	log *logging.Logger
}

// appOptions selects the expensive parts of the stack.
type appOptions struct {
	// model wires the provider and subagent manager.
	model bool
	// archive opens the SQLite plan archive.
	archive bool
	// prompter answers permission requests; nil uses the terminal.
	prompter permission.Prompter
	// root overrides the project root tools act on.
	root string
}

// newEnforcement builds the guards, audit, backups and permissions. It
// never touches the network or the model.
func newEnforcement() (*app, error) {
	return enforceAt(cfg.Project.Root)
}

// enforceAt scopes the guards and backups to root. The project identity
// stays that of the configured project.
func enforceAt(root string) (*app, error) {
	a := &app{
		project: memory.DetectProject(cfg.Project.Root),
		root:    root,
		log:     logging.New("cli"),
	}
	a.log = a.log.WithProject(a.project.ID)

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	a.bus = events.NewBus(level)
	logging.SetSink(a.bus, level)

	a.audit = audit.NewLogger(cfg.Storage.AuditPath)
	a.backups = backup.NewManager(root, cfg.Storage.BackupDir)

	a.fsGuard = sandbox.NewFileSystemGuard(root, cfg.Project.AllowedPaths).
		WithCriticalGlobs(cfg.Sandbox.CriticalPaths...)
	a.netGuard = sandbox.NewNetworkGuard(cfg.Sandbox.AllowedHosts)

	filter, err := commandFilter()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "config.sandbox", err)
	}
	a.filter = filter
	a.shell = sandbox.NewExecutor(a.fsGuard,
		sandbox.WithTimeout(cfg.Sandbox.Timeout.Duration),
		sandbox.WithFilter(filter),
	)
	return a, nil
}

func commandFilter() (*sandbox.CommandFilter, error) {
	var literals []string
	if len(cfg.Sandbox.BlockedCommands) > 0 {
		literals = append(append(literals, sandbox.DefaultBlockedCommands...), cfg.Sandbox.BlockedCommands...)
	}
	f, err := sandbox.NewCommandFilter(literals, nil)
	if err != nil {
		return nil, err
	}
	return f.WithExtraPatterns(cfg.Sandbox.ExtraPatterns)
}

// newApp wires the full stack.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	root := opts.root
	if root == "" {
		root = cfg.Project.Root
	}
	a, err := enforceAt(root)
	if err != nil {
		return nil, err
	}

	prompter := opts.prompter
	if prompter == nil {
		prompter = terminalPrompter()
	}
	a.perms = permission.NewManager(cfg.Storage.PermissionsDir, a.project.ID,
		permission.WithPrompter(prompter),
		permission.WithAutoApprove(cfg.Project.AutoApprove),
	)
	if err := a.perms.Load(); err != nil {
		a.log.Warn("permissions_load_failed", nil, err)
	}

	a.index = a.openIndex(ctx)
	a.registry = tool.DefaultRegistry(tool.Deps{
		Root:       a.root,
		Commander:  a.shell,
		Index:      a.index,
		HTTPClient: &http.Client{Timeout: cfg.Sandbox.Timeout.Duration},
	})
	a.gateway = tool.NewGateway(a.registry,
		tool.WithFileSystemGuard(a.fsGuard),
		tool.WithNetworkGuard(a.netGuard),
		tool.WithCommandFilter(a.filter),
		tool.WithPermissions(a.perms),
		tool.WithAudit(a.audit),
	)

	if opts.model {
		if a.provider, err = newProvider(); err != nil {
			return nil, err
		}
		a.agents = agent.NewManager(a.provider, a.gateway,
			agent.WithMaxConcurrent(cfg.Agents.MaxConcurrent),
			agent.WithMaxTokens(cfg.Agents.MaxTokens),
			agent.WithContextPool(memory.NewPool()),
		)
	}

	if opts.archive {
		if a.archive, err = store.Open(cfg.Storage.ArchivePath); err != nil {
			a.close()
			return nil, apperr.Infrastructure("store.open", err)
		}
	}
	return a, nil
}

// openIndex prefers the vector service and falls back to the on-disk
// local index when it is unreachable.
func (a *app) openIndex(ctx context.Context) vector.Index {
	if cfg.Vector.URL != "" {
		bridge := vector.NewBridge(cfg.Vector.URL)
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		healthy := bridge.Healthy(hctx)
		cancel()
		if healthy {
			return bridge
		}
		a.log.Debug("vector_bridge_unavailable", map[string]any{"url": cfg.Vector.URL})
	}
	local, err := vector.NewLocalIndex(localIndexPath())
	if err != nil {
		a.log.Warn("local_index_unavailable", nil, err)
		return nil
	}
	return local
}

func localIndexPath() string {
	return filepath.Join(cfg.Project.Root, ".kado", "index.json")
}

// newProvider resolves the configured model provider.
func newProvider() (llm.Provider, error) {
	providers := llm.NewRegistry()
	if key := cfg.APIKey(); key != "" {
		opts := []llm.AnthropicOption{
			llm.WithModel(cfg.LLM.Model),
			llm.WithMaxTokens(cfg.LLM.MaxTokens),
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		providers.Register(llm.NewAnthropic(key, opts...))
	}

	p, err := providers.Get(cfg.LLM.Provider)
	if err != nil {
		env := cfg.LLM.APIKeyEnv
		if env == "" {
			env = "ANTHROPIC_API_KEY"
		}
		return nil, apperr.Validation("llm.provider", "provider %q is not available (is %s set?)", cfg.LLM.Provider, env)
	}
	return p, nil
}

// orchestrator assembles the plan/execute/verify loop over the wired stack.
func (a *app) orchestrator() *orchestrator.Orchestrator {
	root := a.root
	planner := planning.NewPlanner(a.provider, a.registry, planning.WithPlanTokens(cfg.LLM.MaxTokens))
	executor := planning.NewExecutor(a.agents,
		planning.WithRoot(root),
		planning.WithConcurrency(cfg.Agents.MaxConcurrent),
		planning.WithMaxStepAttempts(cfg.Loop.MaxStepAttempts),
		planning.WithArgResolver(a.provider),
		planning.WithBackups(a.backups),
		planning.WithEvents(a.bus),
	)
	verifier := verify.New(root, a.shell,
		verify.WithProvider(a.provider),
		verify.WithEvents(a.bus),
		verify.WithChecks(verify.Checks{
			Build: cfg.Verify.Build,
			Lint:  cfg.Verify.Lint,
			Test:  cfg.Verify.Test,
		}),
	)

	opts := []orchestrator.Option{
		orchestrator.WithEvents(a.bus),
		orchestrator.WithIndex(a.index),
		orchestrator.WithLimits(cfg.Loop.MaxExecuteRetries, cfg.Loop.MaxReplans),
	}
	if a.archive != nil {
		opts = append(opts,
			orchestrator.WithArchive(a.archive),
			orchestrator.WithHistory(a.archive, a.project.ID),
		)
	}
	return orchestrator.New(root, planner, executor, verifier, opts...)
}

func (a *app) close() {
	if a.agents != nil {
		a.agents.Shutdown()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("archive_close_failed", nil, err)
		}
	}
	logging.SetSink(nil, logging.LevelInfo)
}

// openArchive opens only the plan archive.
func openArchive() (*store.Archive, error) {
	a, err := store.Open(cfg.Storage.ArchivePath)
	if err != nil {
		return nil, apperr.Infrastructure("store.open", fmt.Errorf("%s: %w", cfg.Storage.ArchivePath, err))
	}
	return a, nil
}
