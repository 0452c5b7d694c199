// Package permission decides whether a mutating action may proceed and
// remembers standing decisions per project.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joss/kado/internal/logging"
)

// ActionType is the closed set of gated actions.
type ActionType string

const (
	ActionFileWrite      ActionType = "file-write"
	ActionFileDelete     ActionType = "file-delete"
	ActionShellExecute   ActionType = "shell-execute"
	ActionNetworkRequest ActionType = "network-request"
	ActionInstallPackage ActionType = "install-package"
)

// Risk grades an action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Action is one request for permission.
type Action struct {
	Type        ActionType `json:"type"`
	Description string     `json:"description"`
	Resource    string     `json:"resource"`
	Risk        Risk       `json:"risk"`
}

// Decision is the answer to a request.
type Decision string

const (
	AllowAlways Decision = "allow-always"
	AllowOnce   Decision = "allow-once"
	Deny        Decision = "deny"
)

// Allowed reports whether d lets the action proceed.
func (d Decision) Allowed() bool {
	return d == AllowAlways || d == AllowOnce
}

// Prompter asks someone (a user, a policy) for a decision.
type Prompter interface {
	Prompt(ctx context.Context, a Action) (Decision, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, a Action) (Decision, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, a Action) (Decision, error) {
	return f(ctx, a)
}

// Stored is a persisted standing decision.
type Stored struct {
	Type      ActionType `json:"type"`
	Resource  string     `json:"resource"`
	Decision  Decision   `json:"decision"`
	Timestamp time.Time  `json:"timestamp"`
}

type persistedData struct {
	ProjectID   string   `json:"projectId"`
	Permissions []Stored `json:"permissions"`
}

// Manager holds standing decisions for one project and consults a Prompter
// for everything else.
type Manager struct {
	mu          sync.RWMutex
	dir         string
	project     string
	stored      map[string]Stored
	prompter    Prompter
	autoApprove bool
	now         func() time.Time
	log         *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrompter sets who answers undecided requests.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithAutoApprove grants low-risk actions without prompting.
func WithAutoApprove(on bool) Option {
	return func(m *Manager) { m.autoApprove = on }
}

// NewManager creates a manager persisting to <dir>/<project>-permissions.json.
// An empty dir disables persistence.
func NewManager(dir, project string, opts ...Option) *Manager {
	if project == "" {
		project = "default"
	}
	m := &Manager{
		dir:     dir,
		project: project,
		stored:  make(map[string]Stored),
		now:     time.Now,
		log:     logging.New("permission"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func key(t ActionType, resource string) string {
	return string(t) + ":" + resource
}

// File returns the persistence path, or "" when persistence is off.
func (m *Manager) File() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file()
}

func (m *Manager) file() string {
	if m.dir == "" {
		return ""
	}
	return filepath.Join(m.dir, sanitize(m.project)+"-permissions.json")
}

// sanitize keeps the project id usable as a file name.
func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", ":", "_", "..", "_")
	return r.Replace(id)
}

// Check returns the standing decision for a, if any. Shell resources may be
// stored as "<prefix> *" to cover every command starting with prefix.
func (m *Manager) Check(a Action) (Decision, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.stored[key(a.Type, a.Resource)]; ok {
		return s.Decision, true
	}
	if a.Type != ActionShellExecute {
		return "", false
	}

	// Deny wins over allow when several patterns match.
	var found Decision
	for _, s := range m.stored {
		if s.Type != ActionShellExecute || !matchCommand(a.Resource, s.Resource) {
			continue
		}
		if s.Decision == Deny {
			return Deny, true
		}
		found = s.Decision
	}
	return found, found != ""
}

// Request resolves a decision: standing decision, then auto-approval, then
// the prompter. Without a prompter undecided actions are denied.
// allow-always and deny answers are persisted.
func (m *Manager) Request(ctx context.Context, a Action) (Decision, error) {
	if d, ok := m.Check(a); ok {
		return d, nil
	}
	if m.autoApprove && a.Risk == RiskLow {
		return AllowOnce, nil
	}
	if m.prompter == nil {
		m.log.For(ctx).Debug("no_prompter", map[string]any{"type": string(a.Type), "resource": a.Resource})
		return Deny, nil
	}

	d, err := m.prompter.Prompt(ctx, a)
	if err != nil {
		return Deny, fmt.Errorf("prompt for %s: %w", a.Type, err)
	}

	switch d {
	case AllowAlways, Deny:
		m.mu.Lock()
		m.stored[key(a.Type, a.Resource)] = Stored{
			Type:      a.Type,
			Resource:  a.Resource,
			Decision:  d,
			Timestamp: m.now(),
		}
		m.mu.Unlock()
		if err := m.Save(); err != nil {
			// Decision still applies in memory.
			m.log.For(ctx).Warn("save_failed", map[string]any{"file": m.File()}, err)
		}
	case AllowOnce:
	default:
		return Deny, fmt.Errorf("prompt for %s: unknown decision %q", a.Type, d)
	}
	return d, nil
}

// Grant stores a standing decision without prompting.
func (m *Manager) Grant(t ActionType, resource string, d Decision) error {
	if d != AllowAlways && d != Deny {
		return fmt.Errorf("only %s and %s can be stored, got %q", AllowAlways, Deny, d)
	}
	m.mu.Lock()
	m.stored[key(t, resource)] = Stored{Type: t, Resource: resource, Decision: d, Timestamp: m.now()}
	m.mu.Unlock()
	return m.Save()
}

// Revoke forgets the decision for (t, resource).
func (m *Manager) Revoke(t ActionType, resource string) error {
	m.mu.Lock()
	delete(m.stored, key(t, resource))
	m.mu.Unlock()
	return m.Save()
}

// List returns stored decisions sorted by type then resource.
func (m *Manager) List() []Stored {
	m.mu.RLock()
	out := make([]Stored, 0, len(m.stored))
	for _, s := range m.stored {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

// SetProject switches to another project's decisions.
func (m *Manager) SetProject(id string) error {
	if id == "" {
		id = "default"
	}
	m.mu.Lock()
	m.project = id
	m.mu.Unlock()
	return m.Load()
}

// Project returns the current project id.
func (m *Manager) Project() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.project
}

// Load replaces in-memory decisions with the persisted ones. A missing file
// yields an empty set; a corrupt one yields an empty set and an error.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stored = make(map[string]Stored)
	path := m.file()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read permissions: %w", err)
	}

	var pd persistedData
	if err := json.Unmarshal(data, &pd); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, s := range pd.Permissions {
		if s.Decision != AllowAlways && s.Decision != Deny {
			continue
		}
		m.stored[key(s.Type, s.Resource)] = s
	}
	return nil
}

// Save writes the decisions for the current project.
func (m *Manager) Save() error {
	m.mu.RLock()
	path := m.file()
	pd := persistedData{ProjectID: m.project, Permissions: make([]Stored, 0, len(m.stored))}
	for _, s := range m.stored {
		pd.Permissions = append(pd.Permissions, s)
	}
	m.mu.RUnlock()

	if path == "" {
		return nil
	}
	sort.Slice(pd.Permissions, func(i, j int) bool {
		return key(pd.Permissions[i].Type, pd.Permissions[i].Resource) < key(pd.Permissions[j].Type, pd.Permissions[j].Resource)
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create permissions dir: %w", err)
	}
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write permissions: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace permissions: %w", err)
	}
	return nil
}

// matchCommand supports "git *" style prefixes; anything else is exact.
func matchCommand(command, pattern string) bool {
	if strings.HasSuffix(pattern, " *") {
		prefix := strings.TrimSuffix(pattern, " *")
		return strings.HasPrefix(command, prefix+" ") || command == prefix
	}
	return command == pattern
}
