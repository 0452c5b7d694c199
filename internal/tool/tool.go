// Package tool holds the tool registry, the built-in tools and the Gateway
// that puts every call through the guard, permission and audit layers.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Category groups tools. The set is closed.
type Category string

const (
	CategoryFile      Category = "file"
	CategorySearch    Category = "search"
	CategoryExecution Category = "execution"
	CategoryAnalysis  Category = "analysis"
	CategoryWeb       Category = "web"
)

// Param describes one tool argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Definition is what the planner and the model see of a tool.
type Definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Params      []Param  `json:"parameters"`
}

// Result is the outcome of one tool call. Tools never return Go errors;
// failures are reported with Success false and Error set.
type Result struct {
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Fail builds a failed result.
func Fail(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Tool is implemented by every built-in and test tool.
type Tool interface {
	Info() Definition
	Execute(ctx context.Context, args map[string]any) Result
}

// Registry maps names and aliases to tools. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		aliases: make(map[string]string),
	}
}

// Register adds t under its definition name, replacing any previous tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Info().Name] = t
	r.mu.Unlock()
}

// Alias makes alias resolve to canonical.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	r.aliases[alias] = canonical
	r.mu.Unlock()
}

// Resolve maps an alias to its canonical name. Unknown names are returned
// unchanged.
func (r *Registry) Resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(name)
}

func (r *Registry) resolve(name string) string {
	if c, ok := r.aliases[name]; ok {
		return c
	}
	return name
}

// Has reports whether name or its alias target is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Get returns the tool for name, following aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[r.resolve(name)]
	return t, ok
}

// Definitions lists registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Info())
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ByCategory lists the definitions in category c.
func (r *Registry) ByCategory(c Category) []Definition {
	var out []Definition
	for _, d := range r.Definitions() {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

// KnownNames lists canonical names followed by aliases, each group sorted.
func (r *Registry) KnownNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	aliases := make([]string, 0, len(r.aliases))
	for a := range r.aliases {
		aliases = append(aliases, a)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	sort.Strings(aliases)
	return append(names, aliases...)
}

// Execute runs the named tool and stamps the duration. An unknown name is a
// failed result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.Get(name)
	if !ok {
		return Fail("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := ctx.Err(); err != nil {
		return Fail("%s: %v", name, err)
	}

	start := time.Now()
	res := t.Execute(ctx, args)
	res.Duration = time.Since(start)
	return res
}

// DefaultAliases are the names models commonly use for the built-ins.
var DefaultAliases = map[string]string{
	"read":            "file_read",
	"read_file":       "file_read",
	"write":           "file_write",
	"write_file":      "file_write",
	"edit":            "file_edit",
	"code_edit":       "file_edit",
	"delete":          "file_delete",
	"glob":            "glob_search",
	"find_files":      "glob_search",
	"grep":            "grep_search",
	"search":          "grep_search",
	"code_search":     "grep_search",
	"codebase_search": "semantic_search",
	"bash":            "shell_execute",
	"shell":           "shell_execute",
	"run":             "shell_execute",
	"exec":            "shell_execute",
	"terminal":        "shell_execute",
	"fetch":           "web_fetch",
}
