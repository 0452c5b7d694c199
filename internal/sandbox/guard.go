package sandbox

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// CriticalPaths are never deletable, even inside the project.
var CriticalPaths = []string{".git", "node_modules", ".env"}

// FileSystemGuard scopes file access. Reads may reach any allowed root;
// writes and deletes stay inside the project.
type FileSystemGuard struct {
	project  string
	allowed  []string
	critical []string
	// globs extend the critical set, matched against project-relative paths.
	globs []string
}

// NewFileSystemGuard resolves the roots to absolute paths.
func NewFileSystemGuard(project string, allowed []string) *FileSystemGuard {
	g := &FileSystemGuard{
		project:  Abs(project),
		critical: CriticalPaths,
	}
	g.allowed = append(g.allowed, g.project)
	for _, p := range allowed {
		if p == "" {
			continue
		}
		g.allowed = append(g.allowed, Abs(p))
	}
	return g
}

// WithCriticalGlobs adds doublestar patterns, relative to the project, that
// ValidateDelete refuses.
func (g *FileSystemGuard) WithCriticalGlobs(patterns ...string) *FileSystemGuard {
	for _, p := range patterns {
		if doublestar.ValidatePattern(p) {
			g.globs = append(g.globs, p)
		}
	}
	return g
}

// Project returns the absolute project root.
func (g *FileSystemGuard) Project() string {
	return g.project
}

// AllowedRoots returns the project root followed by the extra roots.
func (g *FileSystemGuard) AllowedRoots() []string {
	return append([]string(nil), g.allowed...)
}

// Abs resolves p against the working directory.
func Abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, p)
}

// Within reports whether child is parent or below it.
func Within(child, parent string) bool {
	rel, err := filepath.Rel(Abs(parent), Abs(child))
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ValidateRead allows the project and every allowed root.
func (g *FileSystemGuard) ValidateRead(path string) bool {
	p := Abs(path)
	for _, root := range g.allowed {
		if Within(p, root) {
			return true
		}
	}
	return false
}

// ValidateWrite allows the project only.
func (g *FileSystemGuard) ValidateWrite(path string) bool {
	return Within(path, g.project)
}

// ValidateDelete allows the project minus critical paths.
func (g *FileSystemGuard) ValidateDelete(path string) bool {
	p := Abs(path)
	if !Within(p, g.project) {
		return false
	}
	return !g.isCritical(p)
}

// isCritical matches against the project-relative path so directories
// above the project root never count.
func (g *FileSystemGuard) isCritical(p string) bool {
	rel, err := filepath.Rel(g.project, p)
	if err != nil || rel == "." {
		return false
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		for _, c := range g.critical {
			if seg == c {
				return true
			}
		}
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range g.globs {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// DefaultAllowedHosts are reachable without configuration.
var DefaultAllowedHosts = []string{"localhost", "127.0.0.1", "api.openai.com", "api.anthropic.com"}

// NetworkGuard is a hostname allow-list. Safe for concurrent use.
type NetworkGuard struct {
	mu    sync.RWMutex
	hosts map[string]bool
}

// NewNetworkGuard creates a guard; nil hosts means the defaults.
func NewNetworkGuard(hosts []string) *NetworkGuard {
	if hosts == nil {
		hosts = DefaultAllowedHosts
	}
	g := &NetworkGuard{hosts: make(map[string]bool, len(hosts))}
	for _, h := range hosts {
		g.AddHost(h)
	}
	return g
}

// ValidateURL checks only the hostname. Malformed URLs are denied.
func (g *NetworkGuard) ValidateURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hosts[strings.ToLower(u.Hostname())]
}

// AddHost allows host.
func (g *NetworkGuard) AddHost(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	g.mu.Lock()
	g.hosts[host] = true
	g.mu.Unlock()
}

// RemoveHost revokes host.
func (g *NetworkGuard) RemoveHost(host string) {
	g.mu.Lock()
	delete(g.hosts, strings.ToLower(strings.TrimSpace(host)))
	g.mu.Unlock()
}

// Hosts lists allowed hosts, sorted.
func (g *NetworkGuard) Hosts() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.hosts))
	for h := range g.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
