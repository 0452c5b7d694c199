package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithin(t *testing.T) {
	tests := []struct {
		child, parent string
		want          bool
	}{
		{"/a/b", "/a", true},
		{"/a", "/a", true},
		{"/a/b/../c", "/a", true},
		{"/ab", "/a", false},
		{"/a/../b", "/a", false},
		{"/", "/a", false},
		{"/a/..b", "/a", true},
	}
	for _, tt := range tests {
		if got := Within(tt.child, tt.parent); got != tt.want {
			t.Errorf("Within(%q, %q) = %v, want %v", tt.child, tt.parent, got, tt.want)
		}
	}
}

func TestFileSystemGuardReadWrite(t *testing.T) {
	project := t.TempDir()
	shared := t.TempDir()
	g := NewFileSystemGuard(project, []string{shared})

	assert.True(t, g.ValidateRead(filepath.Join(project, "main.go")))
	assert.True(t, g.ValidateRead(filepath.Join(shared, "lib", "x.go")))
	assert.False(t, g.ValidateRead("/etc/passwd"))

	assert.True(t, g.ValidateWrite(filepath.Join(project, "pkg", "a.go")))
	assert.False(t, g.ValidateWrite(filepath.Join(shared, "lib", "x.go")), "extra roots are read-only")
	assert.False(t, g.ValidateWrite(filepath.Join(project, "..", "escape.txt")))

	assert.Equal(t, []string{project, shared}, g.AllowedRoots())
}

func TestFileSystemGuardDelete(t *testing.T) {
	project := t.TempDir()
	g := NewFileSystemGuard(project, nil)

	assert.True(t, g.ValidateDelete(filepath.Join(project, "tmp.txt")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, ".git", "config")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, ".git")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, "web", "node_modules", "x", "index.js")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, ".env")))
	assert.True(t, g.ValidateDelete(filepath.Join(project, ".envrc")))
	assert.False(t, g.ValidateDelete("/tmp/outside"))
}

func TestFileSystemGuardDeleteIgnoresAncestors(t *testing.T) {
	base := t.TempDir()
	project := filepath.Join(base, "node_modules", "proj")
	g := NewFileSystemGuard(project, nil)

	assert.True(t, g.ValidateDelete(filepath.Join(project, "src", "main.go")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, "node_modules", "x.js")))

	dotenv := filepath.Join(base, ".env")
	g = NewFileSystemGuard(dotenv, nil)
	assert.True(t, g.ValidateDelete(filepath.Join(dotenv, "notes.txt")))
	assert.False(t, g.ValidateDelete(filepath.Join(dotenv, ".env")))
	assert.False(t, g.ValidateDelete(filepath.Join(dotenv, ".git", "HEAD")))
}

func TestFileSystemGuardCriticalGlobs(t *testing.T) {
	project := t.TempDir()
	g := NewFileSystemGuard(project, nil).WithCriticalGlobs("**/*.pem", "migrations/**", "[")

	assert.False(t, g.ValidateDelete(filepath.Join(project, "certs", "server.pem")))
	assert.False(t, g.ValidateDelete(filepath.Join(project, "migrations", "001.sql")))
	assert.True(t, g.ValidateDelete(filepath.Join(project, "cmd", "main.go")))
}

func TestNetworkGuard(t *testing.T) {
	g := NewNetworkGuard(nil)

	assert.True(t, g.ValidateURL("https://api.anthropic.com/v1/messages"))
	assert.True(t, g.ValidateURL("http://LOCALHOST:8100/health"))
	assert.False(t, g.ValidateURL("https://evil.example.com"))
	assert.False(t, g.ValidateURL("not a url"))
	assert.False(t, g.ValidateURL("://broken"))

	g.AddHost("Registry.NPMJS.org")
	assert.True(t, g.ValidateURL("https://registry.npmjs.org/left-pad"))

	g.RemoveHost("localhost")
	assert.False(t, g.ValidateURL("http://localhost"))
	assert.Contains(t, g.Hosts(), "registry.npmjs.org")
	assert.NotContains(t, g.Hosts(), "localhost")
}

func TestNetworkGuardEmptyList(t *testing.T) {
	g := NewNetworkGuard([]string{})
	assert.Empty(t, g.Hosts())
	assert.False(t, g.ValidateURL("http://localhost"))
}
