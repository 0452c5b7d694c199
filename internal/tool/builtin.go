package tool

import (
	"net/http"

	"github.com/joss/kado/internal/sandbox"
	"github.com/joss/kado/internal/vector"
)

// Deps are the collaborators of the built-in tools.
type Deps struct {
	// Root is the project directory relative paths resolve against.
	Root string
	// Commander runs shell_execute. Nil leaves the tool unusable.
	Commander sandbox.Commander
	// Index backs semantic_search. Nil makes it always degrade.
	Index vector.Index
	// HTTPClient is used by web_fetch.
	HTTPClient *http.Client
}

// DefaultRegistry registers every built-in tool and DefaultAliases.
func DefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	r.Register(NewFileRead(d.Root))
	r.Register(NewFileWrite(d.Root))
	r.Register(NewFileEdit(d.Root))
	r.Register(NewFileDelete(d.Root))
	r.Register(NewGlobSearch(d.Root))
	r.Register(NewGrepSearch(d.Root))
	r.Register(NewShellExecute(d.Root, d.Commander))
	r.Register(NewSemanticSearch(d.Index))
	r.Register(NewWebFetch(d.HTTPClient))

	for alias, canonical := range DefaultAliases {
		r.Alias(alias, canonical)
	}
	return r
}

// FileModifying reports whether canonical tool name changes a file's content.
func FileModifying(name string) bool {
	switch name {
	case "file_write", "file_edit", "file_delete":
		return true
	}
	return false
}

// IsSearch reports whether name is a discovery tool.
func IsSearch(name string) bool {
	switch name {
	case "glob_search", "grep_search", "semantic_search":
		return true
	}
	return false
}
