package tool

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joss/kado/internal/vector"
)

// ExcludedDirs are skipped by every search and by the project tree.
var ExcludedDirs = map[string]bool{
	"node_modules": true, ".git": true, ".next": true, ".nuxt": true, ".svelte-kit": true,
	"dist": true, "build": true, ".cache": true, ".turbo": true, ".output": true,
	"__pycache__": true, "coverage": true, ".vercel": true, ".netlify": true,
}

const (
	maxGlobResults = 1000
	maxGrepMatches = 500
)

// walkFiles calls fn with the slash-separated path of every regular file
// below base, relative to base, skipping ExcludedDirs.
func walkFiles(ctx context.Context, base string, fn func(rel string) bool) error {
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != base && ExcludedDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		if !fn(filepath.ToSlash(rel)) {
			return fs.SkipAll
		}
		return nil
	})
}

// matchGlob matches rel against pattern. Patterns without a slash also
// match the base name, so "*.go" finds files at any depth.
func matchGlob(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, filepath.Base(rel))
		return ok
	}
	return false
}

// GlobSearch finds files by doublestar pattern.
type GlobSearch struct{ root string }

func NewGlobSearch(root string) *GlobSearch { return &GlobSearch{root: root} }

func (t *GlobSearch) Info() Definition {
	return Definition{
		Name:        "glob_search",
		Description: "Find files matching a glob pattern",
		Category:    CategorySearch,
		Params: []Param{
			{Name: "pattern", Type: "string", Description: "Glob pattern (e.g. **/*.go)", Required: true},
			{Name: "cwd", Type: "string", Description: "Base directory"},
		},
	}
}

func (t *GlobSearch) Execute(ctx context.Context, args map[string]any) Result {
	pattern, _ := stringArg(args, "pattern", "glob")
	if pattern == "" {
		return Fail("glob_search: pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return Fail("glob_search: invalid pattern %q", pattern)
	}
	cwd, _ := stringArg(args, "cwd", "path")
	base := resolvePath(t.root, cwd)

	matches := []string{}
	err := walkFiles(ctx, base, func(rel string) bool {
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
		}
		return len(matches) < maxGlobResults
	})
	if err != nil {
		return Fail("glob_search: %v", err)
	}
	sort.Strings(matches)
	return Result{Success: true, Data: matches}
}

// GrepMatch is one matching line.
type GrepMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// GrepSearch scans file contents with a regular expression.
type GrepSearch struct{ root string }

func NewGrepSearch(root string) *GrepSearch { return &GrepSearch{root: root} }

func (t *GrepSearch) Info() Definition {
	return Definition{
		Name:        "grep_search",
		Description: "Search file contents by regex",
		Category:    CategorySearch,
		Params: []Param{
			{Name: "pattern", Type: "string", Description: "Regex pattern", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search"},
			{Name: "fileGlob", Type: "string", Description: "File glob (e.g. *.go)"},
		},
	}
}

func (t *GrepSearch) Execute(ctx context.Context, args map[string]any) Result {
	pattern, _ := stringArg(args, "pattern", "query")
	if pattern == "" {
		return Fail("grep_search: pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Fail("grep_search: invalid pattern: %v", err)
	}
	dir, _ := stringArg(args, "path", "cwd")
	base := resolvePath(t.root, dir)
	fileGlob, _ := stringArg(args, "fileGlob", "file_glob", "glob")

	matches := []GrepMatch{}
	err = walkFiles(ctx, base, func(rel string) bool {
		if fileGlob != "" && !matchGlob(fileGlob, rel) {
			return true
		}
		grepFile(filepath.Join(base, filepath.FromSlash(rel)), rel, re, &matches)
		return len(matches) < maxGrepMatches
	})
	if err != nil {
		return Fail("grep_search: %v", err)
	}
	if len(matches) > maxGrepMatches {
		matches = matches[:maxGrepMatches]
	}
	return Result{Success: true, Data: matches}
}

func grepFile(path, rel string, re *regexp.Regexp, out *[]GrepMatch) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return
		}
		if re.MatchString(text) {
			*out = append(*out, GrepMatch{File: rel, Line: line, Content: text})
		}
	}
}

// SemanticUnavailable is the error text returned when no index answers.
const SemanticUnavailable = "Semantic search unavailable (vector service not reachable). Use grep_search or glob_search as fallback."

// SemanticSearch queries the vector index. It degrades to a failed result
// naming the literal search tools when the index is missing or down.
type SemanticSearch struct{ index vector.Index }

func NewSemanticSearch(idx vector.Index) *SemanticSearch { return &SemanticSearch{index: idx} }

func (t *SemanticSearch) Info() Definition {
	return Definition{
		Name:        "semantic_search",
		Description: "Search code by meaning using vector index",
		Category:    CategorySearch,
		Params: []Param{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "topK", Type: "number", Description: "Max results (default 10)", Default: 10},
		},
	}
}

func (t *SemanticSearch) Execute(ctx context.Context, args map[string]any) Result {
	query, _ := stringArg(args, "query", "pattern")
	if query == "" {
		return Fail("semantic_search: query is required")
	}
	topK, ok := intArg(args, "topK", "top_k")
	if !ok || topK <= 0 {
		topK = 10
	}
	if t.index == nil || !t.index.Healthy(ctx) {
		return Fail(SemanticUnavailable)
	}
	matches, err := t.index.Query(ctx, query, topK)
	if err != nil {
		return Result{Error: SemanticUnavailable + " (" + err.Error() + ")"}
	}
	if matches == nil {
		matches = []vector.Match{}
	}
	return Result{Success: true, Data: matches}
}

var (
	_ Tool = (*GlobSearch)(nil)
	_ Tool = (*GrepSearch)(nil)
	_ Tool = (*SemanticSearch)(nil)
)
