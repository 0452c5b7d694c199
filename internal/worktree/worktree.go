// Package worktree isolates a request in its own git worktree. The request
// edits a throwaway checkout on a kado/<task> branch; its changes reach the
// project only when the diff is accepted.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/sandbox"
)

// BranchPrefix namespaces the branches kado creates.
const BranchPrefix = "kado/"

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoCommits     = errors.New("repository has no commits")
	ErrNotFound      = errors.New("worktree not found")
	ErrExists        = errors.New("worktree already exists")
	ErrInvalidTaskID = errors.New("invalid task id")
)

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// NewTaskID returns a fresh, branch-safe task id.
func NewTaskID() string {
	return strings.ToLower(ulid.Make().String())
}

// Worktree is one isolated checkout.
type Worktree struct {
	TaskID string `json:"task_id"`
	Branch string `json:"branch"`
	// Path is the worktree's top level.
	Path string `json:"path"`
	// Root is the project directory inside the worktree. It differs from
	// Path when the project is a subdirectory of the repository.
	Root string `json:"root"`
	Head string `json:"head"`
}

// FileDiff summarises the change to one file.
type FileDiff struct {
	Path      string                `json:"path"`
	Kind      events.FileChangeKind `json:"kind"`
	Additions int                   `json:"additions"`
	Deletions int                   `json:"deletions"`
	Binary    bool                  `json:"binary,omitempty"`
}

// Diff is the pending change set of a worktree against its base commit.
type Diff struct {
	TaskID string     `json:"task_id"`
	Branch string     `json:"branch"`
	Files  []FileDiff `json:"files"`
	Patch  string     `json:"patch,omitempty"`
}

// Empty reports whether the worktree changed nothing.
func (d *Diff) Empty() bool { return len(d.Files) == 0 }

// Totals sums added and deleted lines.
func (d *Diff) Totals() (additions, deletions int) {
	for _, f := range d.Files {
		additions += f.Additions
		deletions += f.Deletions
	}
	return additions, deletions
}

// Payload converts the diff into its event form.
func (d *Diff) Payload() events.WorktreePayload {
	p := events.WorktreePayload{TaskID: d.TaskID, Branch: d.Branch}
	for _, f := range d.Files {
		p.Files = append(p.Files, events.WorktreeFile{
			Path:      f.Path,
			Kind:      f.Kind,
			Additions: f.Additions,
			Deletions: f.Deletions,
		})
	}
	return p
}

// Manager creates, inspects and retires worktrees of one repository. Every
// git invocation goes through a sandbox.Commander.
type Manager struct {
	repo string
	dir  string
	git  string
	cmd  sandbox.Commander
	log  *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGit overrides the git binary.
func WithGit(path string) Option {
	return func(m *Manager) { m.git = path }
}

// NewManager manages worktrees of the repository containing repo, placing
// them under dir.
func NewManager(repo, dir string, cmd sandbox.Commander, opts ...Option) *Manager {
	m := &Manager{
		repo: sandbox.Abs(repo),
		dir:  sandbox.Abs(dir),
		git:  "git",
		cmd:  cmd,
		log:  logging.New("worktree"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the directory holding the worktrees.
func (m *Manager) Dir() string { return m.dir }

// GitError is a failed git invocation.
type GitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "exit " + strconv.Itoa(e.ExitCode)
	}
	return fmt.Sprintf("git %s: %s", e.Args[0], msg)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(m.git))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	res := m.cmd.Execute(ctx, strings.Join(parts, " "), sandbox.ExecOptions{
		Dir: dir,
		Env: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
	if !res.Success() {
		return res.Stdout, &GitError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func quote(s string) string {
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// toplevel returns the repository root and the project's path inside it.
func (m *Manager) toplevel(ctx context.Context) (top, prefix string, err error) {
	out, err := m.run(ctx, m.repo, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotRepository, m.repo)
	}
	top = strings.TrimSpace(out)
	repo := m.repo
	if resolved, err := filepath.EvalSymlinks(repo); err == nil {
		repo = resolved
	}
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}
	prefix, err = filepath.Rel(top, repo)
	if err != nil || strings.HasPrefix(prefix, "..") {
		prefix = "."
	}
	return top, prefix, nil
}

// Create checks out HEAD into a new worktree on branch kado/<taskID>.
func (m *Manager) Create(ctx context.Context, taskID string) (*Worktree, error) {
	if !taskIDPattern.MatchString(taskID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	_, prefix, err := m.toplevel(ctx)
	if err != nil {
		return nil, err
	}
	out, err := m.run(ctx, m.repo, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return nil, ErrNoCommits
	}
	head := strings.TrimSpace(out)

	path := filepath.Join(m.dir, taskID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, taskID)
	}
	if err := m.prepareDir(); err != nil {
		return nil, err
	}

	wt := &Worktree{
		TaskID: taskID,
		Branch: BranchPrefix + taskID,
		Path:   path,
		Root:   filepath.Join(path, prefix),
		Head:   head,
	}
	if _, err := m.run(ctx, m.repo, "worktree", "add", "-b", wt.Branch, wt.Path, head); err != nil {
		return nil, fmt.Errorf("add worktree: %w", err)
	}
	m.log.For(ctx).Info("worktree_created", map[string]any{"task_id": taskID, "branch": wt.Branch, "head": head})
	return wt, nil
}

// prepareDir creates the worktree directory with a catch-all .gitignore so
// the parent checkout never reports it as untracked.
func (m *Manager) prepareDir() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}
	ignore := filepath.Join(m.dir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", ignore, err)
		}
	}
	return nil
}

// List returns the kado worktrees git knows about, ordered by task id.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	_, prefix, err := m.toplevel(ctx)
	if err != nil {
		return nil, err
	}
	out, err := m.run(ctx, m.repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	list := parseWorktreeList(out)
	for i := range list {
		list[i].Root = filepath.Join(list[i].Path, prefix)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TaskID < list[j].TaskID })
	return list, nil
}

// parseWorktreeList reads "git worktree list --porcelain" and keeps entries
// on kado branches.
func parseWorktreeList(out string) []Worktree {
	var list []Worktree
	var cur Worktree
	flush := func() {
		if strings.HasPrefix(cur.Branch, BranchPrefix) && cur.Path != "" {
			cur.TaskID = strings.TrimPrefix(cur.Branch, BranchPrefix)
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return list
}

// Get finds the worktree of taskID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Worktree, error) {
	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].TaskID == taskID {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
}

// Diff stages everything in the worktree and reports it against the commit
// it forked from, so commits made inside the worktree are included. Paths
// are relative to the repository root.
func (m *Manager) Diff(ctx context.Context, taskID string) (*Diff, error) {
	wt, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return m.diff(ctx, wt)
}

func (m *Manager) diff(ctx context.Context, wt *Worktree) (*Diff, error) {
	if _, err := m.run(ctx, wt.Path, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	fork := wt.Head
	if out, err := m.run(ctx, m.repo, "merge-base", "HEAD", wt.Branch); err == nil {
		fork = strings.TrimSpace(out)
	}
	base := []string{"diff", "--cached", "--no-renames"}
	numstat, err := m.run(ctx, wt.Path, append(base, "--numstat", "-z", fork)...)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	names, err := m.run(ctx, wt.Path, append(base, "--name-status", "-z", fork)...)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	patch, err := m.run(ctx, wt.Path, append(base, "--binary", fork)...)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	return &Diff{
		TaskID: wt.TaskID,
		Branch: wt.Branch,
		Files:  parseDiff(numstat, names),
		Patch:  patch,
	}, nil
}

// parseDiff joins "--numstat -z" and "--name-status -z" output.
func parseDiff(numstat, names string) []FileDiff {
	kinds := make(map[string]events.FileChangeKind)
	fields := strings.Split(names, "\x00")
	for i := 0; i+1 < len(fields); i += 2 {
		kind := events.FileModified
		switch fields[i] {
		case "A":
			kind = events.FileAdded
		case "D":
			kind = events.FileDeleted
		}
		kinds[fields[i+1]] = kind
	}

	var files []FileDiff
	for _, rec := range strings.Split(numstat, "\x00") {
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		f := FileDiff{Path: parts[2], Kind: events.FileModified}
		if k, ok := kinds[f.Path]; ok {
			f.Kind = k
		}
		if parts[0] == "-" && parts[1] == "-" {
			f.Binary = true
		} else {
			f.Additions, _ = strconv.Atoi(parts[0])
			f.Deletions, _ = strconv.Atoi(parts[1])
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Accept applies the worktree's changes to the project's working tree,
// then removes the worktree and its branch. The changes are left
// uncommitted. When the patch does not apply the worktree is kept.
func (m *Manager) Accept(ctx context.Context, taskID string) (*Diff, error) {
	wt, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	d, err := m.diff(ctx, wt)
	if err != nil {
		return nil, err
	}
	if !d.Empty() {
		top, _, err := m.toplevel(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.apply(ctx, top, d.Patch); err != nil {
			return nil, err
		}
	}
	if err := m.remove(ctx, wt); err != nil {
		return d, err
	}
	m.log.For(ctx).Info("worktree_accepted", map[string]any{"task_id": taskID, "files": len(d.Files)})
	return d, nil
}

func (m *Manager) apply(ctx context.Context, top, patch string) error {
	f, err := os.CreateTemp(m.dir, "accept-*.patch")
	if err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(patch); err != nil {
		f.Close()
		return fmt.Errorf("write patch: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	if _, err := m.run(ctx, m.repo, "-C", top, "apply", "--whitespace=nowarn", f.Name()); err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	return nil
}

// Reject discards the worktree and its branch.
func (m *Manager) Reject(ctx context.Context, taskID string) (*Worktree, error) {
	wt, err := m.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := m.remove(ctx, wt); err != nil {
		return wt, err
	}
	m.log.For(ctx).Info("worktree_rejected", map[string]any{"task_id": taskID})
	return wt, nil
}

func (m *Manager) remove(ctx context.Context, wt *Worktree) error {
	if _, err := m.run(ctx, m.repo, "worktree", "remove", "--force", wt.Path); err != nil {
		m.log.For(ctx).Warn("worktree_remove_failed", map[string]any{"task_id": wt.TaskID}, err)
		if sandbox.Within(wt.Path, m.dir) {
			_ = os.RemoveAll(wt.Path)
		}
		if _, err := m.run(ctx, m.repo, "worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
	}
	if _, err := m.run(ctx, m.repo, "branch", "-D", wt.Branch); err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	return nil
}
