package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/sandbox"
	"github.com/joss/kado/internal/worktree"
)

func worktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktree",
		Aliases: []string{"wt"},
		Short:   "Review the changes of isolated requests",
		Long: `'kado run --isolate' runs a request in its own git worktree on a
kado/<task> branch. Its changes stay there until accepted, which applies
them to the project's working tree uncommitted. Rejecting discards them.

Task ids may be abbreviated to any unique prefix.

Examples:
  kado worktree list
  kado worktree diff 01jb2 --patch
  kado worktree accept 01jb2
  kado worktree reject 01jb2`,
	}

	cmd.AddCommand(
		worktreeListCmd(),
		worktreeDiffCmd(),
		worktreeAcceptCmd(),
		worktreeRejectCmd(),
	)
	return cmd
}

// worktrees builds the manager for the project. Git runs through the
// sandbox executor with the worktree directory readable.
func (a *app) worktrees() *worktree.Manager {
	allowed := append(append([]string(nil), cfg.Project.AllowedPaths...), cfg.Storage.WorktreeDir)
	guard := sandbox.NewFileSystemGuard(cfg.Project.Root, allowed)
	shell := sandbox.NewExecutor(guard,
		sandbox.WithTimeout(cfg.Sandbox.Timeout.Duration),
		sandbox.WithFilter(a.filter),
	)
	return worktree.NewManager(cfg.Project.Root, cfg.Storage.WorktreeDir, shell)
}

// worktreeError tags worktree failures: caller mistakes are validation
// errors, git failures are infrastructure.
func worktreeError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range []error{
		worktree.ErrNotFound,
		worktree.ErrNotRepository,
		worktree.ErrNoCommits,
		worktree.ErrExists,
		worktree.ErrInvalidTaskID,
	} {
		if errors.Is(err, target) {
			return apperr.Wrap(apperr.KindValidation, op, err)
		}
	}
	return apperr.Infrastructure(op, err)
}

// resolveTask expands a unique task id prefix.
func resolveTask(ctx context.Context, m *worktree.Manager, id string) (string, error) {
	list, err := m.List(ctx)
	if err != nil {
		return "", worktreeError("cli.worktree", err)
	}
	var matches []string
	for _, wt := range list {
		if wt.TaskID == id {
			return id, nil
		}
		if strings.HasPrefix(wt.TaskID, id) {
			matches = append(matches, wt.TaskID)
		}
	}
	switch len(matches) {
	case 0:
		return "", worktreeError("cli.worktree", fmt.Errorf("%w: %s", worktree.ErrNotFound, id))
	case 1:
		return matches[0], nil
	}
	return "", apperr.Validation("cli.worktree", "prefix %q matches %d worktrees", id, len(matches))
}

// withWorktrees runs fn against the project's worktree manager.
func withWorktrees(fn func(ctx context.Context, a *app, m *worktree.Manager) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newEnforcement()
	if err != nil {
		return err
	}
	return fn(ctx, a, a.worktrees())
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending isolated requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorktrees(func(ctx context.Context, a *app, m *worktree.Manager) error {
				list, err := m.List(ctx)
				if err != nil {
					return worktreeError("cli.worktree", err)
				}
				return emit(list, func(w *render.Writer) {
					if len(list) == 0 {
						w.Empty("No pending worktrees.")
						return
					}
					w.Header("Worktrees (%d)", len(list))
					for _, wt := range list {
						w.Item("%s  %s  %s", color.CyanString(wt.TaskID), wt.Branch, color.HiBlackString(rel(wt.Path)))
					}
				})
			})
		},
	}
}

func worktreeDiffCmd() *cobra.Command {
	var patch bool
	cmd := &cobra.Command{
		Use:   "diff <task>",
		Short: "Show what an isolated request changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorktrees(func(ctx context.Context, a *app, m *worktree.Manager) error {
				id, err := resolveTask(ctx, m, args[0])
				if err != nil {
					return err
				}
				d, err := m.Diff(ctx, id)
				if err != nil {
					return worktreeError("cli.worktree", err)
				}
				if patch && format == render.FormatText {
					fmt.Fprint(os.Stdout, d.Patch)
					return nil
				}
				if !patch {
					d.Patch = ""
				}
				return emit(d, func(w *render.Writer) { printDiff(w, d) })
			})
		},
	}
	cmd.Flags().BoolVarP(&patch, "patch", "p", false, "Print the full patch")
	return cmd
}

func printDiff(w *render.Writer, d *worktree.Diff) {
	add, del := d.Totals()
	w.Header("%s on %s", d.TaskID, d.Branch)
	if d.Empty() {
		w.Empty("No changes.")
		return
	}
	for _, f := range d.Files {
		stat := color.HiBlackString("+%d -%d", f.Additions, f.Deletions)
		if f.Binary {
			stat = color.HiBlackString("binary")
		}
		w.Item("%-8s %s %s", f.Kind, f.Path, stat)
	}
	w.Line()
	w.Println("%d files, %s %s", len(d.Files), color.GreenString("+%d", add), color.RedString("-%d", del))
}

func worktreeAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <task>",
		Short: "Apply an isolated request's changes to the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorktrees(func(ctx context.Context, a *app, m *worktree.Manager) error {
				id, err := resolveTask(ctx, m, args[0])
				if err != nil {
					return err
				}
				d, err := m.Accept(ctx, id)
				if d != nil {
					result := audit.ResultAllowed
					if err != nil {
						result = audit.ResultError
					}
					for _, f := range d.Files {
						_ = a.audit.Record(cliAgent, "file-write", f.Path, result, map[string]any{
							"tool":    "worktree_accept",
							"task_id": id,
						})
					}
				}
				if err != nil {
					return worktreeError("cli.worktree", err)
				}
				d.Patch = ""
				return emit(d, func(w *render.Writer) {
					w.Println("%s applied %d files from %s", render.BoolIcon(true), len(d.Files), d.Branch)
				})
			})
		},
	}
}

func worktreeRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <task>",
		Short: "Discard an isolated request's changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorktrees(func(ctx context.Context, a *app, m *worktree.Manager) error {
				id, err := resolveTask(ctx, m, args[0])
				if err != nil {
					return err
				}
				wt, err := m.Reject(ctx, id)
				if err != nil {
					return worktreeError("cli.worktree", err)
				}
				return emit(wt, func(w *render.Writer) {
					w.Println("%s discarded %s", render.BoolIcon(true), wt.Branch)
				})
			})
		},
	}
}
