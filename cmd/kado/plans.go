package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/store"
)

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plans",
		Aliases: []string{"runs"},
		Short:   "Browse archived requests and their plans",
		Long: `Every processed request is archived with its plan, step outcomes and
summary, whether it succeeded or not.

Examples:
  kado plans list --status error
  kado plans show 01J0ABC`,
	}
	cmd.AddCommand(plansListCmd(), plansShowCmd(), plansDeleteCmd(), plansPruneCmd())
	return cmd
}

// withArchive opens the archive for the duration of fn.
func withArchive(fn func(ctx context.Context, a *store.Archive) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()
	return store.Classify("cli.archive", fn(ctx, a))
}

func plansListCmd() *cobra.Command {
	var (
		status string
		since  time.Duration
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				q := store.RecentRuns().Page(limit, offset).WithStatus(status)
				if since > 0 {
					q = q.After(time.Now().Add(-since))
				}
				runs, err := a.List(ctx, q)
				if err != nil {
					return err
				}
				return emit(runs, func(w *render.Writer) { w.Runs(runs) })
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only runs ending in this state (complete or error)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this window (e.g. 24h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip the first N runs")
	return cmd
}

func plansShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its plan and step results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				run, err := a.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(run, func(w *render.Writer) { w.Run(run) })
			})
		},
	}
}

func plansDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				run, err := a.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if err := a.Delete(ctx, run.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", run.ID)
				return nil
			})
		},
	}
}

func plansPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs started before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				n, err := a.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d run(s) older than %s\n", n, olderThan)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age threshold")
	return cmd
}
