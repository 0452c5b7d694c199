package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/store"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the conversation remembered for this project",
	}

	var last int
	show := &cobra.Command{
		Use:   "show",
		Short: "Print recent turns",
		RunE: func(cmd *cobra.Command, args []string) error {
			project := memory.DetectProject(cfg.Project.Root)
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				msgs, err := a.Recent(ctx, project.ID, last)
				if err != nil {
					return err
				}
				return emit(msgs, func(w *render.Writer) {
					if len(msgs) == 0 {
						w.Empty("No conversation history")
						return
					}
					for _, m := range msgs {
						w.Println("[%s] %s:", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role)
						w.Item("%s", render.Truncate(m.Content, 200))
					}
				})
			})
		},
	}
	show.Flags().IntVarP(&last, "lines", "n", 20, "Number of turns")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Forget this project's conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			project := memory.DetectProject(cfg.Project.Root)
			return withArchive(func(ctx context.Context, a *store.Archive) error {
				n, err := a.ClearHistory(ctx, project.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Forgot %d turn(s) for %s\n", n, project.Name)
				return nil
			})
		},
	}

	cmd.AddCommand(show, clear)
	return cmd
}
