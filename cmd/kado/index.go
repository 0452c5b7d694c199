package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/vector"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and query the semantic code index",
		Long: `The index backs the semantic_search tool and the context the planner
sees. It lives in the vector service when KADO_VECTOR_URL (or vector.url)
points at a healthy one, and in .kado/index.json otherwise.`,
	}
	cmd.AddCommand(indexBuildCmd(), indexQueryCmd(), indexStatusCmd())
	return cmd
}

// withIndex opens whichever index backend is reachable.
func withIndex(fn func(ctx context.Context, idx vector.Index) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newEnforcement()
	if err != nil {
		return err
	}
	defer a.close()

	idx := a.openIndex(ctx)
	if idx == nil {
		return apperr.New(apperr.KindInfrastructure, "cli.index", "no index backend available")
	}
	return fn(ctx, idx)
}

func backendName(idx vector.Index) string {
	if b, ok := idx.(*vector.Bridge); ok {
		return b.URL()
	}
	return localIndexPath()
}

func indexBuildCmd() *cobra.Command {
	var patterns []string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Chunk and index project source files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(func(ctx context.Context, idx vector.Index) error {
				stats, err := vector.IndexProject(ctx, idx, cfg.Project.Root, patterns)
				if err != nil {
					return apperr.Infrastructure("vector.index", err)
				}
				return emit(stats, func(w *render.Writer) {
					w.Header("INDEXED %s", backendName(idx))
					w.Item("%d file(s), %d chunk(s)", stats.Files, stats.Chunks)
					if stats.Failed > 0 {
						w.Item("%s %d chunk(s) failed", render.StatusIcon("warning"), stats.Failed)
					}
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&patterns, "pattern", "p", nil, "Glob of files to index (repeatable)")
	return cmd
}

func indexQueryCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Find the chunks closest to a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(func(ctx context.Context, idx vector.Index) error {
				matches, err := idx.Query(ctx, args[0], topK)
				if err != nil {
					return apperr.Infrastructure("vector.query", err)
				}
				return emit(matches, func(w *render.Writer) {
					if len(matches) == 0 {
						w.Empty("No matches; run 'kado index build' first")
						return
					}
					for _, m := range matches {
						w.Println("%.3f  %s", m.Score, m.ID)
						w.SubItem("%s", render.Truncate(m.Text, 100))
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top", "k", 5, "Number of matches")
	return cmd
}

func indexStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which index backend is in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIndex(func(ctx context.Context, idx vector.Index) error {
				status := struct {
					Backend string `json:"backend" yaml:"backend"`
					Healthy bool   `json:"healthy" yaml:"healthy"`
					Chunks  int    `json:"chunks,omitempty" yaml:"chunks,omitempty"`
				}{Backend: backendName(idx), Healthy: idx.Healthy(ctx)}
				if local, ok := idx.(*vector.LocalIndex); ok {
					status.Chunks = local.Len()
				}
				return emit(status, func(w *render.Writer) {
					w.Println("%s %s", render.BoolIcon(status.Healthy), status.Backend)
					if status.Chunks > 0 {
						w.SubItem("%d chunk(s)", status.Chunks)
					}
				})
			})
		},
	}
}
