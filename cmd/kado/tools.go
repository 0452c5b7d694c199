package main

import (
	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/tool"
)

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools [name]",
		Short: "List the tools plans may use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			defs := a.registry.Definitions()
			if len(args) == 1 {
				name := a.registry.Resolve(args[0])
				for _, d := range defs {
					if d.Name == name {
						return emit(d, func(w *render.Writer) { w.Tools([]tool.Definition{d}, nil) })
					}
				}
				return apperr.Validation("cli.tools", "unknown tool %q", args[0])
			}
			return emit(defs, func(w *render.Writer) { w.Tools(defs, tool.DefaultAliases) })
		},
	}
}
