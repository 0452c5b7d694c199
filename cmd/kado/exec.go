package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/render"
)

func execCmd() *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a shell command through the guarded gateway",
		Long: `Run one command the way a subagent would: command filter, permission
decision, audit entry, then the sandboxed executor.

Examples:
  kado exec go test ./...
  kado exec --timeout 120 make build`,
		Args:               cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			toolArgs := map[string]any{"command": strings.Join(args, " ")}
			if timeout > 0 {
				toolArgs["timeout"] = timeout
			}
			res := a.gateway.Execute(ctx, cliAgent, "shell_execute", toolArgs)

			data, _ := res.Data.(map[string]any)
			if format != render.FormatText {
				if err := render.Encode(os.Stdout, format, res); err != nil {
					return err
				}
			} else if data != nil {
				fmt.Fprint(os.Stdout, data["stdout"])
				fmt.Fprint(os.Stderr, data["stderr"])
			}

			if !res.Success {
				if data == nil {
					// Refused before anything ran.
					return apperr.New(apperr.KindValidation, "cli.exec", res.Error)
				}
				return apperr.New(apperr.KindExecution, "cli.exec", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 0, "Kill the command after this many seconds")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Allow the command once without asking")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
