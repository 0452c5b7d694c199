package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/orchestrator"
	"github.com/joss/kado/internal/protocol"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/worktree"
)

func runCmd() *cobra.Command {
	var (
		timeout time.Duration
		stream  string
		isolate bool
	)

	cmd := &cobra.Command{
		Use:   "run [request...]",
		Short: "Plan, execute and verify a request",
		Long: `Process a request through the plan/execute/verify loop.

Progress is printed as it happens. When stdout is not a terminal the event
stream is written as JSON lines instead (override with --stream).

Without arguments on a terminal, kado reads one request per line until EOF.

Examples:
  kado run "add a Greet function and a test for it"
  kado run --yes "rename Foo to Bar in pkg/util"
  kado run --stream json "fix the failing test" > events.jsonl
  kado run --isolate "upgrade the config loader"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if isolate {
				process := func(ctx context.Context, request string) error {
					return processIsolated(ctx, request, stream, timeout)
				}
				if len(args) > 0 {
					return process(ctx, strings.Join(args, " "))
				}
				if !render.IsTerminal(os.Stdin) {
					return apperr.Validation("cli.run", "a request is required")
				}
				return repl(ctx, os.Stdin, process)
			}

			a, err := newApp(ctx, appOptions{model: true, archive: true})
			if err != nil {
				return err
			}
			defer a.close()

			detach, err := attachStream(a, stream)
			if err != nil {
				return err
			}
			defer detach()

			orch := a.orchestrator()
			if len(args) > 0 {
				return processOne(ctx, orch, strings.Join(args, " "), timeout)
			}
			if !render.IsTerminal(os.Stdin) {
				return apperr.Validation("cli.run", "a request is required")
			}
			return repl(ctx, os.Stdin, func(ctx context.Context, request string) error {
				return processOne(ctx, orch, request, timeout)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up on a request after this long")
	cmd.Flags().StringVar(&stream, "stream", "auto", "Event stream: auto, pretty, json or none")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Allow every action once without asking")
	cmd.Flags().BoolVar(&isolate, "isolate", false, "Run each request in its own git worktree and hold the changes for review")

	return cmd
}

// attachStream subscribes the chosen event renderer to the bus.
func attachStream(a *app, mode string) (func(), error) {
	if mode == "auto" {
		switch {
		case format != render.FormatText:
			mode = "none"
		case render.IsTerminal(os.Stdout):
			mode = "pretty"
		default:
			mode = "json"
		}
	}

	switch mode {
	case "pretty":
		return render.NewEventPrinter(os.Stdout, verbose).Attach(a.bus), nil
	case "json":
		enc := protocol.NewEncoder(os.Stdout)
		return enc.Attach(a.bus, func(err error) {
			a.log.Warn("event_stream_write_failed", nil, err)
		}), nil
	case "none":
		return func() {}, nil
	}
	return nil, apperr.Validation("cli.run", "unknown stream mode %q (want auto, pretty, json or none)", mode)
}

func processOne(ctx context.Context, orch *orchestrator.Orchestrator, request string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := orch.ProcessRequest(ctx, request)
	if format != render.FormatText {
		if err := render.Encode(os.Stdout, format, out); err != nil {
			return err
		}
	}
	if !out.Success {
		if out.ErrorKind == apperr.KindValidation {
			return apperr.New(apperr.KindValidation, "cli.run", out.Error)
		}
		return &requestFailedError{id: out.RequestID}
	}
	return nil
}

// processIsolated runs one request against a fresh worktree of the project
// and reports the resulting diff. The worktree is kept for accept or
// reject.
func processIsolated(ctx context.Context, request, stream string, timeout time.Duration) error {
	base, err := newEnforcement()
	if err != nil {
		return err
	}
	wts := base.worktrees()
	wt, err := wts.Create(ctx, worktree.NewTaskID())
	if err != nil {
		return worktreeError("cli.run", err)
	}

	a, err := newApp(ctx, appOptions{model: true, archive: true, root: wt.Root})
	if err != nil {
		return err
	}
	defer a.close()

	detach, err := attachStream(a, stream)
	if err != nil {
		return err
	}
	defer detach()

	runErr := processOne(ctx, a.orchestrator(), request, timeout)

	d, err := wts.Diff(context.WithoutCancel(ctx), wt.TaskID)
	if err != nil {
		a.log.Warn("worktree_diff_failed", map[string]any{"task_id": wt.TaskID}, err)
		return errors.Join(runErr, worktreeError("cli.run", err))
	}
	a.bus.Emit(events.TypeWorktreeDiff, d.Payload())
	if format == render.FormatText {
		fmt.Printf("review with 'kado worktree diff %s', then accept or reject it\n", wt.TaskID)
	}
	return runErr
}

// repl serves requests from in until EOF or cancellation. A failed request
// does not end the session.
func repl(ctx context.Context, in io.Reader, process func(context.Context, string) error) error {
	scanner := bufio.NewScanner(in)
	prompt := color.CyanString("kado> ")
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		request := strings.TrimSpace(scanner.Text())
		switch request {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := process(ctx, request); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
