package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/agent"
	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/render"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a specialised subagent directly",
		Long: `Run one subagent outside the plan loop.

Roles:
  code-review    Review files and score them
  test-writer    Write tests for a source file
  documentation  Write documentation for files
  refactor       Apply an instruction to files
  research       Search the codebase to answer a question

Examples:
  kado agent roles
  kado agent run research "where are HTTP handlers registered?"
  kado agent review internal/api/server.go
  kado agent test internal/util/strings.go`,
	}

	cmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Allow every action once without asking")

	cmd.AddCommand(
		agentRolesCmd(),
		agentRunCmd(),
		agentReviewCmd(),
		agentTestCmd(),
		agentDocsCmd(),
		agentRefactorCmd(),
		agentResearchCmd(),
	)
	return cmd
}

func agentRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List subagent roles and their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			type roleInfo struct {
				Role  agent.Role `json:"role"`
				Tools []string   `json:"tools"`
			}
			var infos []roleInfo
			for _, r := range agent.Roles() {
				infos = append(infos, roleInfo{Role: r, Tools: r.Tools()})
			}
			return emit(infos, func(w *render.Writer) {
				w.Header("ROLES (%d)", len(infos))
				for _, info := range infos {
					w.Item("%-14s %s", info.Role, strings.Join(info.Tools, ", "))
				}
			})
		},
	}
}

// withManager runs fn against a freshly wired subagent manager.
func withManager(fn func(ctx context.Context, m *agent.Manager) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, appOptions{model: true})
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a.agents)
}

func agentRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <role> <task...>",
		Short: "Give one task to a subagent",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := agent.Role(args[0])
			if !role.Valid() {
				return apperr.Validation("cli.agent", "unknown role %q", args[0])
			}
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				sub, err := m.Spawn(agent.Config{Role: role})
				if err != nil {
					return err
				}
				defer m.Release(sub.ID())

				res := sub.Run(ctx, strings.Join(args[1:], " "))
				if err := emit(res, func(w *render.Writer) {
					if res.Output != "" {
						w.Println("%s", res.Output)
					}
					w.Line()
					w.Println("%s %s  %d tokens", render.BoolIcon(res.Success), sub.ID(), res.Usage.TotalTokens)
				}); err != nil {
					return err
				}
				if !res.Success {
					return apperr.New(apperr.KindExecution, "cli.agent", res.Error)
				}
				return nil
			})
		},
	}
}

func agentReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <file...>",
		Short: "Review files and report issues with a score",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				r, err := m.Reviewer()
				if err != nil {
					return err
				}
				defer m.Release(r.ID())

				res, err := r.Review(ctx, args)
				if err != nil {
					return err
				}
				return emit(res, func(w *render.Writer) {
					w.Header("REVIEW: score %d/100", res.Score)
					for _, is := range res.Issues {
						loc := is.File
						if is.Line > 0 {
							loc = fmt.Sprintf("%s:%d", is.File, is.Line)
						}
						w.Item("%-8s %s %s", is.Severity, loc, is.Message)
					}
					if res.Summary != "" {
						w.Section("summary")
						w.Item("%s", res.Summary)
					}
				})
			})
		},
	}
}

func agentTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <file>",
		Short: "Write tests for a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				tw, err := m.TestWriter()
				if err != nil {
					return err
				}
				defer m.Release(tw.ID())

				res, err := tw.GenerateTests(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(res, func(w *render.Writer) {
					if res.Written {
						w.Println("%s wrote %s", render.BoolIcon(true), res.TestFile)
						return
					}
					w.Println("%s", res.Output)
				})
			})
		},
	}
}

func agentDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs <file...>",
		Short: "Generate documentation for files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				d, err := m.Documenter()
				if err != nil {
					return err
				}
				defer m.Release(d.ID())

				res, err := d.GenerateDocs(ctx, args)
				if err != nil {
					return err
				}
				return emit(res, func(w *render.Writer) { w.Println("%s", res.Content) })
			})
		},
	}
}

func agentRefactorCmd() *cobra.Command {
	var instruction string
	cmd := &cobra.Command{
		Use:   "refactor <file...>",
		Short: "Apply a refactoring instruction to files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(instruction) == "" {
				return apperr.Validation("cli.agent", "--instruction is required")
			}
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				r, err := m.Refactorer()
				if err != nil {
					return err
				}
				defer m.Release(r.ID())

				res, err := r.Refactor(ctx, args, instruction)
				if err != nil {
					return err
				}
				return emit(res, func(w *render.Writer) {
					w.Header("REFACTOR: %s", res.Instruction)
					for _, c := range res.Changes {
						w.Item("~ %s", c)
					}
					if len(res.Changes) == 0 {
						w.Println("%s", res.Output)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&instruction, "instruction", "i", "", "What to change")
	return cmd
}

func agentResearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "research <query...>",
		Short: "Answer a question about the codebase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *agent.Manager) error {
				r, err := m.Researcher()
				if err != nil {
					return err
				}
				defer m.Release(r.ID())

				res, err := r.Research(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return emit(res, func(w *render.Writer) {
					w.Println("%s", res.Summary)
					if len(res.Sources) > 0 {
						w.Section("sources")
						for _, s := range res.Sources {
							w.Item("%s", s)
						}
					}
				})
			})
		},
	}
}
