package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/render"
)

// verdict is what a check command reports.
type verdict struct {
	Kind     string `json:"kind"`
	Subject  string `json:"subject"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Suggest  string `json:"alternative,omitempty"`
	Action   string `json:"action,omitempty"`
	Risk     string `json:"risk,omitempty"`
	Decision string `json:"decision,omitempty"`
	Sanitized string `json:"sanitized,omitempty"`
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the guards whether an action would be allowed",
		Long: `Dry-run the enforcement stack without executing anything.

Examples:
  kado check cmd "rm -rf /"
  kado check path --op delete .env
  kado check url https://api.anthropic.com/v1/messages`,
	}
	cmd.AddCommand(checkCommandCmd(), checkPathCmd(), checkURLCmd())
	return cmd
}

func checkCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cmd <command...>",
		Short: "Check a shell command against the filter and stored permissions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newEnforcement()
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")
			fr := a.filter.Validate(command)
			actionType, risk := permission.ClassifyShell(command)

			v := verdict{
				Kind:    "command",
				Subject: command,
				Allowed: fr.Allowed,
				Reason:  fr.Reason,
				Warning: fr.Warning,
				Suggest: fr.Alternative,
				Action:  string(actionType),
				Risk:    string(risk),
			}
			if !fr.Allowed {
				v.Sanitized = a.filter.Sanitize(command)
			}
			perms := permission.NewManager(cfg.Storage.PermissionsDir, a.project.ID)
			if err := perms.Load(); err == nil {
				if d, ok := perms.Check(permission.Action{Type: actionType, Resource: command}); ok {
					v.Decision = string(d)
				}
			}
			return report(v)
		},
	}
}

func checkPathCmd() *cobra.Command {
	var op string
	cmd := &cobra.Command{
		Use:   "path <path>",
		Short: "Check a path against the filesystem guard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newEnforcement()
			if err != nil {
				return err
			}
			path := args[0]
			if !filepath.IsAbs(path) {
				path = filepath.Join(cfg.Project.Root, path)
			}

			v := verdict{Kind: "path:" + op, Subject: path}
			switch op {
			case "read":
				v.Allowed = a.fsGuard.ValidateRead(path)
				v.Reason = "outside the project and allowed roots"
			case "write":
				v.Allowed = a.fsGuard.ValidateWrite(path)
				v.Reason = "outside the project root"
			case "delete":
				v.Allowed = a.fsGuard.ValidateDelete(path)
				v.Reason = "outside the project root or a critical path"
			default:
				return apperr.Validation("cli.check", "unknown --op %q (want read, write or delete)", op)
			}
			if v.Allowed {
				v.Reason = ""
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				v.Warning = "path does not exist"
			}
			return report(v)
		},
	}
	cmd.Flags().StringVar(&op, "op", "write", "Operation: read, write or delete")
	return cmd
}

func checkURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url <url>",
		Short: "Check a URL against the network allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newEnforcement()
			if err != nil {
				return err
			}
			v := verdict{Kind: "url", Subject: args[0], Allowed: a.netGuard.ValidateURL(args[0])}
			if !v.Allowed {
				v.Reason = "host not in allow-list: " + strings.Join(a.netGuard.Hosts(), ", ")
			}
			return report(v)
		},
	}
}

// report prints v and fails the command when the action is denied, so
// scripts can branch on the exit code.
func report(v verdict) error {
	if err := emit(v, func(w *render.Writer) {
		status := color.GreenString("ALLOWED")
		if !v.Allowed {
			status = color.RedString("DENIED")
		}
		w.Println("%s %s %s", render.BoolIcon(v.Allowed), status, v.Subject)
		if v.Reason != "" {
			w.Item("reason:      %s", v.Reason)
		}
		if v.Warning != "" {
			w.Item("warning:     %s", v.Warning)
		}
		if v.Suggest != "" {
			w.Item("alternative: %s", v.Suggest)
		}
		if v.Action != "" {
			w.Item("action:      %s (%s risk)", v.Action, v.Risk)
		}
		if v.Decision != "" {
			w.Item("stored:      %s", v.Decision)
		}
		if v.Sanitized != "" {
			w.Item("sanitized:   %s", v.Sanitized)
		}
	}); err != nil {
		return err
	}
	if !v.Allowed {
		return apperr.New(apperr.KindValidation, "cli.check", "denied")
	}
	return nil
}
