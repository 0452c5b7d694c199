package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/render"
)

var actionTypes = []permission.ActionType{
	permission.ActionFileWrite,
	permission.ActionFileDelete,
	permission.ActionShellExecute,
	permission.ActionNetworkRequest,
	permission.ActionInstallPackage,
}

func parseActionType(s string) (permission.ActionType, error) {
	for _, t := range actionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	names := make([]string, len(actionTypes))
	for i, t := range actionTypes {
		names[i] = string(t)
	}
	return "", apperr.Validation("cli.permissions", "unknown action type %q (want one of %s)", s, strings.Join(names, ", "))
}

// storedPermissions opens the project's decisions without a prompter.
func storedPermissions() (*permission.Manager, error) {
	project := memory.DetectProject(cfg.Project.Root)
	m := permission.NewManager(cfg.Storage.PermissionsDir, project.ID)
	if err := m.Load(); err != nil {
		return nil, apperr.Infrastructure("permission.load", err)
	}
	return m, nil
}

func permissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "permissions",
		Aliases: []string{"perms"},
		Short:   "Manage standing permission decisions for this project",
		Long: `Answers of "always" or "deny" are remembered per project. Shell
resources may end in " *" to cover every command with that prefix.

Examples:
  kado permissions list
  kado permissions grant shell-execute "go test *"
  kado permissions grant --deny network-request example.com
  kado permissions revoke file-write internal/config.go`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := storedPermissions()
			if err != nil {
				return err
			}
			stored := m.List()
			return emit(stored, func(w *render.Writer) { w.Permissions(m.Project(), stored) })
		},
	}

	var deny bool
	grant := &cobra.Command{
		Use:   "grant <type> <resource>",
		Short: "Always allow (or with --deny, always refuse) an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseActionType(args[0])
			if err != nil {
				return err
			}
			m, err := storedPermissions()
			if err != nil {
				return err
			}
			d := permission.AllowAlways
			if deny {
				d = permission.Deny
			}
			if err := m.Grant(t, args[1], d); err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", render.BoolIcon(d.Allowed()), d, args[1])
			return nil
		},
	}
	grant.Flags().BoolVar(&deny, "deny", false, "Store a standing denial instead")

	revoke := &cobra.Command{
		Use:   "revoke <type> <resource>",
		Short: "Forget a stored decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseActionType(args[0])
			if err != nil {
				return err
			}
			m, err := storedPermissions()
			if err != nil {
				return err
			}
			if err := m.Revoke(t, args[1]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s %s\n", t, args[1])
			return nil
		},
	}

	cmd.AddCommand(list, grant, revoke)
	return cmd
}
