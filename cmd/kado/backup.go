package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/backup"
	"github.com/joss/kado/internal/render"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backup",
		Aliases: []string{"bak"},
		Short:   "List and restore file backups",
		Long: `Every file a step modifies is copied before the change. Failed steps
restore their copies automatically; these commands expose them by hand.

Examples:
  kado backup list internal/api
  kado backup show 3f2a --content
  kado backup restore 3f2a
  kado backup prune --older-than 168h
  kado backup export -o backups.tar.gz`,
	}

	cmd.AddCommand(
		backupListCmd(),
		backupShowCmd(),
		backupRestoreCmd(),
		backupPruneCmd(),
		backupExportCmd(),
		backupImportCmd(),
	)
	return cmd
}

func backups() *backup.Manager {
	return backup.NewManager(cfg.Project.Root, cfg.Storage.BackupDir)
}

// findBackup resolves an id or unique id prefix.
func findBackup(m *backup.Manager, id string) (backup.Entry, error) {
	if e, err := m.Get(id); err == nil {
		return e, nil
	}
	var matches []backup.Entry
	for _, e := range m.List("") {
		if strings.HasPrefix(e.ID, id) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return backup.Entry{}, apperr.Wrap(apperr.KindValidation, "cli.backup", fmt.Errorf("%w: %s", backup.ErrNotFound, id))
	case 1:
		return matches[0], nil
	}
	return backup.Entry{}, apperr.Validation("cli.backup", "prefix %q matches %d backups", id, len(matches))
}

func backupListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list [path]",
		Short: "List backups, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			entries := backups().List(path)
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			return emit(entries, func(w *render.Writer) { w.Backups(entries) })
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Show at most N backups (0 for all)")
	return cmd
}

func backupShowCmd() *cobra.Command {
	var content bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a backup's metadata or content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := backups()
			e, err := findBackup(m, args[0])
			if err != nil {
				return err
			}
			if content {
				data, err := m.Content(e.ID)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			}
			return emit(e, func(w *render.Writer) { w.Backup(e) })
		},
	}
	cmd.Flags().BoolVar(&content, "content", false, "Print the backed-up bytes")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id...>",
		Short: "Copy backups over their original files",
		Long: `Restore backups. With several ids they are applied newest-first, so
the oldest snapshot of a file wins. Restores are checked against the
filesystem guard and recorded in the audit log.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newEnforcement()
			if err != nil {
				return err
			}
			m := a.backups

			var ids []string
			for _, arg := range args {
				e, err := findBackup(m, arg)
				if err != nil {
					return err
				}
				details := map[string]any{"backup": e.ID, "tool": "backup_restore"}
				if !a.fsGuard.ValidateWrite(e.OriginalPath) {
					details["reason"] = "path outside project root"
					_ = a.audit.Record(cliAgent, "file-write", e.OriginalPath, audit.ResultDenied, details)
					return apperr.Validation("cli.backup", "refusing to restore outside the project: %s", e.OriginalPath)
				}
				ids = append(ids, e.ID)
			}

			// Oldest first in ids; RollbackAll applies them in reverse.
			entries := make(map[string]backup.Entry, len(ids))
			for _, id := range ids {
				entries[id], _ = m.Get(id)
			}
			sort.SliceStable(ids, func(i, j int) bool {
				return entries[ids[i]].Timestamp.Before(entries[ids[j]].Timestamp)
			})

			err = m.RollbackAll(ids)
			for _, id := range ids {
				e := entries[id]
				result := audit.ResultAllowed
				if err != nil {
					result = audit.ResultError
				}
				_ = a.audit.Record(cliAgent, "file-write", e.OriginalPath, result, map[string]any{"backup": id, "tool": "backup_restore"})
				if err == nil {
					fmt.Printf("%s restored %s\n", render.BoolIcon(true), rel(e.OriginalPath))
				}
			}
			return err
		},
	}
}

func rel(path string) string {
	if r, err := filepath.Rel(cfg.Project.Root, path); err == nil && !strings.HasPrefix(r, "..") {
		return r
	}
	return path
}

func backupPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old backups (original files are never touched)",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := backups().Prune(olderThan)
			fmt.Printf("Removed %d backup(s) older than %s\n", n, olderThan)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Age threshold")
	return cmd
}

func backupExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every backup to a compressed archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = fmt.Sprintf("kado-backups-%s.tar.gz", time.Now().Format("20060102-150405"))
			}
			n, err := backups().Export(output)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d backup(s) to %s\n", n, output)
			if info, err := os.Stat(output); err == nil {
				fmt.Printf("Size: %s\n", render.FormatSize(info.Size()))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "O", "", "Archive path")
	return cmd
}

func backupImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import backups from an exported archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := backups().Import(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d backup(s)\n", n)
			return nil
		},
	}
}
