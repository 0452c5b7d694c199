package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/config"
	"github.com/joss/kado/internal/render"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create configuration files",
		Long: `Configuration is layered: built-in defaults, ~/.kado/config.toml,
<project>/.kado/config.toml, <project>/.env, then KADO_* variables.`,
	}
	cmd.AddCommand(configShowCmd(), configInitCmd(), configPathCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != render.FormatText {
				return render.Encode(os.Stdout, format, cfg)
			}
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var (
		global bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := projectConfigPath()
			if global {
				path = config.GetPaths().Config
			}
			if _, err := os.Stat(path); err == nil && !force {
				return apperr.Validation("cli.config", "%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "Write ~/.kado/config.toml instead")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "List the files configuration is read from and written to",
		RunE: func(cmd *cobra.Command, args []string) error {
			type entry struct {
				Name   string `json:"name" yaml:"name"`
				Path   string `json:"path" yaml:"path"`
				Exists bool   `json:"exists" yaml:"exists"`
			}
			paths := []entry{
				{Name: "global config", Path: config.GetPaths().Config},
				{Name: "project config", Path: projectConfigPath()},
				{Name: "env file", Path: filepath.Join(cfg.Project.Root, ".env")},
				{Name: "audit log", Path: cfg.Storage.AuditPath},
				{Name: "backups", Path: cfg.Storage.BackupDir},
				{Name: "permissions", Path: cfg.Storage.PermissionsDir},
				{Name: "archive", Path: cfg.Storage.ArchivePath},
				{Name: "worktrees", Path: cfg.Storage.WorktreeDir},
				{Name: "logs", Path: cfg.Log.Dir},
			}
			for i := range paths {
				if paths[i].Path == "" {
					continue
				}
				_, err := os.Stat(paths[i].Path)
				paths[i].Exists = err == nil
			}
			return emit(paths, func(w *render.Writer) {
				for _, p := range paths {
					if p.Path == "" {
						continue
					}
					w.Println("%s %-15s %s", render.BoolIcon(p.Exists), p.Name, p.Path)
				}
			})
		},
	}
}

func projectConfigPath() string {
	return filepath.Join(cfg.Project.Root, ".kado", config.FileName)
}
