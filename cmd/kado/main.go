// Package main provides the kado CLI entrypoint.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/config"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/render"
)

var (
	version = "0.1.0"

	projectDir string
	formatFlag string
	logLevel   string
	verbose    bool

	cfg      *config.Config
	format   = render.FormatText
	closeLog = func() {}
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kado",
		Short: "Autonomous coding assistant control plane",
		Long: `kado turns a request into a dependency-ordered plan, runs each step
through a specialised subagent and verifies the result.

Every tool call passes the command filter, filesystem and network guards,
a permission decision and the audit log; file edits are backed up and
rolled back when a step fails.

Use 'kado run "<request>"' to process a request.
Use 'kado doctor' to check the environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeLog()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "Project root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show tool calls and log lines")

	// Core
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(worktreeCmd())

	// Enforcement
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(permissionsCmd())

	// State
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(indexCmd())

	// Meta
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// setup loads configuration and installs the process-wide logger.
func setup() error {
	var err error
	if format, err = render.ParseFormat(formatFlag); err != nil {
		return err
	}

	root := projectDir
	if root == "" {
		root = getCwd()
	}
	if cfg, err = config.Load(root); err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	closeLog, err = logging.Setup(logging.Options{
		Level:   level,
		Dir:     cfg.Log.Dir,
		Console: cfg.Log.Console,
	})
	return err
}

// exitCode maps error kinds to process exit codes: 2 for bad input, 1 for
// everything else.
func exitCode(err error) int {
	var failed *requestFailedError
	if errors.As(err, &failed) {
		return 1
	}
	if apperr.KindOf(err) == apperr.KindValidation {
		return 2
	}
	return 1
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kado %s\n", version)
		},
	}
}
