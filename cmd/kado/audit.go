package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/protocol"
	"github.com/joss/kado/internal/render"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
		Long: `Query the append-only record of guarded actions.

Every tool call that touches files, runs commands or reaches the network
leaves an entry: allowed, denied (with the reason) or error.

Examples:
  kado audit list --result denied --since 24h
  kado audit tail
  kado audit stats`,
	}

	cmd.AddCommand(
		auditListCmd(),
		auditTailCmd(),
		auditStatsCmd(),
		auditClearCmd(),
	)
	return cmd
}

type auditFlags struct {
	agent  string
	action string
	result string
	since  time.Duration
	limit  int
}

func (f *auditFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agent, "agent", "", "Only entries from this agent id")
	cmd.Flags().StringVar(&f.action, "action", "", "Only this action (file-write, shell-execute, ...)")
	cmd.Flags().StringVar(&f.result, "result", "", "Only this result: allowed, denied or error")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only entries newer than this (e.g. 2h)")
}

func (f *auditFlags) filter() (audit.Filter, error) {
	flt := audit.Filter{AgentID: f.agent, Action: f.action, Result: audit.Result(f.result), Limit: f.limit}
	if f.result != "" && !flt.Result.Valid() {
		return flt, apperr.Validation("cli.audit", "unknown result %q (want allowed, denied or error)", f.result)
	}
	if f.since > 0 {
		flt.Since = time.Now().Add(-f.since)
	}
	return flt, nil
}

func auditLogger() *audit.Logger {
	return audit.NewLogger(cfg.Storage.AuditPath)
}

func auditListCmd() *cobra.Command {
	var f auditFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			flt, err := f.filter()
			if err != nil {
				return err
			}
			entries := auditLogger().Entries(flt)
			return emit(entries, func(w *render.Writer) {
				(&render.Audit{Writer: w}).Entries(entries)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "Show at most the latest N entries (0 for all)")
	return cmd
}

func auditTailCmd() *cobra.Command {
	var (
		f    auditFlags
		last int
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow new audit entries as they are written",
		RunE: func(cmd *cobra.Command, args []string) error {
			flt, err := f.filter()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			log := auditLogger()
			out := &render.Audit{Writer: render.Stdout()}
			enc := protocol.NewEncoder(os.Stdout)
			show := func(e audit.Entry) {
				if !flt.Match(e) {
					return
				}
				if format == render.FormatText {
					out.Entry(e)
					return
				}
				// One JSON object per line so the stream can be piped.
				_ = enc.Send("audit", e)
			}

			recent := flt
			recent.Limit = last
			if last > 0 {
				for _, e := range log.Entries(recent) {
					show(e)
				}
			}
			if format == render.FormatText {
				fmt.Fprintln(os.Stderr, "following", log.Path(), "(Ctrl-C to stop)")
			}
			return log.Follow(ctx, show)
		},
	}
	f.register(cmd)
	cmd.Flags().IntVarP(&last, "lines", "n", 10, "Print the last N matching entries first")
	return cmd
}

func auditStatsCmd() *cobra.Command {
	var (
		f  auditFlags
		th = audit.DefaultThresholds
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise entries per action and flag anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			flt, err := f.filter()
			if err != nil {
				return err
			}
			entries := auditLogger().Entries(flt)
			report := struct {
				Actions   []audit.ActionStats `json:"actions"`
				Anomalies []audit.Anomaly     `json:"anomalies"`
			}{
				Actions:   audit.Summarize(entries),
				Anomalies: audit.DetectAnomalies(entries, th),
			}
			return emit(report, func(w *render.Writer) {
				a := &render.Audit{Writer: w}
				a.Stats(report.Actions)
				a.Anomalies(report.Anomalies)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().Float64Var(&th.DenyRatePercent, "max-deny-rate", th.DenyRatePercent, "Flag actions denied more often than this percentage")
	cmd.Flags().Float64Var(&th.ErrorRatePercent, "max-error-rate", th.ErrorRatePercent, "Flag actions failing more often than this percentage")
	cmd.Flags().Float64Var(&th.LatencyMs, "max-latency", th.LatencyMs, "Flag calls slower than this many milliseconds")
	cmd.Flags().IntVar(&th.MinSamples, "min-samples", th.MinSamples, "Ignore actions with fewer entries")
	return cmd
}

func auditClearCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Truncate the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return apperr.Validation("cli.audit", "refusing to clear the audit log without --force")
			}
			log := auditLogger()
			if err := log.Clear(); err != nil {
				return err
			}
			fmt.Printf("Cleared %s\n", log.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Really clear the log")
	return cmd
}
