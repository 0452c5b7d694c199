package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/render"
	"github.com/joss/kado/internal/verify"
	"github.com/joss/kado/internal/vector"
)

// diagnosis is one doctor check. Status is passed, warning or failed.
type diagnosis struct {
	Check  string `json:"check" yaml:"check"`
	Status string `json:"status" yaml:"status"`
	Detail string `json:"detail" yaml:"detail"`
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the environment can plan, execute and verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			results := diagnose(ctx)
			err := emit(results, func(w *render.Writer) {
				w.Header("KADO DOCTOR")
				for _, d := range results {
					w.Println("%s %-12s %s", render.StatusIcon(d.Status), d.Check, d.Detail)
				}
			})
			if err != nil {
				return err
			}
			for _, d := range results {
				if d.Status == "failed" {
					return apperr.New(apperr.KindValidation, "cli.doctor", "one or more checks failed")
				}
			}
			return nil
		},
	}
}

func diagnose(ctx context.Context) []diagnosis {
	var out []diagnosis
	add := func(check, status, format string, args ...any) {
		out = append(out, diagnosis{Check: check, Status: status, Detail: fmt.Sprintf(format, args...)})
	}

	if err := cfg.Validate(); err != nil {
		add("config", "failed", "%v", err)
	} else {
		add("config", "passed", "root %s", cfg.Project.Root)
	}

	if cfg.APIKey() != "" {
		add("model", "passed", "%s %s", cfg.LLM.Provider, cfg.LLM.Model)
	} else {
		add("model", "failed", "%s is not set", cfg.LLM.APIKeyEnv)
	}

	env := verify.Inspect(cfg.Project.Root)
	switch {
	case len(env.Errors) > 0:
		add("toolchain", "failed", "%s", strings.Join(env.Errors, "; "))
	case len(env.Warnings) > 0:
		add("toolchain", "warning", "%s", strings.Join(env.Warnings, "; "))
	default:
		add("toolchain", "passed", "%s (%s)", env.Build.Name, env.Build.Build)
	}

	if cfg.Vector.URL == "" {
		add("vector", "warning", "no vector service; using %s", localIndexPath())
	} else {
		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		healthy := vector.NewBridge(cfg.Vector.URL).Healthy(hctx)
		cancel()
		if healthy {
			add("vector", "passed", "%s", cfg.Vector.URL)
		} else {
			add("vector", "warning", "%s unreachable; using %s", cfg.Vector.URL, localIndexPath())
		}
	}

	if a, err := openArchive(); err != nil {
		add("archive", "failed", "%v", err)
	} else {
		if err := a.Ping(ctx); err != nil {
			add("archive", "failed", "%v", err)
		} else {
			add("archive", "passed", "%s", a.Path())
		}
		a.Close()
	}

	if _, err := os.Stat(cfg.Storage.AuditPath); err != nil {
		add("audit", "passed", "no entries yet")
	} else {
		entries := audit.NewLogger(cfg.Storage.AuditPath).Entries(audit.Filter{})
		anomalies := audit.DetectAnomalies(entries, audit.DefaultThresholds)
		if len(anomalies) > 0 {
			add("audit", "warning", "%d anomaly(ies); see 'kado audit stats'", len(anomalies))
		} else {
			add("audit", "passed", "%s", render.ActionCounts(audit.Summarize(entries)))
		}
	}
	return out
}
