package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/joss/kado/internal/backup"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/store"
	"github.com/joss/kado/internal/tool"
)

// Backups renders backup entries, newest first.
func (w *Writer) Backups(entries []backup.Entry) {
	if len(entries) == 0 {
		w.Empty("No backups found")
		return
	}

	w.Header("BACKUPS (%d)", len(entries))
	for _, e := range entries {
		w.Println("%s  %s  %8s  %s",
			shortID(e.ID),
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			FormatSize(e.Size),
			e.OriginalPath,
		)
	}
}

// Backup renders one backup's metadata.
func (w *Writer) Backup(e backup.Entry) {
	w.Header("BACKUP %s", e.ID)
	w.Item("Original: %s", e.OriginalPath)
	w.Item("Copy:     %s", e.BackupPath)
	w.Item("Taken:    %s (%s ago)", e.Timestamp.Local().Format(time.RFC3339), FormatDuration(time.Since(e.Timestamp).Round(time.Second)))
	w.Item("Size:     %s", FormatSize(e.Size))
}

// Runs renders archived requests.
func (w *Writer) Runs(runs []*store.Run) {
	if len(runs) == 0 {
		w.Empty("No archived runs")
		return
	}

	w.Header("RUNS (%d)", len(runs))
	for _, r := range runs {
		title := r.Title
		if title == "" {
			title = r.Request
		}
		w.Println("%s %s  %s  %d/%d steps  %s  %s",
			StatusIcon(r.Status),
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.StepCount-r.FailedCount, r.StepCount,
			FormatDuration(r.Duration()),
			Truncate(title, 60),
		)
	}
}

// Run renders one archived request with its plan and step outcomes.
func (w *Writer) Run(r *store.Run) {
	w.Header("RUN %s", r.ID)
	w.Item("Request:  %s", r.Request)
	w.Item("Status:   %s %s", StatusIcon(r.Status), r.Status)
	w.Item("Started:  %s", r.StartedAt.Local().Format(time.RFC3339))
	w.Item("Duration: %s", FormatDuration(r.Duration()))
	if r.Replans > 0 {
		w.Item("Replans:  %d", r.Replans)
	}
	if r.Error != "" {
		w.Item("Error:    %s", color.RedString(r.Error))
	}

	if r.Plan != nil {
		w.Section("PLAN: " + r.Plan.Title)
		if r.Plan.InfeasibleReason != "" {
			w.Item("infeasible: %s", r.Plan.InfeasibleReason)
		}
		results := make(map[string]planning.ExecutionResult, len(r.Results))
		for _, res := range r.Results {
			results[res.StepID] = res
		}
		for _, s := range r.Plan.Steps {
			w.Item("%s %-8s [%s] %s", StatusIcon(string(s.Status)), s.ID, s.ToolName, s.Description)
			if len(s.DependsOn) > 0 {
				w.SubItem("after %s", strings.Join(s.DependsOn, ", "))
			}
			if res, ok := results[s.ID]; ok {
				w.stepResult(res)
			}
		}
	}

	if r.Summary != "" {
		w.Section("SUMMARY")
		for _, line := range strings.Split(r.Summary, "\n") {
			w.Item("%s", line)
		}
	}
}

func (w *Writer) stepResult(res planning.ExecutionResult) {
	if res.Success {
		if len(res.Files) > 0 {
			w.Nested("%s", strings.Join(res.Files, ", "))
		}
		return
	}
	w.Nested("%s", Truncate(res.Error, 90))
	if res.RollbackInfo != "" {
		w.Nested("%s", res.RollbackInfo)
	}
}

// Permissions renders stored standing decisions.
func (w *Writer) Permissions(project string, stored []permission.Stored) {
	if len(stored) == 0 {
		w.Empty(fmt.Sprintf("No stored permissions for %s", project))
		return
	}

	w.Header("PERMISSIONS FOR %s (%d)", project, len(stored))
	for _, s := range stored {
		icon := BoolIcon(s.Decision.Allowed())
		w.Println("%s %-16s %-13s %s  %s", icon, s.Type, s.Decision, s.Timestamp.Local().Format("2006-01-02"), s.Resource)
	}
}

// Tools renders registry definitions grouped by category.
func (w *Writer) Tools(defs []tool.Definition, aliases map[string]string) {
	w.Header("TOOLS (%d)", len(defs))
	byCat := make(map[tool.Category][]tool.Definition)
	for _, d := range defs {
		byCat[d.Category] = append(byCat[d.Category], d)
	}
	for _, cat := range []tool.Category{tool.CategoryFile, tool.CategorySearch, tool.CategoryExecution, tool.CategoryAnalysis, tool.CategoryWeb} {
		if len(byCat[cat]) == 0 {
			continue
		}
		w.Section(string(cat))
		for _, d := range byCat[cat] {
			w.Item("%-16s %s", d.Name, Truncate(d.Description, 70))
			var params []string
			for _, p := range d.Params {
				name := p.Name
				if !p.Required {
					name += "?"
				}
				params = append(params, name)
			}
			if len(params) > 0 {
				w.SubItem("args: %s", strings.Join(params, ", "))
			}
		}
	}
	if len(aliases) > 0 {
		w.Section("aliases")
		names := make([]string, 0, len(aliases))
		for a := range aliases {
			names = append(names, a)
		}
		sort.Strings(names)
		for _, a := range names {
			w.Item("%-8s → %s", a, aliases[a])
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
