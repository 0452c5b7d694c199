package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joss/kado/internal/audit"
)

// Audit renders audit-specific output.
type Audit struct {
	*Writer
}

// NewAudit creates an Audit renderer writing to stdout.
func NewAudit() *Audit {
	return &Audit{Writer: Stdout()}
}

// Entries renders a list of audit entries, oldest first.
func (a *Audit) Entries(entries []audit.Entry) {
	if len(entries) == 0 {
		a.Empty("No audit entries found")
		return
	}

	a.Header("AUDIT LOG (%d entries)", len(entries))
	for _, e := range entries {
		a.Entry(e)
	}
}

// Entry renders one line plus the denial reason or error, when present.
func (a *Audit) Entry(e audit.Entry) {
	agent := e.AgentID
	if agent == "" {
		agent = "-"
	}
	a.Println("%s [%s] %-15s %-14s %s",
		StatusIcon(string(e.Result)),
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
		e.Action,
		Truncate(agent, 14),
		Truncate(e.Resource, 60),
	)
	if e.Result == audit.ResultAllowed {
		return
	}
	for _, key := range []string{"reason", "error"} {
		if v, ok := e.Details[key]; ok {
			a.Nested("%s", Truncate(fmt.Sprint(v), 90))
		}
	}
}

// Stats renders per-action statistics.
func (a *Audit) Stats(stats []audit.ActionStats) {
	if len(stats) == 0 {
		a.Empty("No audit entries found")
		return
	}

	total, denied, errs := 0, 0, 0
	for _, s := range stats {
		total += s.Total
		denied += s.Denied
		errs += s.Errors
	}

	a.Header("AUDIT STATISTICS")
	a.Item("Total entries:  %d", total)
	a.Item("Denied:         %d", denied)
	a.Item("Errors:         %d", errs)

	a.Section("BY ACTION")
	for _, s := range stats {
		a.Item("%-16s %4d total  %4d allowed  %4d denied  %4d errors  (%.0f%% denied)",
			s.Action+":", s.Total, s.Allowed, s.Denied, s.Errors, s.DenyRate*100)
		if l := s.Latency; l != nil {
			a.SubItem("latency mean=%.0fms p50=%.0fms p95=%.0fms max=%.0fms (n=%d)",
				l.Mean, l.P50, l.P95, l.Max, l.Count)
		}
	}
}

// Anomalies renders detected anomalies, most severe first.
func (a *Audit) Anomalies(anomalies []audit.Anomaly) {
	if len(anomalies) == 0 {
		a.Empty("No anomalies detected")
		return
	}

	a.Section(fmt.Sprintf("ANOMALIES (%d)", len(anomalies)))
	for _, an := range anomalies {
		a.Item("%s %-8s %-16s %s", LevelIcon(string(an.Level)), an.Level, an.Action, an.Description)
		if an.EntryID != "" {
			a.Nested("entry %s", an.EntryID)
		}
	}
}

// ActionCounts renders a compact "action=n" line, used by doctor.
func ActionCounts(stats []audit.ActionStats) string {
	parts := make([]string, 0, len(stats))
	for _, s := range stats {
		parts = append(parts, fmt.Sprintf("%s=%d", s.Action, s.Total))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
