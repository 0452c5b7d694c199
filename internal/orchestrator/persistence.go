package orchestrator

import (
	"context"
	"time"

	"github.com/joss/kado/internal/store"
)

// Archiver keeps finished requests. Implemented by *store.Archive.
type Archiver interface {
	Save(ctx context.Context, run *store.Run) error
}

// archive records the outcome. Failures are logged and swallowed.
func (o *Orchestrator) archive(ctx context.Context, out Outcome, started time.Time) {
	if o.archiver == nil {
		return
	}
	run := &store.Run{
		ID:         out.RequestID,
		Request:    out.Request,
		Status:     string(o.machine.State()),
		Success:    out.Success,
		Summary:    out.Summary,
		Error:      out.Error,
		Replans:    out.Replans,
		Plan:       out.Plan,
		Results:    out.Results,
		StartedAt:  started,
		FinishedAt: started.Add(out.Duration),
	}
	if out.Plan != nil {
		run.Title = out.Plan.Title
	}

	// The request context may already be cancelled; the record should still land.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.archiver.Save(sctx, run); err != nil {
		o.log.For(ctx).Warn("archive_failed", map[string]any{"request_id": out.RequestID}, err)
	}
}
