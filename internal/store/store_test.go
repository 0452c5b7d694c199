package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/planning"
)

func TestQuery_Builders(t *testing.T) {
	q := RecentRuns()
	if q.Limit != 100 || !q.Newest {
		t.Errorf("RecentRuns() = %+v", q)
	}

	q2 := q.Page(50, 10).NewestFirst(false).WithStatus(StatusError).Succeeded(false)
	if q2.Limit != 50 || q2.Offset != 10 || q2.Newest {
		t.Errorf("paging not applied: %+v", q2)
	}
	if q2.Status != StatusError || q2.Success == nil || *q2.Success {
		t.Errorf("conditions not applied: %+v", q2)
	}
	if q.Limit != 100 || q.Status != "" || q.Success != nil {
		t.Error("builders mutated the receiver")
	}
}

func TestQuery_Where(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		q       Query
		clause  string
		args    int
		wantErr bool
	}{
		{"empty", Query{}, "", 0, false},
		{"status", Query{}.WithStatus(StatusComplete), " WHERE status = ?", 1, false},
		{"all", Query{}.WithStatus(StatusError).Succeeded(false).After(since), " WHERE status = ? AND success = ? AND started_at >= ?", 3, false},
		{"bad status", Query{}.WithStatus("pending"), "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, args, err := tt.q.where()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidQuery) {
					t.Fatalf("err = %v, want ErrInvalidQuery", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if clause != tt.clause || len(args) != tt.args {
				t.Errorf("where() = %q %v", clause, args)
			}
		})
	}
}

func TestErrors(t *testing.T) {
	t.Run("MissingError", func(t *testing.T) {
		err := error(&MissingError{ID: "abc123"})
		if !IsNotFound(err) {
			t.Error("IsNotFound should return true")
		}
		if !errors.Is(fmt.Errorf("get: %w", err), ErrNotFound) {
			t.Error("wrapped MissingError should match ErrNotFound")
		}
		if err.Error() != `no run matching "abc123" in archive` {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("IsConnection", func(t *testing.T) {
		if IsConnection(nil) {
			t.Error("IsConnection(nil) should be false")
		}
		if !IsConnection(fmt.Errorf("%w: open", ErrConnection)) {
			t.Error("IsConnection(ErrConnection) should be true")
		}
	})

	t.Run("Classify", func(t *testing.T) {
		tests := []struct {
			err  error
			want apperr.Kind
		}{
			{&MissingError{ID: "x"}, apperr.KindValidation},
			{fmt.Errorf("%w: prefix", ErrInvalidID), apperr.KindValidation},
			{ErrInvalidQuery, apperr.KindValidation},
			{ErrClosed, apperr.KindInfrastructure},
			{apperr.New(apperr.KindExecution, "op", "kept"), apperr.KindExecution},
		}
		for _, tt := range tests {
			if got := apperr.KindOf(Classify("test", tt.err)); got != tt.want {
				t.Errorf("Classify(%v) kind = %s, want %s", tt.err, got, tt.want)
			}
		}
		if Classify("test", nil) != nil {
			t.Error("Classify(nil) should be nil")
		}
	})
}

func openArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "state", "plans.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func sampleRun(id string, started time.Time, success bool) *Run {
	plan := &planning.Plan{
		ID:     "plan-" + id,
		Title:  "Add greet",
		Status: planning.PlanComplete,
		Steps: []*planning.PlanStep{
			{ID: "step-1", Description: "write", ToolName: "file_write", ToolArgs: map[string]any{"path": "greet.go"}, Status: planning.StepComplete},
			{ID: "step-2", Description: "test", ToolName: "shell_execute", ToolArgs: map[string]any{"command": "go test"}, Status: planning.StepFailed},
		},
	}
	status := StatusComplete
	if !success {
		status = StatusError
	}
	return &Run{
		ID:      id,
		Request: "add a greet function",
		Title:   plan.Title,
		Status:  status,
		Success: success,
		Summary: "2 steps",
		Plan:    plan,
		Results: []planning.ExecutionResult{
			{StepID: "step-1", Tool: "file_write", Success: true, Output: map[string]any{"path": "greet.go"}, Files: []string{"greet.go"}, Duration: 15 * time.Millisecond, Attempts: 1},
			{StepID: "step-2", Tool: "shell_execute", Error: "exit status 1", ErrorKind: apperr.KindExecution, Attempts: 1, RollbackInfo: "Rolled back 1 file(s) after failure"},
		},
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}
}

func TestArchive_SaveGet(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := a.Save(ctx, sampleRun("01HRUN", started, false)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := a.Get(ctx, "01HRUN")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Request != "add a greet function" || got.Status != "error" || got.Success {
		t.Errorf("unexpected run header: %+v", got)
	}
	if got.StepCount != 2 || got.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", got.StepCount, got.FailedCount)
	}
	if got.Duration() != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", got.Duration())
	}
	if got.Plan == nil || len(got.Plan.Steps) != 2 || got.Plan.Steps[0].ToolName != "file_write" {
		t.Fatalf("plan not restored: %+v", got.Plan)
	}
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(got.Results))
	}
	first, second := got.Results[0], got.Results[1]
	if first.Output != `{"path":"greet.go"}` {
		t.Errorf("Output = %v", first.Output)
	}
	if len(first.Files) != 1 || first.Files[0] != "greet.go" {
		t.Errorf("Files = %v", first.Files)
	}
	if first.Duration != 15*time.Millisecond {
		t.Errorf("Duration = %v", first.Duration)
	}
	if second.ErrorKind != apperr.KindExecution || second.RollbackInfo == "" || second.Success {
		t.Errorf("failed step not restored: %+v", second)
	}

	// Prefix lookup.
	if _, err := a.Get(ctx, "01H"); err != nil {
		t.Errorf("Get by prefix: %v", err)
	}
}

func TestArchive_SaveReplaces(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	run := sampleRun("r1", time.Now(), false)
	if err := a.Save(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Results = run.Results[:1]
	run.Success = true
	if err := a.Save(ctx, run); err != nil {
		t.Fatal(err)
	}
	got, err := a.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 1 || !got.Success {
		t.Errorf("replace did not overwrite: %d results, success=%v", len(got.Results), got.Success)
	}
}

func TestArchive_ListCountDelete(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := a.Save(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Hour), id != "b")); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := a.List(ctx, RecentRuns())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("List order wrong: %v", ids(runs))
	}
	if runs[0].Plan != nil {
		t.Error("List should not load plans")
	}

	failed, err := a.List(ctx, RecentRuns().WithStatus(StatusError))
	if err != nil || len(failed) != 1 || failed[0].ID != "b" {
		t.Errorf("filtered List = %v, %v", ids(failed), err)
	}

	page, _ := a.List(ctx, Query{}.Page(1, 1))
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("paged List = %v", ids(page))
	}

	if n, err := a.Count(ctx, Query{}); err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}

	if n, err := a.Count(ctx, Query{}.Succeeded(true)); err != nil || n != 2 {
		t.Errorf("Count(success) = %d, %v", n, err)
	}

	if _, err := a.List(ctx, RecentRuns().WithStatus("running")); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("unknown status err = %v", err)
	}

	if err := a.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Get(ctx, "a"); !IsNotFound(err) {
		t.Errorf("Get after Delete err = %v, want not found", err)
	}
	if err := a.Delete(ctx, "a"); !IsNotFound(err) {
		t.Errorf("second Delete err = %v, want not found", err)
	}
}

func TestArchive_Prune(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	now := time.Now()
	_ = a.Save(ctx, sampleRun("old", now.Add(-72*time.Hour), true))
	_ = a.Save(ctx, sampleRun("new", now, true))

	n, err := a.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := a.Get(ctx, "new"); err != nil {
		t.Errorf("recent run pruned: %v", err)
	}
}

func TestArchive_Closed(t *testing.T) {
	a := openArchive(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Save(context.Background(), sampleRun("x", time.Now(), true)); !IsClosed(err) {
		t.Errorf("Save after Close err = %v, want ErrClosed", err)
	}
	if err := a.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close err = %v", err)
	}
	if err := a.Save(context.Background(), &Run{}); !errors.Is(err, ErrInvalidID) && !IsClosed(err) {
		t.Errorf("empty id err = %v", err)
	}
}

func ids(runs []*Run) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}

func TestArchive_History(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, content := range []string{"add greet", "Added greet.go", "now add a farewell", "Added farewell.go"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := a.Append(ctx, "proj-1", memory.Message{Role: role, Content: content, Timestamp: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_ = a.Append(ctx, "proj-2", memory.Message{Role: "user", Content: "other project"})

	got, err := a.Recent(ctx, "proj-1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 || got[0].Content != "Added greet.go" || got[2].Content != "Added farewell.go" {
		t.Errorf("Recent = %+v", got)
	}
	if !got[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamp not restored: %v", got[0].Timestamp)
	}

	if err := a.Append(ctx, "", memory.Message{Role: "user"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("empty session err = %v", err)
	}

	n, err := a.ClearHistory(ctx, "proj-1")
	if err != nil || n != 4 {
		t.Fatalf("ClearHistory = %d, %v", n, err)
	}
	if rest, _ := a.Recent(ctx, "proj-2", 10); len(rest) != 1 {
		t.Errorf("other session affected: %+v", rest)
	}
}
