package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/planning"
)

// Run is one archived request.
type Run struct {
	ID      string `json:"id"`
	Request string `json:"request"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
	Replans int    `json:"replans"`
	// StepCount and FailedCount are filled when loading; Save derives them.
	StepCount   int                        `json:"stepCount"`
	FailedCount int                        `json:"failedCount"`
	Plan        *planning.Plan             `json:"plan,omitempty"`
	Results     []planning.ExecutionResult `json:"results,omitempty"`
	StartedAt   time.Time                  `json:"startedAt"`
	FinishedAt  time.Time                  `json:"finishedAt"`
}

// Duration is how long the request took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Run) failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

// Archive persists runs in a SQLite database.
type Archive struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ Store = (*Archive)(nil)

// maxOutput caps each stored step output.
const maxOutput = 10240

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnection, path, err)
	}
	a := &Archive{db: db, path: path}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrConnection, err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		success INTEGER NOT NULL,
		summary TEXT,
		error TEXT,
		replans INTEGER NOT NULL DEFAULT 0,
		steps INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		plan_json TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS step_results (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		tool TEXT,
		success INTEGER NOT NULL,
		skipped INTEGER NOT NULL DEFAULT 0,
		empty INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		error_kind TEXT,
		rollback TEXT,
		output TEXT,
		files_json TEXT,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Path returns the database file.
func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) check() error {
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Ping verifies the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return err
	}
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// Close releases the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// Save inserts or replaces a run together with its step results.
func (a *Archive) Save(ctx context.Context, run *Run) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return ErrInvalidID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(); err != nil {
		return err
	}

	var planJSON []byte
	steps := 0
	if run.Plan != nil {
		var err error
		if planJSON, err = json.Marshal(run.Plan); err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		steps = len(run.Plan.Steps)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, request, title, status, success, summary, error, replans, steps, failed, plan_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Request, run.Title, run.Status, run.Success, run.Summary, run.Error, run.Replans,
		steps, run.failed(), string(planJSON), run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, res := range run.Results {
		filesJSON, _ := json.Marshal(res.Files)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_results (run_id, seq, step_id, tool, success, skipped, empty, attempts, error, error_kind, rollback, output, files_json, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, res.StepID, res.Tool, res.Success, res.Skipped, res.EmptyResult, res.Attempts,
			res.Error, string(res.ErrorKind), res.RollbackInfo, clip(outputText(res.Output)), string(filesJSON), res.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert step %s: %w", res.StepID, err)
		}
	}
	return tx.Commit()
}

// Get loads a run by id, or by unique id prefix.
func (a *Archive) Get(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, request, title, status, success, summary, error, replans, steps, failed, plan_json, started_at, finished_at
		FROM runs WHERE id = ? OR id LIKE ? ORDER BY (id = ?) DESC LIMIT 2
	`, id, id+"%", id)
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows, true)
	if err != nil {
		return nil, err
	}
	switch {
	case len(runs) == 0:
		return nil, &MissingError{ID: id}
	case len(runs) > 1 && runs[0].ID != id:
		return nil, fmt.Errorf("%w: prefix %q is ambiguous", ErrInvalidID, id)
	}
	run := runs[0]

	run.Results, err = a.results(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (a *Archive) results(ctx context.Context, runID string) ([]planning.ExecutionResult, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT step_id, tool, success, skipped, empty, attempts, error, error_kind, rollback, output, files_json, duration_ms
		FROM step_results WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []planning.ExecutionResult
	for rows.Next() {
		var res planning.ExecutionResult
		var tool, errText, kind, rollback, output, files sql.NullString
		var ms int64
		if err := rows.Scan(&res.StepID, &tool, &res.Success, &res.Skipped, &res.EmptyResult, &res.Attempts,
			&errText, &kind, &rollback, &output, &files, &ms); err != nil {
			return nil, err
		}
		res.Tool = tool.String
		res.Error = errText.String
		res.ErrorKind = apperr.Kind(kind.String)
		res.RollbackInfo = rollback.String
		if output.String != "" {
			res.Output = output.String
		}
		if files.Valid {
			_ = json.Unmarshal([]byte(files.String), &res.Files)
		}
		res.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, res)
	}
	return out, rows.Err()
}

// List returns matching runs without their step results.
func (a *Archive) List(ctx context.Context, q Query) ([]*Run, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return nil, err
	}

	where, args, err := q.where()
	if err != nil {
		return nil, err
	}
	rows, err := a.db.QueryContext(ctx, `SELECT id, request, title, status, success, summary, error, replans, steps, failed, plan_json, started_at, finished_at FROM runs`+
		where+q.tail(), args...)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows, false)
}

// Count returns how many runs match q, ignoring its paging.
func (a *Archive) Count(ctx context.Context, q Query) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.check(); err != nil {
		return 0, err
	}
	where, args, err := q.where()
	if err != nil {
		return 0, err
	}
	var n int
	err = a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&n)
	return n, err
}

// Delete removes a run and its step results.
func (a *Archive) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(); err != nil {
		return err
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &MissingError{ID: id}
	}
	return nil
}

// Prune deletes runs started before cutoff and returns how many went.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(); err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRuns(rows *sql.Rows, withPlan bool) ([]*Run, error) {
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var summary, errText, planJSON sql.NullString
		if err := rows.Scan(&run.ID, &run.Request, &run.Title, &run.Status, &run.Success, &summary, &errText,
			&run.Replans, &run.StepCount, &run.FailedCount, &planJSON, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.Summary = summary.String
		run.Error = errText.String
		if withPlan && planJSON.String != "" {
			var plan planning.Plan
			if err := json.Unmarshal([]byte(planJSON.String), &plan); err == nil {
				run.Plan = &plan
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func outputText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func clip(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (truncated)"
}
