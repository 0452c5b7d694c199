package planning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joss/kado/internal/agent"
	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/backup"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/queue"
	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/pkg/llm"
)

const (
	DefaultConcurrency     = 4
	DefaultMaxStepAttempts = 2
	defaultResolveTokens   = 1024
)

// Skip reasons recorded on steps that never ran.
const (
	ReasonCancelled     = "Skipped: execution cancelled"
	ReasonUnresolvable  = "Skipped: dependencies can never be satisfied (cycle)"
	ReasonNothingFound  = "Skipped: discovery steps found no matching files or code in the project"
	reasonDepFailedStem = "Skipped: dependency failed"
)

// Dispatcher runs one step on a subagent. Implemented by *agent.Manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, as agent.Assignment) (agent.Outcome, error)
}

// Executor runs plans wave by wave: every ready step is dispatched
// concurrently up to the limit, then queue and plan state are updated on
// the calling goroutine before the next wave.
type Executor struct {
	dispatch Dispatcher
	provider llm.Provider
	backups  *backup.Manager
	bus      *events.Bus
	root     string
	limit    int
	policy   apperr.Policy
	log      *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithConcurrency caps steps per wave.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithMaxStepAttempts bounds dispatches per step. Only infrastructure
// failures are retried.
func WithMaxStepAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.policy.MaxAttempts = uint(n)
		}
	}
}

// WithRetryDelay sets the backoff between step attempts.
func WithRetryDelay(initial, maxDelay time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.policy.InitialDelay = initial
		e.policy.MaxDelay = maxDelay
	}
}

// WithArgResolver enables model-assisted argument resolution.
func WithArgResolver(p llm.Provider) ExecutorOption {
	return func(e *Executor) { e.provider = p }
}

// WithBackups snapshots files before file-modifying steps.
func WithBackups(m *backup.Manager) ExecutorOption {
	return func(e *Executor) { e.backups = m }
}

// WithEvents publishes progress on bus.
func WithEvents(bus *events.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithRoot sets the directory relative step paths resolve against.
func WithRoot(root string) ExecutorOption {
	return func(e *Executor) { e.root = root }
}

// NewExecutor creates an executor dispatching through d.
func NewExecutor(d Dispatcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		dispatch: d,
		limit:    DefaultConcurrency,
		policy: apperr.Policy{
			MaxAttempts:  DefaultMaxStepAttempts,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			RetryIf:      apperr.IsRetryable,
		},
		log: logging.New("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.root == "" {
		e.root, _ = os.Getwd()
	}
	return e
}

func (e *Executor) emit(t events.Type, payload any) {
	if e.bus != nil {
		e.bus.Emit(t, payload)
	}
}

// run tracks one Execute call.
type run struct {
	plan    *Plan
	index   map[string]int
	results []ExecutionResult
	byStep  map[string]ExecutionResult
	done    int
}

// Execute runs every pending step of plan. Steps already complete are
// treated as satisfied dependencies. Step failures are reported in the
// results; the error is non-nil only for an invalid plan or cancellation.
func (e *Executor) Execute(ctx context.Context, plan *Plan) ([]ExecutionResult, error) {
	if plan == nil {
		return nil, apperr.Validation("executor.execute", "nil plan")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	log := e.log.For(ctx)
	start := time.Now()

	r := &run{
		plan:   plan,
		index:  make(map[string]int, len(plan.Steps)),
		byStep: make(map[string]ExecutionResult, len(plan.Steps)),
	}
	q := queue.New()
	for i, s := range plan.Steps {
		r.index[s.ID] = i
		if s.Status == StepComplete {
			q.MarkComplete(s.ID, s.Result)
			r.done++
			continue
		}
		s.Status = StepPending
		s.Result = nil
		q.Enqueue(queue.Task{ID: s.ID, Description: s.Description, Dependencies: s.DependsOn})
	}
	plan.Status = PlanExecuting
	log.Info("plan_executing", map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps), "pending": q.Size()})

	for {
		if ctx.Err() != nil {
			for _, t := range q.Drain() {
				e.record(r, skipped(plan, t.ID, ReasonCancelled))
			}
			break
		}
		for _, t := range q.FailBlocked() {
			e.record(r, skipped(plan, t.ID, e.depFailedReason(r, t.ID)))
		}

		wave := e.nextWave(q, plan)
		if len(wave) == 0 {
			if q.IsEmpty() {
				break
			}
			for _, t := range q.Drain() {
				e.record(r, skipped(plan, t.ID, ReasonUnresolvable))
			}
			break
		}

		outcomes := make([]stepOutcome, len(wave))
		var g errgroup.Group
		g.SetLimit(e.limit)
		for i, s := range wave {
			s.Status = StepRunning
			e.emit(events.TypeProgress, events.ProgressPayload{
				StepID:  s.ID,
				Percent: r.done * 100 / max(1, len(plan.Steps)),
				Message: fmt.Sprintf("Step %d/%d: %s", r.index[s.ID]+1, len(plan.Steps), s.Description),
			})
			e.emit(events.TypeToolCall, events.ToolCallPayload{StepID: s.ID, Tool: s.ToolName, Args: s.ToolArgs})
			g.Go(func() error {
				err := logging.Guard("executor", func() error {
					outcomes[i] = e.runStep(ctx, plan, s)
					return nil
				})
				if err != nil {
					s.Status = StepFailed
					outcomes[i] = stepOutcome{result: ExecutionResult{
						StepID: s.ID, Tool: s.ToolName, Error: err.Error(), ErrorKind: apperr.KindExecution, Attempts: 1,
					}}
				}
				return nil
			})
		}
		_ = g.Wait()

		empty := false
		for i, s := range wave {
			o := outcomes[i]
			if o.result.Success {
				q.MarkComplete(s.ID, o.result.Output)
			} else {
				q.MarkFailed(s.ID)
			}
			e.record(r, o.result)
			if o.change != nil {
				e.emit(events.TypeFileChange, events.FileChangePayload{StepID: s.ID, Changes: []events.FileChange{*o.change}})
			}
			empty = empty || o.result.EmptyResult
		}

		if empty && shouldAbortEarly(r) {
			log.Warn("plan_nothing_found", map[string]any{"plan_id": plan.ID}, nil)
			for _, t := range q.Drain() {
				e.record(r, skipped(plan, t.ID, ReasonNothingFound))
			}
			plan.Status = PlanInfeasible
			plan.InfeasibleReason = "discovery steps found no matching files or code in the project"
			return r.results, nil
		}
	}

	if err := ctx.Err(); err != nil {
		plan.Status = PlanFailed
		log.Warn("plan_cancelled", map[string]any{"plan_id": plan.ID}, err)
		return r.results, err
	}

	plan.Status = PlanComplete
	failed := 0
	for _, res := range r.results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		plan.Status = PlanFailed
	}
	log.TimedEvent("plan_executed", start, map[string]any{
		"plan_id":   plan.ID,
		"status":    string(plan.Status),
		"succeeded": len(r.results) - failed,
		"failed":    failed,
	})
	return r.results, nil
}

// record applies a finished step to the plan and publishes it.
func (e *Executor) record(r *run, res ExecutionResult) {
	s, ok := r.plan.Step(res.StepID)
	if !ok {
		return
	}
	if res.Success {
		s.Status = StepComplete
		s.Result = res.Output
	} else {
		s.Status = StepFailed
	}
	r.done++
	r.results = append(r.results, res)
	r.byStep[res.StepID] = res

	e.emit(events.TypeToolResult, events.ToolResultPayload{
		StepID:   s.ID,
		Tool:     s.ToolName,
		Success:  res.Success,
		Output:   clipText(render(res.Output), 2000),
		Error:    res.Error,
		Duration: res.Duration,
	})
	e.emit(events.TypeStepComplete, events.StepCompletePayload{
		StepID:      s.ID,
		Index:       r.index[s.ID],
		Total:       len(r.plan.Steps),
		Success:     res.Success,
		Duration:    res.Duration,
		Tool:        s.ToolName,
		Description: s.Description,
		Error:       res.Error,
	})
}

func skipped(plan *Plan, id, reason string) ExecutionResult {
	res := ExecutionResult{StepID: id, Error: reason, Skipped: true, ErrorKind: apperr.KindExecution}
	if s, ok := plan.Step(id); ok {
		res.Tool = s.ToolName
	}
	return res
}

func (e *Executor) depFailedReason(r *run, id string) string {
	s, ok := r.plan.Step(id)
	if !ok {
		return reasonDepFailedStem
	}
	var failed []string
	for _, d := range s.DependsOn {
		if dep, ok := r.plan.Step(d); ok && dep.Status == StepFailed {
			failed = append(failed, d)
		}
	}
	if len(failed) == 0 {
		return reasonDepFailedStem
	}
	return fmt.Sprintf("%s (%s)", reasonDepFailedStem, strings.Join(failed, ", "))
}

// nextWave dequeues ready steps up to the limit. A step whose target file
// is already claimed by the wave is put back for a later wave.
func (e *Executor) nextWave(q *queue.Queue, plan *Plan) []*PlanStep {
	var wave []*PlanStep
	var deferred []queue.Task
	claimed := make(map[string]bool)
	for len(wave) < e.limit {
		t, err := q.Dequeue()
		if err != nil {
			break
		}
		s, ok := plan.Step(t.ID)
		if !ok {
			continue
		}
		if target := e.targetFile(s); target != "" {
			if claimed[target] {
				deferred = append(deferred, t)
				continue
			}
			claimed[target] = true
		}
		wave = append(wave, s)
	}
	for _, t := range deferred {
		q.EnqueueWithPriority(t, t.Priority+1)
	}
	return wave
}

func (e *Executor) targetFile(s *PlanStep) string {
	if !strings.HasPrefix(s.ToolName, "file_") {
		return ""
	}
	p := tool.PathArg(s.ToolArgs)
	if p == "" {
		return ""
	}
	return e.abs(p)
}

func (e *Executor) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(e.root, p)
}

// shouldAbortEarly reports whether every discovery step (a search without
// dependencies) has finished without finding anything.
func shouldAbortEarly(r *run) bool {
	found := false
	for _, s := range r.plan.Steps {
		if len(s.DependsOn) > 0 || !tool.IsSearch(s.ToolName) {
			continue
		}
		found = true
		switch s.Status {
		case StepFailed:
		case StepComplete:
			if !r.byStep[s.ID].EmptyResult {
				return false
			}
		default:
			return false
		}
	}
	return found
}

type stepOutcome struct {
	result ExecutionResult
	change *events.FileChange
}

// skipError marks a step the resolver decided not to run.
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

func (e *Executor) runStep(ctx context.Context, plan *Plan, s *PlanStep) stepOutcome {
	start := time.Now()
	res := ExecutionResult{StepID: s.ID, Tool: s.ToolName}
	log := e.log.For(ctx)

	args, err := e.resolveArgs(ctx, plan, s)
	if err != nil {
		var skip *skipError
		res.Skipped = errors.As(err, &skip)
		res.Error = err.Error()
		res.ErrorKind = apperr.KindOf(err)
		res.Duration = time.Since(start)
		log.Warn("step_args_unresolved", map[string]any{"step_id": s.ID}, err)
		return stepOutcome{result: res}
	}

	snap := e.snapshot(s, args)

	var last agent.Outcome
	_, err = apperr.Retry(ctx, e.policy, func(ctx context.Context) (struct{}, error) {
		res.Attempts++
		out, err := e.dispatch.Dispatch(ctx, agent.Assignment{
			StepID:      s.ID,
			Description: s.Description,
			Tool:        s.ToolName,
			Args:        args,
		})
		if err != nil {
			return struct{}{}, err
		}
		last = out
		if out.Result.Success {
			return struct{}{}, nil
		}
		if !out.Aborted && apperr.LooksInfrastructural(out.Result.Error) {
			return struct{}{}, apperr.Infrastructure("step "+s.ID, errors.New(out.Result.Error))
		}
		return struct{}{}, apperr.New(apperr.KindExecution, "step "+s.ID, out.Result.Error)
	})
	res.Duration = time.Since(start)

	if err == nil {
		res.Success = true
		res.Output = last.Result.Data
		if tool.IsSearch(s.ToolName) {
			res.EmptyResult = isEmptyResult(res.Output)
		}
		if len(snap.backups) > 0 {
			res.RollbackInfo = fmt.Sprintf("Backed up %d file(s) before execution", len(snap.backups))
		}
		change := e.fileChange(snap)
		if change != nil {
			res.Files = []string{change.Path}
		}
		return stepOutcome{result: res, change: change}
	}

	res.Error = err.Error()
	if last.Result.Error != "" {
		res.Error = last.Result.Error
	}
	res.ErrorKind = apperr.KindOf(err)
	if ctx.Err() != nil {
		res.Error = ReasonCancelled
	}
	if len(snap.backups) > 0 {
		if rbErr := e.backups.RollbackAll(snap.backups); rbErr != nil {
			res.RollbackInfo = "Rollback attempted but failed: " + rbErr.Error()
			log.Error("step_rollback_failed", map[string]any{"step_id": s.ID}, rbErr)
		} else {
			res.RollbackInfo = fmt.Sprintf("Rolled back %d file(s) after failure", len(snap.backups))
		}
	}
	if snap.path != "" && !snap.existed {
		if rmErr := os.Remove(snap.path); rmErr == nil {
			res.RollbackInfo = "Removed file created by failed step"
		} else if !os.IsNotExist(rmErr) {
			log.Error("step_rollback_failed", map[string]any{"step_id": s.ID, "path": snap.path}, rmErr)
		}
	}
	log.Warn("step_failed", map[string]any{"step_id": s.ID, "tool": s.ToolName, "attempts": res.Attempts}, errors.New(res.Error))
	return stepOutcome{result: res}
}

// fileSnapshot is the state of a step's target before it ran.
type fileSnapshot struct {
	path    string
	existed bool
	backups []string
}

func (e *Executor) snapshot(s *PlanStep, args map[string]any) fileSnapshot {
	if !tool.FileModifying(s.ToolName) {
		return fileSnapshot{}
	}
	p := tool.PathArg(args)
	if p == "" {
		return fileSnapshot{}
	}
	snap := fileSnapshot{path: e.abs(p)}
	st, err := os.Stat(snap.path)
	snap.existed = err == nil && !st.IsDir()
	if snap.existed && e.backups != nil {
		id, err := e.backups.Backup(snap.path)
		if err != nil {
			e.log.Warn("step_backup_failed", map[string]any{"step_id": s.ID, "path": snap.path}, err)
		} else {
			snap.backups = append(snap.backups, id)
		}
	}
	return snap
}

func (e *Executor) fileChange(snap fileSnapshot) *events.FileChange {
	if snap.path == "" {
		return nil
	}
	_, err := os.Stat(snap.path)
	exists := err == nil
	rel, rerr := filepath.Rel(e.root, snap.path)
	if rerr != nil {
		rel = snap.path
	}
	rel = filepath.ToSlash(rel)

	switch {
	case !snap.existed && exists:
		return &events.FileChange{Path: rel, Kind: events.FileAdded}
	case snap.existed && !exists:
		return &events.FileChange{Path: rel, Kind: events.FileDeleted}
	case snap.existed && exists:
		if len(snap.backups) > 0 {
			before, err1 := e.backups.Content(snap.backups[0])
			after, err2 := os.ReadFile(snap.path)
			if err1 == nil && err2 == nil && bytes.Equal(before, after) {
				return nil
			}
		}
		return &events.FileChange{Path: rel, Kind: events.FileModified}
	}
	return nil
}

// resolveArgs fills {{step-id}} placeholders from dependency results and,
// when the substitution is ambiguous or incomplete, asks the model.
func (e *Executor) resolveArgs(ctx context.Context, plan *Plan, s *PlanStep) (map[string]any, error) {
	if len(s.DependsOn) == 0 {
		return s.ToolArgs, nil
	}
	deps := make(map[string]*PlanStep, len(s.DependsOn))
	ordered := make([]*PlanStep, 0, len(s.DependsOn))
	for _, id := range s.DependsOn {
		if d, ok := plan.Step(id); ok {
			deps[id] = d
			ordered = append(ordered, d)
		}
	}

	sub := substitute(s.ToolArgs, deps)
	if e.provider == nil || (len(sub.unresolved) == 0 && !sub.ambiguous) {
		if len(sub.unresolved) > 0 {
			return nil, &skipError{reason: "Skipped: unresolved placeholder(s) " + strings.Join(sub.unresolved, ", ")}
		}
		return sub.args, nil
	}

	resolved, err := e.resolveWithModel(ctx, s, ordered)
	if err == nil {
		return resolved, nil
	}
	var skip *skipError
	if errors.As(err, &skip) || len(sub.unresolved) > 0 {
		return nil, err
	}
	e.log.For(ctx).Warn("step_args_model_failed", map[string]any{"step_id": s.ID}, err)
	return sub.args, nil
}

func (e *Executor) resolveWithModel(ctx context.Context, s *PlanStep, deps []*PlanStep) (map[string]any, error) {
	resp, err := e.provider.Complete(ctx, []llm.Message{llm.User(buildResolvePrompt(s, deps))}, llm.Options{MaxTokens: defaultResolveTokens})
	if err != nil {
		return nil, err
	}
	var resolved map[string]any
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &resolved); err != nil {
		return nil, apperr.New(apperr.KindExecution, "executor.resolve", "model returned unparseable arguments")
	}
	if skip, _ := resolved["__skip__"].(bool); skip {
		reason, _ := resolved["reason"].(string)
		if reason == "" {
			reason = "dependency results insufficient"
		}
		return nil, &skipError{reason: "Skipped: " + reason}
	}
	return resolved, nil
}
