// Package orchestrator drives a request through the plan, execute and
// verify phases, retrying failed steps and replanning within fixed bounds.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/vector"
	"github.com/joss/kado/internal/verify"
)

const (
	DefaultMaxExecuteRetries = 1
	DefaultMaxReplans        = 1
)

// maxListedErrors caps failed steps named in a summary.
const maxListedErrors = 5

// Planner produces plans. Implemented by *planning.Planner.
type Planner interface {
	CreatePlan(ctx context.Context, request string, pctx planning.Context) (*planning.Plan, error)
	Replan(ctx context.Context, request string, pctx planning.Context, previous *planning.Plan, results []planning.ExecutionResult) (*planning.Plan, error)
}

// Executor runs plans. Implemented by *planning.Executor.
type Executor interface {
	Execute(ctx context.Context, plan *planning.Plan) ([]planning.ExecutionResult, error)
}

// Verifier judges executed plans. Implemented by *verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, results []planning.ExecutionResult, plan *planning.Plan) verify.Result
}

// Outcome is the result of one request. Failures are reported here rather
// than as Go errors.
type Outcome struct {
	RequestID    string                     `json:"requestId"`
	Request      string                     `json:"request"`
	Success      bool                       `json:"success"`
	Plan         *planning.Plan             `json:"plan,omitempty"`
	Results      []planning.ExecutionResult `json:"results,omitempty"`
	Verification *verify.Result             `json:"verification,omitempty"`
	Summary      string                     `json:"summary"`
	Error        string                     `json:"error,omitempty"`
	ErrorKind    apperr.Kind                `json:"errorKind,omitempty"`
	Retries      int                        `json:"retries"`
	Replans      int                        `json:"replans"`
	Duration     time.Duration              `json:"duration"`
}

// Orchestrator owns one state machine and serves one request at a time.
type Orchestrator struct {
	root     string
	planner  Planner
	executor Executor
	verifier Verifier

	bus        *events.Bus
	index      vector.Index
	history    memory.History
	session    string
	archiver   Archiver
	maxRetries int
	maxReplans int

	machine *StateMachine
	busy    atomic.Bool
	tracer  trace.Tracer
	log     *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes state, plan and completion events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithIndex supplies code snippets for planning.
func WithIndex(idx vector.Index) Option {
	return func(o *Orchestrator) { o.index = idx }
}

// WithHistory records requests and summaries under session and feeds recent
// turns to the planner.
func WithHistory(h memory.History, session string) Option {
	return func(o *Orchestrator) {
		o.history = h
		o.session = session
	}
}

// WithArchive stores every finished request.
func WithArchive(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithLimits bounds failed-step re-executions and replans. Negative values
// are ignored.
func WithLimits(executeRetries, replans int) Option {
	return func(o *Orchestrator) {
		if executeRetries >= 0 {
			o.maxRetries = executeRetries
		}
		if replans >= 0 {
			o.maxReplans = replans
		}
	}
}

// New creates an idle orchestrator for the project at root.
func New(root string, p Planner, e Executor, v Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		root:       root,
		planner:    p,
		executor:   e,
		verifier:   v,
		maxRetries: DefaultMaxExecuteRetries,
		maxReplans: DefaultMaxReplans,
		tracer:     otel.Tracer("github.com/joss/kado/internal/orchestrator"),
		log:        logging.New("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.machine = NewStateMachine(o.stateChanged)
	return o
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	return o.machine.State()
}

// Reset forces the machine back to idle.
func (o *Orchestrator) Reset() {
	o.machine.Reset()
}

func (o *Orchestrator) emit(t events.Type, payload any) {
	if o.bus != nil {
		o.bus.Emit(t, payload)
	}
}

func (o *Orchestrator) stateChanged(from, to State) {
	o.log.Debug("state_change", map[string]any{"from": string(from), "to": string(to)})
	o.emit(events.TypeStateChange, events.StateChangePayload{From: string(from), To: string(to)})
}

// ProcessRequest plans, executes and verifies request. A request that
// arrives while another is running is rejected with a validation error.
// After a failure the machine stays in error until the next request.
func (o *Orchestrator) ProcessRequest(ctx context.Context, request string) Outcome {
	if !o.busy.CompareAndSwap(false, true) {
		err := apperr.Wrap(apperr.KindValidation, "orchestrator.process", apperr.ErrBusy)
		return Outcome{Request: request, Error: err.Error(), ErrorKind: apperr.KindValidation, Summary: err.Error()}
	}
	defer o.busy.Store(false)

	started := time.Now()
	out := Outcome{RequestID: ulid.Make().String(), Request: request}
	ctx = logging.WithRequestID(ctx, out.RequestID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.request", trace.WithAttributes(
		attribute.String("request.id", out.RequestID),
	))
	defer span.End()
	log := o.log.For(ctx)
	log.Info("request_start", map[string]any{"request": clip(request, 200)})

	err := logging.Guard("orchestrator", func() error { return o.run(ctx, &out) })

	if err != nil {
		o.fail(ctx, &out, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, out.Error)
	} else {
		out.Success = true
	}
	out.Duration = time.Since(started)
	out.Summary = summarize(out)
	span.SetAttributes(
		attribute.Bool("request.success", out.Success),
		attribute.Int("request.retries", out.Retries),
		attribute.Int("request.replans", out.Replans),
	)

	o.emit(events.TypeMessage, events.MessagePayload{Role: "assistant", Content: out.Summary})
	o.emit(events.TypeComplete, events.CompletePayload{Success: out.Success, Summary: out.Summary})
	o.remember(ctx, "user", request)
	o.remember(ctx, "assistant", out.Summary)
	o.archive(ctx, out, started)

	log.TimedEvent("request_complete", started, map[string]any{
		"success": out.Success,
		"state":   string(o.machine.State()),
		"retries": out.Retries,
		"replans": out.Replans,
	})
	return out
}

func (o *Orchestrator) run(ctx context.Context, out *Outcome) error {
	log := o.log.For(ctx)

	if s := o.machine.State(); s == StateComplete || s == StateError {
		if err := o.machine.Transition(StateIdle); err != nil {
			return err
		}
	}
	if strings.TrimSpace(out.Request) == "" {
		return apperr.Validation("orchestrator.process", "empty request")
	}
	if err := o.machine.Transition(StatePlanning); err != nil {
		return err
	}

	pctx := o.gatherContext(ctx, out.Request)
	plan, err := o.plan(ctx, out.Request, pctx, nil, nil)
	if err != nil {
		return err
	}
	out.Plan = plan
	if err := feasible(plan); err != nil {
		return err
	}

	if err := o.machine.Transition(StateExecuting); err != nil {
		return err
	}
	out.Results, err = o.execute(ctx, plan)
	if err != nil {
		return err
	}

	for {
		if err := o.machine.Transition(StateVerifying); err != nil {
			return err
		}
		vr := o.verify(ctx, out.Results, out.Plan)
		out.Verification = &vr
		if vr.Passed {
			return o.machine.Transition(StateComplete)
		}
		if out.Plan.Status == planning.PlanInfeasible {
			return feasible(out.Plan)
		}
		if !vr.CanRetry {
			return verificationFailed(vr, "")
		}

		switch {
		case out.Retries < o.maxRetries && hasFailedSteps(out.Results):
			out.Retries++
			log.Info("retry_failed_steps", map[string]any{"attempt": out.Retries, "issues": len(vr.Issues)})
			if err := o.machine.Transition(StateExecuting); err != nil {
				return err
			}
			more, err := o.execute(ctx, out.Plan)
			out.Results = merge(out.Results, more)
			if err != nil {
				return err
			}

		case out.Replans < o.maxReplans:
			out.Replans++
			log.Info("replan", map[string]any{"attempt": out.Replans, "issues": len(vr.Issues)})
			if err := o.machine.Transition(StatePlanning); err != nil {
				return err
			}
			next, err := o.plan(ctx, out.Request, pctx, out.Plan, out.Results)
			if err != nil {
				return err
			}
			out.Plan = next
			if err := feasible(next); err != nil {
				return err
			}
			if err := o.machine.Transition(StateExecuting); err != nil {
				return err
			}
			out.Results, err = o.execute(ctx, next)
			if err != nil {
				return err
			}

		default:
			return verificationFailed(vr, fmt.Sprintf(" after %d retry(ies) and %d replan(s)", out.Retries, out.Replans))
		}
	}
}

func (o *Orchestrator) plan(ctx context.Context, request string, pctx planning.Context, previous *planning.Plan, results []planning.ExecutionResult) (*planning.Plan, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.plan", trace.WithAttributes(
		attribute.Bool("plan.replan", previous != nil),
	))
	defer span.End()

	var plan *planning.Plan
	var err error
	if previous == nil {
		plan, err = o.planner.CreatePlan(ctx, request, pctx)
	} else {
		plan, err = o.planner.Replan(ctx, request, pctx, previous, results)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
		attribute.String("plan.status", string(plan.Status)),
	)
	o.emit(events.TypePlanCreated, plan.Summary())
	return plan, nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *planning.Plan) ([]planning.ExecutionResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("plan.id", plan.ID),
	))
	defer span.End()

	results, err := o.executor.Execute(ctx, plan)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return results, apperr.Wrap(apperr.KindExecution, "orchestrator.execute", apperr.ErrCancelled)
		}
		return results, err
	}
	return results, nil
}

func (o *Orchestrator) verify(ctx context.Context, results []planning.ExecutionResult, plan *planning.Plan) verify.Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.verify")
	defer span.End()
	vr := o.verifier.Verify(ctx, results, plan)
	span.SetAttributes(
		attribute.Bool("verify.passed", vr.Passed),
		attribute.Bool("verify.can_retry", vr.CanRetry),
		attribute.Int("verify.issues", len(vr.Issues)),
	)
	return vr
}

// fail records err on out and parks the machine in error.
func (o *Orchestrator) fail(ctx context.Context, out *Outcome, err error) {
	out.Success = false
	out.Error = err.Error()
	out.ErrorKind = apperr.KindOf(err)
	if o.machine.State() != StateError {
		if terr := o.machine.Transition(StateError); terr != nil {
			o.log.For(ctx).Warn("error_transition_failed", nil, terr)
		}
	}
	o.emit(events.TypeError, events.ErrorPayload{Message: out.Error, Kind: string(out.ErrorKind)})
	o.log.For(ctx).Warn("request_failed", map[string]any{"kind": string(out.ErrorKind)}, err)
}

func feasible(plan *planning.Plan) error {
	if plan.Status != planning.PlanInfeasible && len(plan.Steps) > 0 {
		return nil
	}
	reason := plan.InfeasibleReason
	if reason == "" {
		reason = "no executable steps"
	}
	return apperr.New(apperr.KindValidation, "orchestrator.plan", "request is infeasible: "+reason)
}

func verificationFailed(vr verify.Result, suffix string) error {
	msg := "verification failed" + suffix
	if len(vr.Issues) > 0 {
		msg += ": " + strings.Join(vr.Issues, "; ")
	}
	return apperr.New(apperr.KindExecution, "orchestrator.verify", msg)
}

func hasFailedSteps(results []planning.ExecutionResult) bool {
	for _, r := range results {
		if !r.Success {
			return true
		}
	}
	return false
}

// merge overlays re-executed step results onto the previous ones, keeping
// step order.
func merge(prev, next []planning.ExecutionResult) []planning.ExecutionResult {
	out := append([]planning.ExecutionResult(nil), prev...)
	idx := make(map[string]int, len(out))
	for i, r := range out {
		idx[r.StepID] = i
	}
	for _, r := range next {
		if i, ok := idx[r.StepID]; ok {
			out[i] = r
			continue
		}
		idx[r.StepID] = len(out)
		out = append(out, r)
	}
	return out
}

func summarize(out Outcome) string {
	if out.Plan == nil {
		if out.Error != "" {
			return "Request failed before a plan was created: " + out.Error
		}
		return "Nothing to do."
	}

	var b strings.Builder
	failed := 0
	for _, r := range out.Results {
		if !r.Success {
			failed++
		}
	}
	title := out.Plan.Title
	if title == "" {
		title = "Plan"
	}
	fmt.Fprintf(&b, "%s: %d/%d step(s) succeeded", title, len(out.Results)-failed, len(out.Results))
	if out.Retries > 0 || out.Replans > 0 {
		fmt.Fprintf(&b, " (%d retry, %d replan)", out.Retries, out.Replans)
	}
	b.WriteString(".")

	if files := verify.ModifiedFiles(out.Results, out.Plan); len(files) > 0 {
		b.WriteString("\nModified files: " + strings.Join(files, ", "))
	}
	if out.Success {
		return b.String()
	}

	if out.Error != "" {
		b.WriteString("\nError: " + out.Error)
	}
	listed := 0
	for _, r := range out.Results {
		if r.Success || r.Skipped {
			continue
		}
		if listed == maxListedErrors {
			b.WriteString("\n- ...")
			break
		}
		fmt.Fprintf(&b, "\n- %s (%s): %s", r.StepID, r.Tool, r.Error)
		listed++
	}
	return b.String()
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
