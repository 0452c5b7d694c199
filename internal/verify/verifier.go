package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/events"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/planning"
	"github.com/joss/kado/internal/sandbox"
	"github.com/joss/kado/pkg/llm"
)

// reviewThreshold is the number of modified files above which issues are
// sent to the model for suggestions.
const reviewThreshold = 3

// Result is the verdict on an executed plan.
type Result struct {
	Passed      bool     `json:"passed"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
	CanRetry    bool     `json:"canRetry"`
}

// Checks toggles the external checks.
type Checks struct {
	Build bool
	Lint  bool
	Test  bool
}

// AllChecks enables build, lint and test.
var AllChecks = Checks{Build: true, Lint: true, Test: true}

// Verifier inspects execution results and runs project checks.
type Verifier struct {
	root     string
	cmd      sandbox.Commander
	provider llm.Provider
	bus      *events.Bus
	checks   Checks
	log      *logging.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithProvider enables model review suggestions.
func WithProvider(p llm.Provider) Option {
	return func(v *Verifier) { v.provider = p }
}

// WithEvents publishes verification_progress events.
func WithEvents(bus *events.Bus) Option {
	return func(v *Verifier) { v.bus = bus }
}

// WithChecks selects which external checks run.
func WithChecks(c Checks) Option {
	return func(v *Verifier) { v.checks = c }
}

// New creates a verifier for the project at root. A nil commander disables
// the external checks.
func New(root string, cmd sandbox.Commander, opts ...Option) *Verifier {
	v := &Verifier{
		root:   root,
		cmd:    cmd,
		checks: AllChecks,
		log:    logging.New("verify"),
	}
	for _, opt := range opts {
		opt(v)
	}
	if cmd == nil {
		v.checks = Checks{}
	}
	return v
}

func (v *Verifier) progress(check, status, msg string) {
	if v.bus != nil {
		v.bus.Emit(events.TypeVerification, events.VerificationPayload{Check: check, Status: status, Message: msg})
	}
}

// Verify judges results of plan. Passed means no issues; CanRetry is false
// when retrying cannot help.
func (v *Verifier) Verify(ctx context.Context, results []planning.ExecutionResult, plan *planning.Plan) Result {
	log := v.log.For(ctx)
	start := time.Now()
	var issues, suggestions []string
	canRetry := true

	var failed []planning.ExecutionResult
	empty := 0
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
		if r.EmptyResult {
			empty++
		}
	}
	if len(failed) > 0 {
		issues = append(issues, fmt.Sprintf("%d of %d execution step(s) failed", len(failed), len(results)))
		for _, r := range failed {
			if s := stepOf(plan, r.StepID); s != nil {
				msg := r.Error
				if msg == "" {
					msg = "unknown error"
				}
				issues = append(issues, fmt.Sprintf("Step %q (%s): %s", s.Description, s.ToolName, msg))
			}
		}
		if allMatch(failed, infrastructural) {
			canRetry = false
		}
		if allMatch(failed, discoveryFailure) || (empty > 0 && len(failed) == len(results)-empty) {
			canRetry = false
			issues = append(issues, "The requested target could not be found in the codebase; retrying is unlikely to help")
		}
		log.Warn("steps_failed", map[string]any{"failed": len(failed), "total": len(results)}, nil)
	}

	modified := ModifiedFiles(results, plan)
	var bs *BuildSystem
	if v.checks.Build || v.checks.Test {
		bs = Detect(v.root)
	}

	if v.checks.Build {
		v.progress("build", "running", "")
		res := RunBuild(ctx, v.cmd, v.root, bs)
		switch {
		case res.Skipped:
			suggestions = append(suggestions, res.Reason)
			v.progress("build", "skipped", res.Reason)
		case !res.OK():
			for _, e := range res.Errors {
				issues = append(issues, fmt.Sprintf("Build error (%s): %s", res.Command, e))
			}
			v.progress("build", "failed", strings.Join(res.Errors, "; "))
		default:
			v.progress("build", "passed", "")
		}
		for _, w := range res.Warnings {
			suggestions = append(suggestions, "Build warning: "+w)
		}
	}

	if v.checks.Lint && len(modified) > 0 {
		v.progress("lint", "running", fmt.Sprintf("%d file(s)", len(modified)))
		res := RunLint(ctx, v.cmd, v.root, modified, bs)
		switch {
		case res.Skipped:
			v.progress("lint", "skipped", res.Reason)
		case !res.OK():
			issues = append(issues, res.Errors...)
			v.progress("lint", "failed", fmt.Sprintf("%d error(s)", len(res.Errors)))
		default:
			v.progress("lint", "passed", "")
		}
		for _, w := range res.Warnings {
			suggestions = append(suggestions, "Lint: "+w)
		}
	}

	if v.checks.Test && hasTestFiles(modified) {
		v.progress("test", "running", "")
		res := RunTests(ctx, v.cmd, v.root, bs)
		switch {
		case res.Skipped:
			v.progress("test", "skipped", res.Reason)
		case !res.OK():
			issues = append(issues, fmt.Sprintf("%d test(s) failed", res.Failed))
			issues = append(issues, res.Errors...)
			v.progress("test", "failed", fmt.Sprintf("%d passed, %d failed", res.Passed, res.Failed))
		default:
			v.progress("test", "passed", fmt.Sprintf("%d passed", res.Passed))
		}
	}

	if len(issues) > 0 && len(modified) > reviewThreshold && v.provider != nil {
		suggestions = append(suggestions, v.review(ctx, plan, issues)...)
	}

	out := Result{
		Passed:      len(issues) == 0,
		Issues:      issues,
		Suggestions: suggestions,
		CanRetry:    canRetry && len(issues) > 0,
	}
	log.TimedEvent("verification_complete", start, map[string]any{
		"passed":    out.Passed,
		"issues":    len(issues),
		"can_retry": out.CanRetry,
		"modified":  len(modified),
	})
	return out
}

func stepOf(plan *planning.Plan, id string) *planning.PlanStep {
	if plan == nil {
		return nil
	}
	s, _ := plan.Step(id)
	return s
}

func allMatch(rs []planning.ExecutionResult, pred func(planning.ExecutionResult) bool) bool {
	for _, r := range rs {
		if !pred(r) {
			return false
		}
	}
	return len(rs) > 0
}

func infrastructural(r planning.ExecutionResult) bool {
	return r.ErrorKind == apperr.KindInfrastructure || apperr.LooksInfrastructural(r.Error)
}

var discoveryMarkers = []string{
	planning.ReasonNothingFound,
	"dependency results insufficient",
	"returned no",
}

func discoveryFailure(r planning.ExecutionResult) bool {
	for _, m := range discoveryMarkers {
		if strings.Contains(r.Error, m) {
			return true
		}
	}
	return false
}

// ModifiedFiles lists the files written or edited by successful steps, in
// step order without duplicates.
func ModifiedFiles(results []planning.ExecutionResult, plan *planning.Plan) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, r := range results {
		if !r.Success || (r.Tool != "file_write" && r.Tool != "file_edit") {
			continue
		}
		if len(r.Files) > 0 {
			for _, f := range r.Files {
				add(f)
			}
			continue
		}
		if s := stepOf(plan, r.StepID); s != nil {
			if p, ok := s.ToolArgs["path"].(string); ok {
				add(p)
			} else if p, ok := s.ToolArgs["file"].(string); ok {
				add(p)
			}
		}
	}
	return out
}

func hasTestFiles(files []string) bool {
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		if strings.Contains(base, "test") || strings.Contains(base, "spec") {
			return true
		}
	}
	return false
}

const reviewPrompt = "Review these verification issues and suggest fixes. Issues: %s. Plan had %d steps. Respond with 1-3 short suggestions, one per line."

func (v *Verifier) review(ctx context.Context, plan *planning.Plan, issues []string) []string {
	steps := 0
	if plan != nil {
		steps = len(plan.Steps)
	}
	resp, err := v.provider.Complete(ctx, []llm.Message{
		llm.User(fmt.Sprintf(reviewPrompt, strings.Join(issues, "; "), steps)),
	}, llm.Options{MaxTokens: 256})
	if err != nil {
		v.log.For(ctx).Warn("review_failed", nil, err)
		return nil
	}
	var out []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
