package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/tool"
	"github.com/joss/kado/pkg/llm"
)

// DefaultPlanTokens is the completion budget for planning calls.
const DefaultPlanTokens = 4096

// Catalog describes the tools a plan may use. Implemented by
// *tool.Registry.
type Catalog interface {
	Definitions() []tool.Definition
	KnownNames() []string
	Resolve(name string) string
}

// Planner asks the model for plans.
type Planner struct {
	provider  llm.Provider
	catalog   Catalog
	maxTokens int
	log       *logging.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlanTokens overrides DefaultPlanTokens.
func WithPlanTokens(n int) PlannerOption {
	return func(p *Planner) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// NewPlanner creates a planner. A nil catalog accepts any tool name.
func NewPlanner(provider llm.Provider, catalog Catalog, opts ...PlannerOption) *Planner {
	p := &Planner{
		provider:  provider,
		catalog:   catalog,
		maxTokens: DefaultPlanTokens,
		log:       logging.New("planner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) definitions() []tool.Definition {
	if p.catalog == nil {
		return nil
	}
	return p.catalog.Definitions()
}

// CreatePlan plans request. Model failures are returned; unusable model
// output yields an infeasible plan.
func (p *Planner) CreatePlan(ctx context.Context, request string, pctx Context) (*Plan, error) {
	return p.ask(ctx, "planner.create", request, buildPrompt(request, pctx, p.definitions()))
}

// Replan plans request again, showing the model how the previous attempt
// went.
func (p *Planner) Replan(ctx context.Context, request string, pctx Context, previous *Plan, results []ExecutionResult) (*Plan, error) {
	if previous == nil {
		return p.CreatePlan(ctx, request, pctx)
	}
	return p.ask(ctx, "planner.replan", request, buildReplanPrompt(request, pctx, p.definitions(), previous, results))
}

func (p *Planner) ask(ctx context.Context, op, request, prompt string) (*Plan, error) {
	start := time.Now()
	resp, err := p.provider.Complete(ctx, []llm.Message{llm.User(prompt)}, llm.Options{MaxTokens: p.maxTokens})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperr.KindOf(err) == apperr.KindExecution {
			err = apperr.Infrastructure(op, err)
		}
		return nil, err
	}
	plan, err := p.parse(resp.Content, request)
	if err != nil {
		p.log.For(ctx).Warn("plan_rejected", map[string]any{"op": op}, err)
		return nil, err
	}
	p.log.For(ctx).TimedEvent("plan_created", start, map[string]any{
		"plan_id": plan.ID,
		"steps":   len(plan.Steps),
		"status":  string(plan.Status),
	})
	return plan, nil
}

type rawStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	ToolName    string         `json:"toolName"`
	ToolArgs    map[string]any `json:"toolArgs"`
	DependsOn   []string       `json:"dependsOn"`
}

type rawPlan struct {
	Title      string    `json:"title"`
	Steps      []rawStep `json:"steps"`
	Infeasible bool      `json:"infeasible"`
	Reason     string    `json:"reason"`
}

func newPlan(title, request string) *Plan {
	if title == "" {
		title = request
		if len(title) > 80 {
			title = title[:80]
		}
	}
	return &Plan{
		ID:        uuid.New().String(),
		Title:     title,
		Request:   request,
		Status:    PlanDraft,
		CreatedAt: time.Now(),
	}
}

func infeasible(plan *Plan, reason string) *Plan {
	plan.Steps = nil
	plan.Status = PlanInfeasible
	plan.InfeasibleReason = reason
	return plan
}

func (p *Planner) parse(response, request string) (*Plan, error) {
	var raw rawPlan
	if err := json.Unmarshal([]byte(stripFences(response)), &raw); err != nil {
		return infeasible(newPlan("", request), "the model did not return a valid plan"), nil
	}
	plan := newPlan(raw.Title, request)

	if raw.Infeasible && len(raw.Steps) == 0 {
		reason := raw.Reason
		if reason == "" {
			reason = "the model judged the request infeasible"
		}
		return infeasible(plan, reason), nil
	}

	known := make(map[string]bool)
	if p.catalog != nil {
		for _, n := range p.catalog.KnownNames() {
			known[n] = true
		}
	}

	dropped := make(map[string]bool)
	var bad []string
	for i, rs := range raw.Steps {
		id := rs.ID
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}
		name := rs.ToolName
		if len(known) > 0 {
			if !known[name] {
				dropped[id] = true
				bad = append(bad, orUnknown(name))
				continue
			}
			name = p.catalog.Resolve(name)
		}
		args := rs.ToolArgs
		if args == nil {
			args = map[string]any{}
		}
		plan.Steps = append(plan.Steps, &PlanStep{
			ID:          id,
			Description: rs.Description,
			ToolName:    name,
			ToolArgs:    args,
			DependsOn:   append([]string{}, rs.DependsOn...),
			Status:      StepPending,
		})
	}

	if len(raw.Steps) > 0 && len(plan.Steps) == 0 && len(bad) > 0 {
		available := make([]string, 0, len(known))
		for n := range known {
			available = append(available, n)
		}
		sort.Strings(available)
		return nil, apperr.Validation("planner.parse",
			"plan has %d step(s) but none use valid tool names. Invalid names: %s. Available tools: %s",
			len(raw.Steps), strings.Join(bad, ", "), strings.Join(available, ", "))
	}

	if len(dropped) > 0 {
		plan.Steps = dropDependants(plan.Steps, dropped)
		p.log.Warn("plan_steps_dropped", map[string]any{"invalid_tools": bad, "dropped": len(dropped)}, nil)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if len(plan.Steps) == 0 {
		reason := "the plan contains no executable steps"
		if len(bad) > 0 {
			reason += " (unknown tools: " + strings.Join(bad, ", ") + ")"
		}
		return infeasible(plan, reason), nil
	}
	return plan, nil
}

// dropDependants removes steps that depend, directly or transitively, on a
// dropped step.
func dropDependants(steps []*PlanStep, dropped map[string]bool) []*PlanStep {
	for changed := true; changed; {
		changed = false
		kept := steps[:0]
		for _, s := range steps {
			if dependsOnAny(s, dropped) {
				dropped[s.ID] = true
				changed = true
				continue
			}
			kept = append(kept, s)
		}
		steps = kept
	}
	return steps
}

func dependsOnAny(s *PlanStep, ids map[string]bool) bool {
	for _, d := range s.DependsOn {
		if ids[d] {
			return true
		}
	}
	return false
}

func orUnknown(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
