// Package planning turns a request into a dependency-ordered plan of tool
// calls and executes it through subagents.
package planning

import (
	"time"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/events"
)

// PlanStatus represents the state of a plan.
type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanExecuting  PlanStatus = "executing"
	PlanComplete   PlanStatus = "complete"
	PlanFailed     PlanStatus = "failed"
	PlanInfeasible PlanStatus = "infeasible"
)

// StepStatus represents the state of a step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
)

// Plan is an ordered set of tool calls.
type Plan struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Request          string      `json:"request,omitempty"`
	Steps            []*PlanStep `json:"steps"`
	Status           PlanStatus  `json:"status"`
	InfeasibleReason string      `json:"infeasibleReason,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// PlanStep is one tool call. DependsOn names steps of the same plan.
type PlanStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	ToolName    string         `json:"toolName"`
	ToolArgs    map[string]any `json:"toolArgs"`
	DependsOn   []string       `json:"dependsOn"`
	Status      StepStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
}

// Step returns the step with id.
func (p *Plan) Step(id string) (*PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Validate checks step ids are unique and every dependency names a step of
// the plan.
func (p *Plan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return apperr.Validation("plan.validate", "step without id")
		}
		if ids[s.ID] {
			return apperr.Validation("plan.validate", "duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return apperr.Validation("plan.validate", "step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	return nil
}

// Summary renders the plan for a plan_created event.
func (p *Plan) Summary() events.PlanCreatedPayload {
	out := events.PlanCreatedPayload{PlanID: p.ID, Title: p.Title, Steps: make([]events.PlanStep, 0, len(p.Steps))}
	for _, s := range p.Steps {
		out.Steps = append(out.Steps, events.PlanStep{
			ID:          s.ID,
			Description: s.Description,
			Tool:        s.ToolName,
			DependsOn:   s.DependsOn,
		})
	}
	return out
}

// ExecutionResult is the outcome of one step.
type ExecutionResult struct {
	StepID       string        `json:"stepId"`
	Tool         string        `json:"tool,omitempty"`
	Success      bool          `json:"success"`
	Output       any           `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	RollbackInfo string        `json:"rollbackInfo,omitempty"`
	EmptyResult  bool          `json:"emptyResult,omitempty"`
	// ErrorKind classifies a failure; empty on success.
	ErrorKind apperr.Kind `json:"errorKind,omitempty"`
	// Skipped marks steps that never ran.
	Skipped bool `json:"skipped,omitempty"`
	// Attempts counts dispatches made for the step.
	Attempts int `json:"attempts,omitempty"`
	// Files lists project files the step changed.
	Files []string `json:"files,omitempty"`
}

// CodeSnippet is a retrieved chunk of source.
type CodeSnippet struct {
	FilePath  string  `json:"filePath"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

// Context is what the planner knows about the project.
type Context struct {
	ProjectPath         string
	Files               []string
	CodeSnippets        []CodeSnippet
	ProjectStructure    string
	ProjectInstructions string
	ConversationSummary string
}
