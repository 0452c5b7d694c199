// Package events provides the typed event stream consumed by clients of the
// control loop.
package events

import "time"

// Type names an event kind.
type Type string

// Keep list sorted A-Z
const (
	TypeComplete     Type = "complete"
	TypeError        Type = "error"
	TypeFileChange   Type = "file_change"
	TypeLog          Type = "log"
	TypeMessage      Type = "message"
	TypePlanCreated  Type = "plan_created"
	TypeProgress     Type = "progress"
	TypeStateChange  Type = "state_change"
	TypeStepComplete Type = "step_complete"
	TypeToolCall     Type = "tool_call"
	TypeToolResult   Type = "tool_result"
	TypeVerification Type = "verification_progress"

	TypeWorktreeDiff     Type = "worktree_diff"
	TypeWorktreeAccepted Type = "worktree_accepted"
	TypeWorktreeRejected Type = "worktree_rejected"
)

// Event is one entry of the stream.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// StateChangePayload is emitted on every orchestrator transition.
type StateChangePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ProgressPayload reports incremental progress for a step or agent.
type ProgressPayload struct {
	StepID  string `json:"step_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Message string `json:"message"`
	Percent int    `json:"percent,omitempty"`
}

// PlanStep is the summary of a step inside PlanCreatedPayload.
type PlanStep struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tool        string   `json:"tool"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// PlanCreatedPayload is emitted once a plan exists.
type PlanCreatedPayload struct {
	PlanID string     `json:"plan_id"`
	Title  string     `json:"title"`
	Steps  []PlanStep `json:"steps"`
}

// StepCompletePayload is emitted when a step reaches a terminal status.
type StepCompletePayload struct {
	StepID      string        `json:"step_id"`
	Index       int           `json:"index"`
	Total       int           `json:"total"`
	Success     bool          `json:"success"`
	Duration    time.Duration `json:"duration"`
	Tool        string        `json:"tool,omitempty"`
	Description string        `json:"description,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	StepID  string         `json:"step_id,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
}

// ToolResultPayload reports a finished tool invocation.
type ToolResultPayload struct {
	StepID   string        `json:"step_id,omitempty"`
	Tool     string        `json:"tool"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// MessagePayload carries assistant text for the user.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorPayload surfaces a failure.
type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// CompletePayload closes a request.
type CompletePayload struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
}

// VerificationPayload reports a verification check.
type VerificationPayload struct {
	Check   string `json:"check"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// FileChangeKind classifies a file mutation.
type FileChangeKind string

const (
	FileAdded    FileChangeKind = "added"
	FileModified FileChangeKind = "modified"
	FileDeleted  FileChangeKind = "deleted"
)

// FileChange describes one mutated file.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
}

// FileChangePayload lists files mutated by a step.
type FileChangePayload struct {
	StepID  string       `json:"step_id,omitempty"`
	Changes []FileChange `json:"changes"`
}

// WorktreeFile is one file changed inside an isolated worktree.
type WorktreeFile struct {
	Path      string         `json:"path"`
	Kind      FileChangeKind `json:"kind"`
	Additions int            `json:"additions"`
	Deletions int            `json:"deletions"`
}

// WorktreePayload reports the pending, accepted or rejected changes of an
// isolated request.
type WorktreePayload struct {
	TaskID string         `json:"task_id"`
	Branch string         `json:"branch"`
	Files  []WorktreeFile `json:"files,omitempty"`
}

// LogPayload is a debug/log entry forwarded from the logging package.
type LogPayload struct {
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
