// Package agent runs specialised subagents: short-lived model sessions with
// a role, a tool allow-list and a private context pool.
package agent

import "slices"

// Role names a subagent specialisation.
type Role string

const (
	RoleCodeReview    Role = "code-review"
	RoleTestWriter    Role = "test-writer"
	RoleDocumentation Role = "documentation"
	RoleRefactor      Role = "refactor"
	RoleResearch      Role = "research"
)

type roleSpec struct {
	prompt string
	tools  []string
}

var roles = map[Role]roleSpec{
	RoleCodeReview: {
		prompt: `You are a code review specialist. Focus on:
- Code quality and best practices
- Potential bugs and edge cases
- Performance issues
- Security vulnerabilities
- Readability and maintainability

Report each finding on its own line as "error: ...", "warning: ..." or "info: ...",
and finish with "Score: N" where N is 0-100.`,
		tools: []string{"file_read", "grep_search", "glob_search"},
	},
	RoleTestWriter: {
		prompt: `You are a test writing specialist. Focus on:
- Comprehensive test coverage
- Edge cases and error conditions
- Clear test descriptions
- Proper mocking and isolation
- Following testing best practices for the language

Name every file you create.`,
		tools: []string{"file_read", "file_write", "shell_execute"},
	},
	RoleDocumentation: {
		prompt: `You are a documentation specialist. Focus on:
- Clear, concise explanations
- Code examples where helpful
- API documentation
- Usage instructions
- Keeping docs in sync with code`,
		tools: []string{"file_read", "file_write", "glob_search"},
	},
	RoleRefactor: {
		prompt: `You are a refactoring specialist. Focus on:
- Improving code structure
- Reducing complexity
- Eliminating duplication
- Applying design patterns appropriately
- Maintaining behavior while improving code

List every file you change.`,
		tools: []string{"file_read", "file_write", "file_edit", "file_delete", "grep_search"},
	},
	RoleResearch: {
		prompt: `You are a research specialist. Focus on:
- Finding relevant documentation
- Exploring codebases
- Summarizing findings clearly
- Citing sources`,
		tools: []string{"web_fetch", "semantic_search", "file_read"},
	},
}

// dispatchOrder is the preference order when several roles may run a tool.
var dispatchOrder = []Role{RoleCodeReview, RoleRefactor, RoleTestWriter, RoleResearch, RoleDocumentation}

// Roles lists every role in dispatch preference order.
func Roles() []Role {
	return slices.Clone(dispatchOrder)
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roles[r]
	return ok
}

// SystemPrompt returns the role's instruction.
func (r Role) SystemPrompt() string {
	return roles[r].prompt
}

// Tools returns the canonical tool names the role may invoke.
func (r Role) Tools() []string {
	return slices.Clone(roles[r].tools)
}

// Allows reports whether the canonical tool is on the role's allow-list.
func (r Role) Allows(tool string) bool {
	return slices.Contains(roles[r].tools, tool)
}

// RoleForTool picks the first role, in dispatch order, allowed to run tool.
func RoleForTool(tool string) (Role, bool) {
	for _, r := range dispatchOrder {
		if r.Allows(tool) {
			return r, true
		}
	}
	return "", false
}
