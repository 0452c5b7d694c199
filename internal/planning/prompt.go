package planning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joss/kado/internal/tool"
)

const planInstructions = `You are an autonomous coding agent. Create a step-by-step plan to accomplish the following request by using the available tools.

Your plan should:
1. Use the project directory structure below to target your searches. Prefer paths and files that actually exist over guessed conventions.
2. First use grep_search or glob_search to find the relevant files if they are not already provided in context.
3. ALWAYS use file_read to read a file's full contents before editing it. You need the exact text to construct a correct file_edit oldString.
4. Use file_edit for targeted string replacements (oldString must be an exact, unique substring from the file, not a single word). Use file_write for creating new files.
5. Each step must use one of the available tools listed below.
6. When a step needs data from a previous step (e.g. a file path found by a search), list those step IDs in "dependsOn" and use a placeholder like "{{step-1}}" in toolArgs. The executor resolves these to concrete values at runtime.
7. Only include steps that are strictly necessary. Do NOT include speculative or conditional steps.
8. Use multiple diverse search patterns in the initial discovery step(s).
`

const planFormat = `
Output ONLY valid JSON (no markdown fences, no explanation) with this structure:
{
  "title": "short description of the plan",
  "steps": [
    {
      "id": "step-1",
      "description": "what this step does",
      "toolName": "exact_tool_name",
      "toolArgs": { "paramName": "value" },
      "dependsOn": []
    },
    {
      "id": "step-2",
      "description": "read the file found in step 1",
      "toolName": "file_read",
      "toolArgs": { "path": "{{step-1}}" },
      "dependsOn": ["step-1"]
    }
  ]
}
`

const replanInstructions = `

IMPORTANT: A previous plan was attempted but failed. Learn from these results and create a corrected plan.

Previous plan %q results:
%s

Key instructions for the retry:
- Use concrete file paths and values discovered in successful steps (do NOT guess paths that were not found).
- Do NOT repeat steps that already succeeded unless their results are needed by new steps.
- If a search step found no results, try alternative search patterns or different paths.
- If a file was not found at a guessed path, use the actual project structure revealed by successful steps.
- Skip steps that are unnecessary (e.g. don't run tests if no test framework exists).

CRITICAL: If ALL search/discovery steps returned empty results or irrelevant matches, the requested target likely does not exist in this codebase. In that case, respond with ONLY this JSON:
{
  "title": "short description",
  "steps": [],
  "infeasible": true,
  "reason": "what was searched for and why it was not found"
}`

const resolveInstructions = `You are resolving concrete arguments for a tool call in an automated coding plan.

Step to resolve:
- Description: %s
- Tool: %s
- Planned arguments: %s

Results from dependency steps:
%s

Instructions:
- Replace any placeholder values with actual values extracted from the dependency results above.
- If a dependency returned a list (e.g. file paths from a search), pick the most relevant item.
- If a required dependency failed or returned empty results making this step impossible, respond with: {"__skip__": true, "reason": "brief explanation"}
- Output ONLY a valid JSON object with the resolved tool arguments (same keys as the planned arguments, but with concrete values).`

func formatToolDefs(defs []tool.Definition) string {
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nAvailable tools (use ONLY these exact tool names; toolArgs keys MUST match the parameter names listed):\n")
	for _, d := range defs {
		params := make([]string, 0, len(d.Params))
		for _, p := range d.Params {
			opt := "?"
			if p.Required {
				opt = ""
			}
			params = append(params, fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type))
		}
		fmt.Fprintf(&b, "- %s(%s) -- %s\n", d.Name, strings.Join(params, ", "), d.Description)
	}
	return b.String()
}

func buildPrompt(request string, pctx Context, defs []tool.Definition) string {
	var b strings.Builder
	b.WriteString(planInstructions)
	b.WriteString(formatToolDefs(defs))
	b.WriteString(planFormat)
	if pctx.ProjectInstructions != "" {
		b.WriteString("\nProject instructions:\n")
		b.WriteString(pctx.ProjectInstructions)
		b.WriteString("\n")
	}
	if pctx.ConversationSummary != "" {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(pctx.ConversationSummary)
		b.WriteString("\n")
	}
	b.WriteString("\nRequest: ")
	b.WriteString(request)
	if len(pctx.Files) > 0 {
		b.WriteString("\nRelevant files in the project: ")
		b.WriteString(strings.Join(pctx.Files, ", "))
	}
	if len(pctx.CodeSnippets) > 0 {
		b.WriteString("\n\nRelevant code snippets:\n")
		for i, s := range pctx.CodeSnippets {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "--- %s (lines %d-%d) ---\n%s", s.FilePath, s.StartLine, s.EndLine, s.Content)
		}
	}
	if pctx.ProjectStructure != "" {
		b.WriteString("\n\nProject directory structure:\n")
		b.WriteString(pctx.ProjectStructure)
	}
	return b.String()
}

func buildReplanPrompt(request string, pctx Context, defs []tool.Definition, previous *Plan, results []ExecutionResult) string {
	byStep := make(map[string]ExecutionResult, len(results))
	for _, r := range results {
		byStep[r.StepID] = r
	}
	lines := make([]string, 0, len(previous.Steps))
	for _, s := range previous.Steps {
		status := "NOT EXECUTED"
		if r, ok := byStep[s.ID]; ok {
			if r.Success {
				status = "SUCCEEDED, output: " + clipText(render(r.Output), 500)
			} else {
				status = "FAILED, error: " + r.Error
			}
		}
		args, _ := json.Marshal(s.ToolArgs)
		lines = append(lines, fmt.Sprintf("  [%s] %s(%s): %s", s.ID, s.ToolName, args, status))
	}
	return buildPrompt(request, pctx, defs) + fmt.Sprintf(replanInstructions, previous.Title, strings.Join(lines, "\n"))
}

func buildResolvePrompt(step *PlanStep, deps []*PlanStep) string {
	args, _ := json.MarshalIndent(step.ToolArgs, "", "  ")
	parts := make([]string, 0, len(deps))
	for _, d := range deps {
		summary := clipText(render(d.Result), 4000)
		if d.Status == StepFailed {
			summary = "FAILED: this step did not produce results"
		}
		parts = append(parts, fmt.Sprintf("[%s] %q (%s):\n%s", d.ID, d.Description, d.ToolName, summary))
	}
	return fmt.Sprintf(resolveInstructions, step.Description, step.ToolName, args, strings.Join(parts, "\n\n"))
}

// render turns a tool output into prompt text.
func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

// stripFences removes markdown code fences around model JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		if i, j := strings.Index(s, "```"), strings.LastIndex(s, "```"); i >= 0 && j > i {
			s = s[i:j+3]
		} else {
			return s
		}
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
