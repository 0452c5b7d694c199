package orchestrator

import (
	"context"
	"time"

	"github.com/joss/kado/internal/memory"
	"github.com/joss/kado/internal/planning"
)

const (
	snippetCount   = 5
	snippetTimeout = 5 * time.Second
	historyTurns   = 10
	historyShown   = 6
	historyClip    = 200
)

// gatherContext collects what the planner sees. Every source is optional;
// failures degrade to an emptier context.
func (o *Orchestrator) gatherContext(ctx context.Context, request string) planning.Context {
	log := o.log.For(ctx)
	pctx := planning.Context{
		ProjectPath:         o.root,
		ProjectStructure:    planning.ProjectTree(o.root, planning.DefaultTreeDepth),
		ProjectInstructions: memory.LoadInstructions(o.root),
	}

	if o.index != nil {
		qctx, cancel := context.WithTimeout(ctx, snippetTimeout)
		matches, err := o.index.Query(qctx, request, snippetCount)
		cancel()
		if err != nil {
			log.Warn("context_snippets_unavailable", nil, err)
		}
		seen := make(map[string]bool)
		for _, m := range matches {
			path, _ := m.Metadata["path"].(string)
			pctx.CodeSnippets = append(pctx.CodeSnippets, planning.CodeSnippet{
				FilePath:  path,
				StartLine: intField(m.Metadata, "startLine"),
				EndLine:   intField(m.Metadata, "endLine"),
				Content:   m.Text,
				Score:     m.Score,
			})
			if path != "" && !seen[path] {
				seen[path] = true
				pctx.Files = append(pctx.Files, path)
			}
		}
	}

	if o.history != nil {
		msgs, err := o.history.Recent(ctx, o.session, historyTurns)
		if err != nil {
			log.Warn("context_history_unavailable", nil, err)
		} else {
			pctx.ConversationSummary = memory.Summarize(msgs, historyShown, historyClip)
		}
	}

	log.Debug("context_gathered", map[string]any{
		"snippets":     len(pctx.CodeSnippets),
		"files":        len(pctx.Files),
		"instructions": pctx.ProjectInstructions != "",
	})
	return pctx
}

// intField reads a numeric metadata value that may have round-tripped
// through JSON.
func intField(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (o *Orchestrator) remember(ctx context.Context, role, content string) {
	if o.history == nil || content == "" {
		return
	}
	err := o.history.Append(ctx, o.session, memory.Message{Role: role, Content: content, Timestamp: time.Now()})
	if err != nil {
		o.log.For(ctx).Warn("history_append_failed", nil, err)
	}
}
