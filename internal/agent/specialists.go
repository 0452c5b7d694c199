package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joss/kado/internal/apperr"
)

// maxFileContext bounds how much of each file is pasted into a prompt.
const maxFileContext = 16 * 1024

// gatherFiles reads files through the agent's tools and renders them as
// prompt sections. Unreadable files are noted rather than fatal.
func gatherFiles(ctx context.Context, s *Subagent, files []string) string {
	var b strings.Builder
	for _, f := range files {
		res := s.Invoke(ctx, "file_read", map[string]any{"path": f})
		fmt.Fprintf(&b, "\n--- %s ---\n", f)
		if !res.Success {
			fmt.Fprintf(&b, "(unreadable: %s)\n", res.Error)
			continue
		}
		content, _ := res.Data.(string)
		if len(content) > maxFileContext {
			content = content[:maxFileContext] + "\n... (truncated)"
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func runOrFail(ctx context.Context, s *Subagent, op, task string) (Result, error) {
	res := s.Run(ctx, task)
	if !res.Success {
		return res, apperr.New(apperr.KindExecution, op, res.Error)
	}
	return res, nil
}

// Reviewer is a code-review subagent.
type Reviewer struct{ *Subagent }

// Review reads files and returns the parsed findings.
func (r Reviewer) Review(ctx context.Context, files []string) (ReviewResult, error) {
	task := "Review the following files for issues:\n" + gatherFiles(ctx, r.Subagent, files)
	res, err := runOrFail(ctx, r.Subagent, "agent.review", task)
	if err != nil {
		return ReviewResult{}, err
	}
	return ParseReview(res.Output), nil
}

// TestGenerationResult describes generated tests.
type TestGenerationResult struct {
	SourceFile string `json:"sourceFile"`
	TestFile   string `json:"testFile"`
	Written    bool   `json:"written"`
	Output     string `json:"output"`
}

// TestWriter is a test-writer subagent.
type TestWriter struct{ *Subagent }

// GenerateTests asks for tests covering file and writes the first fenced
// code block of the answer to the conventional test path.
func (t TestWriter) GenerateTests(ctx context.Context, file string) (TestGenerationResult, error) {
	out := TestGenerationResult{SourceFile: file, TestFile: TestPath(file)}
	task := fmt.Sprintf("Write tests for %s. Put the complete test file for %s in one fenced code block.\n%s",
		file, out.TestFile, gatherFiles(ctx, t.Subagent, []string{file}))
	res, err := runOrFail(ctx, t.Subagent, "agent.tests", task)
	out.Output = res.Output
	if err != nil {
		return out, err
	}
	code, ok := FirstCodeBlock(res.Output)
	if !ok {
		return out, nil
	}
	wr := t.Invoke(ctx, "file_write", map[string]any{"path": out.TestFile, "content": code})
	if !wr.Success {
		return out, apperr.New(apperr.KindExecution, "agent.tests", wr.Error)
	}
	out.Written = true
	return out, nil
}

// TestPath returns the conventional test file for a source file.
func TestPath(file string) string {
	dir, base := filepath.Split(file)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	switch ext {
	case ".go":
		return dir + stem + "_test.go"
	case ".py":
		return dir + "test_" + base
	case ".rs":
		return dir + stem + "_test.rs"
	default:
		return dir + stem + ".test" + ext
	}
}

var fence = regexp.MustCompile("(?s)```[\\w+-]*\\n(.*?)```")

// FirstCodeBlock extracts the body of the first fenced block.
func FirstCodeBlock(text string) (string, bool) {
	m := fence.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DocResult is generated documentation.
type DocResult struct {
	Files   []string `json:"files"`
	Content string   `json:"content"`
}

// Documenter is a documentation subagent.
type Documenter struct{ *Subagent }

// GenerateDocs documents files.
func (d Documenter) GenerateDocs(ctx context.Context, files []string) (DocResult, error) {
	task := "Write documentation for the following files:\n" + gatherFiles(ctx, d.Subagent, files)
	res, err := runOrFail(ctx, d.Subagent, "agent.docs", task)
	if err != nil {
		return DocResult{Files: files}, err
	}
	return DocResult{Files: files, Content: res.Output}, nil
}

// RefactorResult is a proposed refactoring.
type RefactorResult struct {
	Instruction string   `json:"instruction"`
	Changes     []string `json:"changes"`
	Output      string   `json:"output"`
}

// Refactorer is a refactor subagent.
type Refactorer struct{ *Subagent }

// Refactor proposes changes to files following instruction.
func (r Refactorer) Refactor(ctx context.Context, files []string, instruction string) (RefactorResult, error) {
	task := fmt.Sprintf("Refactor the following files: %s\n%s", instruction, gatherFiles(ctx, r.Subagent, files))
	res, err := runOrFail(ctx, r.Subagent, "agent.refactor", task)
	out := RefactorResult{Instruction: instruction, Output: res.Output, Changes: res.Artifacts}
	return out, err
}

// ResearchResult is a research summary.
type ResearchResult struct {
	Query   string   `json:"query"`
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
}

// Researcher is a research subagent.
type Researcher struct{ *Subagent }

var urlPattern = regexp.MustCompile(`https?://[^\s)>\]"']+`)

// Research answers query, seeding the prompt with semantic search hits when
// the index is reachable.
func (r Researcher) Research(ctx context.Context, query string) (ResearchResult, error) {
	task := "Research: " + query
	if hits := r.Invoke(ctx, "semantic_search", map[string]any{"query": query}); hits.Success {
		task += fmt.Sprintf("\n\nRelevant code:\n%v", hits.Data)
	}
	res, err := runOrFail(ctx, r.Subagent, "agent.research", task)
	if err != nil {
		return ResearchResult{Query: query}, err
	}
	sources := urlPattern.FindAllString(res.Output, -1)
	sources = append(sources, res.Artifacts...)
	return ResearchResult{Query: query, Summary: res.Output, Sources: sources}, nil
}
