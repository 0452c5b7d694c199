package agent

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity of a review finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ReviewIssue is one finding.
type ReviewIssue struct {
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ReviewResult is a parsed review.
type ReviewResult struct {
	Issues  []ReviewIssue `json:"issues"`
	Score   int           `json:"score"`
	Summary string        `json:"summary"`
}

var (
	issueLine = regexp.MustCompile(`(?i)(error|warning|info):\s*(.+)`)
	scoreLine = regexp.MustCompile(`(?i)score[:\s]+(\d+)`)
	// "path/to/file.go:12:" or "file.go line 12:" leading a message.
	locationRef = regexp.MustCompile(`^([\w./-]+\.[A-Za-z]{1,5})(?::(\d+))?(?:\s+line\s+(\d+))?:\s*`)
)

// ParseReview reads model review output. Each line containing
// "error:", "warning:" or "info:" is one issue. The score starts at 100,
// loses 20 per error and 5 per warning, and is replaced by an explicit
// "score: N". The result is clamped to [0, 100]. Output with no recognisable
// lines yields no issues and the raw text as the summary.
func ParseReview(output string) ReviewResult {
	res := ReviewResult{Score: 100, Summary: strings.TrimSpace(output)}
	for _, line := range strings.Split(output, "\n") {
		m := issueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		issue := ReviewIssue{
			Severity: Severity(strings.ToLower(m[1])),
			Message:  strings.TrimSpace(m[2]),
		}
		if loc := locationRef.FindStringSubmatch(issue.Message); loc != nil {
			issue.File = loc[1]
			if n := loc[2] + loc[3]; n != "" {
				issue.Line, _ = strconv.Atoi(n)
			}
			if rest := strings.TrimSpace(issue.Message[len(loc[0]):]); rest != "" {
				issue.Message = rest
			}
		}
		switch issue.Severity {
		case SeverityError:
			res.Score -= 20
		case SeverityWarning:
			res.Score -= 5
		}
		res.Issues = append(res.Issues, issue)
	}
	if m := scoreLine.FindStringSubmatch(output); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			res.Score = n
		}
	}
	res.Score = max(0, min(100, res.Score))
	return res
}

// Errors counts error-severity issues.
func (r ReviewResult) Errors() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}
