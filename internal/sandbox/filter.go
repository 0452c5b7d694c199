// Package sandbox mediates every externally visible side effect: command
// filtering, path and host guards, and supervised process execution.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultBlockedCommands are rejected when they appear anywhere in a
// command, case-insensitively.
var DefaultBlockedCommands = []string{
	"rm -rf /",
	"sudo",
	"mkfs",
	"dd if=",
	"chmod 777",
	":(){:|:&};:",
	"shutdown",
	"reboot",
}

// DefaultBlockedPatterns are rejected when they match the trimmed command.
var DefaultBlockedPatterns = []string{
	`rm\s+-rf\s+/\s*$`,
	`rm\s+-rf\s+/\s+\S`,
	`(?i)sudo\s+`,
	`mkfs\.\w+`,
	`dd\s+if=`,
	`chmod\s+777`,
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`,
	`(?i)shutdown\s+`,
	`(?i)reboot\s*$`,
	`\|\s*bash\s*$`,
	`\|\s*sh\s*$`,
	`>\s*/dev/sd[a-z]`,
	`>\s*/dev/null\s*&\s*$`,
}

// Pattern is a compiled rule. Warning patterns allow the command but attach
// a caution and a safer alternative.
type Pattern struct {
	Regex       *regexp.Regexp
	Warning     bool
	Reason      string
	Alternative string
}

// warningPatterns flag risky but legitimate commands.
var warningPatterns = []Pattern{
	{
		Regex:       regexp.MustCompile(`git\s+reset\s+--hard`),
		Warning:     true,
		Reason:      "hard reset discards uncommitted changes",
		Alternative: "git stash first, or use git reset --soft",
	},
	{
		Regex:       regexp.MustCompile(`git\s+push\s+.*--force(\s|$)`),
		Warning:     true,
		Reason:      "force push rewrites remote history",
		Alternative: "git push --force-with-lease",
	},
	{
		Regex:       regexp.MustCompile(`(?i)DELETE\s+FROM\s+\w+\s*(;|$)`),
		Warning:     true,
		Reason:      "DELETE without WHERE clause affects all rows",
		Alternative: "add a WHERE clause",
	},
	{
		Regex:       regexp.MustCompile(`(?i)DROP\s+(DATABASE|TABLE)`),
		Warning:     true,
		Reason:      "dropping schema objects is irreversible",
		Alternative: "take a backup before dropping",
	},
}

// FilterResult is the verdict for one command.
type FilterResult struct {
	Allowed     bool
	Reason      string
	Warning     string
	Alternative string
}

// CommandFilter rejects destructive commands before anything is spawned.
type CommandFilter struct {
	literals []string
	patterns []Pattern
}

// NewCommandFilter builds a filter from literals and regex sources.
// Nil slices fall back to the defaults; invalid regexes are reported.
func NewCommandFilter(literals, patterns []string) (*CommandFilter, error) {
	if literals == nil {
		literals = DefaultBlockedCommands
	}
	if patterns == nil {
		patterns = DefaultBlockedPatterns
	}

	f := &CommandFilter{}
	seen := make(map[string]bool, len(literals))
	for _, l := range literals {
		l = strings.ToLower(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		f.literals = append(f.literals, l)
	}
	for _, src := range patterns {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", src, err)
		}
		f.patterns = append(f.patterns, Pattern{Regex: re, Reason: "Blocked pattern: " + src})
	}
	return f, nil
}

// DefaultCommandFilter uses the built-in rule set.
func DefaultCommandFilter() *CommandFilter {
	f, err := NewCommandFilter(nil, nil)
	if err != nil {
		panic(err)
	}
	return f
}

// WithExtraPatterns returns a copy of f that also blocks srcs.
func (f *CommandFilter) WithExtraPatterns(srcs []string) (*CommandFilter, error) {
	c := &CommandFilter{
		literals: append([]string(nil), f.literals...),
		patterns: append([]Pattern(nil), f.patterns...),
	}
	for _, src := range srcs {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", src, err)
		}
		c.patterns = append(c.patterns, Pattern{Regex: re, Reason: "Blocked pattern: " + src})
	}
	return c, nil
}

// Validate checks literals first, then patterns.
func (f *CommandFilter) Validate(command string) FilterResult {
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)

	for _, l := range f.literals {
		if strings.Contains(lower, l) {
			return FilterResult{Reason: "Blocked command: " + l}
		}
	}
	for _, p := range f.patterns {
		if p.Regex.MatchString(trimmed) {
			return FilterResult{Reason: p.Reason}
		}
	}

	for _, p := range warningPatterns {
		if p.Regex.MatchString(trimmed) {
			return FilterResult{Allowed: true, Warning: p.Reason, Alternative: p.Alternative}
		}
	}
	return FilterResult{Allowed: true}
}

// Sanitize strips every blocked literal and pattern match and collapses
// whitespace. It is cleanup only; it never replaces Validate.
func (f *CommandFilter) Sanitize(command string) string {
	s := command
	for _, l := range f.literals {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(l))
		s = re.ReplaceAllString(s, "")
	}
	for _, p := range f.patterns {
		s = p.Regex.ReplaceAllString(s, "")
	}
	return strings.Join(strings.Fields(s), " ")
}
