// Package render formats command output for terminals and pipes.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// Writer prints the indented, sectioned text layout every command shares.
type Writer struct {
	out io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{out: w} }

func Stdout() *Writer { return NewWriter(os.Stdout) }

// Println writes one formatted line.
func (w *Writer) Println(format string, args ...any) {
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Line writes a blank line.
func (w *Writer) Line() { fmt.Fprintln(w.out) }

// Header writes an upper-cased title and a blank line.
func (w *Writer) Header(title string, args ...any) {
	if len(args) > 0 {
		title = fmt.Sprintf(title, args...)
	}
	fmt.Fprintf(w.out, "%s\n\n", strings.ToUpper(title))
}

// Section opens a titled block below a blank line.
func (w *Writer) Section(title string) {
	fmt.Fprintf(w.out, "\n%s:\n", strings.ToUpper(title))
}

func (w *Writer) indent(prefix, format string, args []any) {
	fmt.Fprintf(w.out, prefix+format+"\n", args...)
}

// Item, SubItem and Nested write one line at increasing depth.
func (w *Writer) Item(format string, args ...any)    { w.indent("  ", format, args) }
func (w *Writer) SubItem(format string, args ...any) { w.indent("    ", format, args) }
func (w *Writer) Nested(format string, args ...any)  { w.indent("    └─ ", format, args) }

// Empty reports that a listing has nothing in it.
func (w *Writer) Empty(msg string) { fmt.Fprintln(w.out, msg) }

// statusGlyphs covers audit results, step, run and check states.
var statusGlyphs = map[string]string{
	"allowed": "✓", "complete": "✓", "success": "✓", "passed": "✓",
	"denied": "✗", "error": "✗", "failed": "✗",
	"warning": "!", "infeasible": "!",
	"running": "▸", "executing": "▸", "start": "▸",
	"skip": "○", "skipped": "○", "pending": "○",
}

var levelGlyphs = map[string]string{
	"low": "○", "medium": "◐", "high": "●", "critical": "◉",
}

func StatusIcon(status string) string { return glyph(statusGlyphs, status) }

// LevelIcon grades anomaly severity.
func LevelIcon(level string) string { return glyph(levelGlyphs, level) }

func glyph(m map[string]string, key string) string {
	if g, ok := m[key]; ok {
		return g
	}
	return "•"
}

func BoolIcon(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}

// Truncate folds newlines and cuts s to at most max runes, ending the cut
// with "...".
func Truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// FormatDuration renders 850ms, 2.5s or 3m5s.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
