package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/joss/kado/internal/permission"
)

// assumeYes answers every permission request with allow-once.
var assumeYes bool

// terminalPrompter asks on the controlling terminal. Without one, undecided
// actions are denied.
func terminalPrompter() permission.Prompter {
	if assumeYes {
		return permission.PrompterFunc(func(context.Context, permission.Action) (permission.Decision, error) {
			return permission.AllowOnce, nil
		})
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return permission.PrompterFunc(func(context.Context, permission.Action) (permission.Decision, error) {
			return permission.Deny, nil
		})
	}
	return newLinePrompter(os.Stdin, os.Stderr)
}

// linePrompter reads one-letter answers. Requests from concurrent subagents
// are asked one at a time.
type linePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) Prompt(ctx context.Context, a permission.Action) (permission.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return permission.Deny, err
	}

	risk := string(a.Risk)
	switch a.Risk {
	case permission.RiskHigh:
		risk = color.RedString(risk)
	case permission.RiskMedium:
		risk = color.YellowString(risk)
	}
	fmt.Fprintf(p.out, "\n%s %s [%s risk]\n", color.CyanString("permission:"), a.Description, risk)
	fmt.Fprintf(p.out, "  %s\n", a.Resource)

	for {
		fmt.Fprint(p.out, "  allow [o]nce, [a]lways, or [d]eny? ")
		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch answer {
		case "o", "once", "y", "yes":
			return permission.AllowOnce, nil
		case "a", "always":
			return permission.AllowAlways, nil
		case "d", "deny", "n", "no":
			return permission.Deny, nil
		}
		if err != nil {
			// EOF or closed terminal
			fmt.Fprintln(p.out)
			return permission.Deny, nil
		}
	}
}
