package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joss/kado/internal/render"
)

// requestFailedError reports a request that ran but did not succeed. The
// outcome has already been printed.
type requestFailedError struct{ id string }

func (e *requestFailedError) Error() string {
	return fmt.Sprintf("request %s failed", e.id)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// emit writes v in the structured format, or calls text for --format text.
func emit(v any, text func(w *render.Writer)) error {
	if format == render.FormatText {
		text(render.Stdout())
		return nil
	}
	return render.Encode(os.Stdout, format, v)
}

// getCwd returns current working directory or ".".
func getCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
