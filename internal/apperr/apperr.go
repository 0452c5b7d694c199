// Package apperr classifies failures so callers can decide between
// surfacing, recording, retrying or swallowing them.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure class of an error.
type Kind string

const (
	// KindValidation covers invalid transitions, malformed plans and blocked
	// commands, paths or hosts. Always reported to the immediate caller.
	KindValidation Kind = "validation"

	// KindExecution covers tool or process failures recorded on a step.
	KindExecution Kind = "execution"

	// KindInfrastructure covers unreachable collaborators (model, vector
	// service). Retried with backoff, then degraded.
	KindInfrastructure Kind = "infrastructure"

	// KindSideChannel covers best-effort writes (log files, archives).
	KindSideChannel Kind = "side_channel"
)

// Sentinel errors shared across packages.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrBlocked           = errors.New("blocked by policy")
	ErrBusy              = errors.New("request already in progress")
	ErrUnavailable       = errors.New("service unavailable")
	ErrCancelled         = errors.New("cancelled")
)

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap attaches a kind and operation to err. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a formatted validation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Infrastructure is shorthand for wrapping a collaborator failure.
func Infrastructure(op string, err error) error {
	return Wrap(KindInfrastructure, op, err)
}

// KindOf reports the kind of the first *Error in err's chain.
// Unclassified errors are treated as execution failures.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindExecution
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsRetryable reports whether err is worth another attempt.
// Only infrastructure failures qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return KindOf(err) == KindInfrastructure
}

// LooksInfrastructural matches error text produced by transports that do
// not wrap their failures.
func LooksInfrastructural(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "fetch failed") ||
		strings.Contains(m, "unavailable") ||
		strings.Contains(m, "connection refused") ||
		strings.Contains(m, "no such host")
}
