package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/kado/internal/apperr"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/worktree"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"request failed", &requestFailedError{id: "01H"}, 1},
		{"validation", apperr.Validation("cli", "bad flag"), 2},
		{"wrapped validation", fmt.Errorf("run: %w", apperr.Validation("cli", "bad")), 2},
		{"infrastructure", apperr.Infrastructure("store.open", errors.New("locked")), 1},
		{"plain", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestWorktreeError(t *testing.T) {
	assert.NoError(t, worktreeError("cli.worktree", nil))

	err := worktreeError("cli.worktree", fmt.Errorf("%w: 01abc", worktree.ErrNotFound))
	assert.Equal(t, 2, exitCode(err))
	assert.ErrorIs(t, err, worktree.ErrNotFound)

	err = worktreeError("cli.worktree", &worktree.GitError{Args: []string{"apply"}, ExitCode: 1, Stderr: "patch does not apply"})
	assert.Equal(t, apperr.KindInfrastructure, apperr.KindOf(err))
	assert.Equal(t, 1, exitCode(err))
}

func TestReplDispatchesEachRequest(t *testing.T) {
	var got []string
	in := strings.NewReader("first\n\n  second  \nexit\nnever\n")
	err := repl(context.Background(), in, func(_ context.Context, request string) error {
		got = append(got, request)
		if request == "first" {
			return errors.New("failed but the session goes on")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestLinePrompter(t *testing.T) {
	action := permission.Action{
		Type:        permission.ActionShellExecute,
		Description: "Run shell command",
		Resource:    "go test ./...",
		Risk:        permission.RiskLow,
	}

	tests := []struct {
		input string
		want  permission.Decision
	}{
		{"o\n", permission.AllowOnce},
		{"yes\n", permission.AllowOnce},
		{"a\n", permission.AllowAlways},
		{"d\n", permission.Deny},
		{"maybe\nalways\n", permission.AllowAlways},
		{"", permission.Deny},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := newLinePrompter(strings.NewReader(tt.input), &out)
			got, err := p.Prompt(context.Background(), action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "go test ./...")
		})
	}
}

func TestLinePrompter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newLinePrompter(strings.NewReader("a\n"), &bytes.Buffer{})
	got, err := p.Prompt(ctx, permission.Action{Type: permission.ActionFileWrite})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, permission.Deny, got)
}

func TestParseActionType(t *testing.T) {
	got, err := parseActionType("network-request")
	require.NoError(t, err)
	assert.Equal(t, permission.ActionNetworkRequest, got)

	_, err = parseActionType("file-read")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "install-package")
}
