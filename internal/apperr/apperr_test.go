package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindInfrastructure, "vector.query", errors.New("connection refused"))
	assert.Equal(t, "vector.query: connection refused", err.Error())

	err = Validation("plan", "step %q depends on unknown step %q", "b", "z")
	assert.Equal(t, `plan: step "b" depends on unknown step "z"`, err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("x", "bad"), KindValidation},
		{"wrapped infra", fmt.Errorf("outer: %w", Infrastructure("llm", errors.New("boom"))), KindInfrastructure},
		{"plain", errors.New("plain"), KindExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Infrastructure("llm", errors.New("timeout"))))
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrUnavailable)))
	assert.False(t, IsRetryable(Validation("x", "bad")))
	assert.False(t, IsRetryable(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindExecution, "op", nil))
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, Infrastructure("op", errors.New("flaky"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 2, calls)
}

func TestRetryBounded(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Infrastructure("op", errors.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Validation("op", "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, Is(err, KindValidation))
}

func TestLooksInfrastructural(t *testing.T) {
	assert.True(t, LooksInfrastructural("TypeError: fetch failed"))
	assert.True(t, LooksInfrastructural("Service Unavailable"))
	assert.False(t, LooksInfrastructural("exit status 1"))
}
