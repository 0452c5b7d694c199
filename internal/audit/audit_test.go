package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	return NewLogger(filepath.Join(t.TempDir(), "nested", "audit.jsonl"))
}

func TestLoggerFillsIDAndTimestamp(t *testing.T) {
	l := newTestLogger(t)

	e, err := l.Log(Entry{AgentID: "agent-1", Action: "file-write", Resource: "a.go", Result: ResultAllowed})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	got := l.Entries(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, "a.go", got[0].Resource)
}

func TestLoggerRejectsUnknownResult(t *testing.T) {
	l := newTestLogger(t)
	_, err := l.Log(Entry{Action: "x", Result: "maybe"})
	assert.Error(t, err)
	assert.Empty(t, l.Entries(Filter{}))
}

func TestLoggerDurableOnDisk(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Record("a", "shell-execute", "ls", ResultDenied, map[string]any{"reason": "blocked"}))

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result":"denied"`)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestEntriesFilterAndOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLogger(t)

	// Written out of order: retrieval sorts by timestamp, not arrival.
	inputs := []Entry{
		{Timestamp: base.Add(3 * time.Minute), AgentID: "a", Action: "file-write", Result: ResultAllowed},
		{Timestamp: base.Add(1 * time.Minute), AgentID: "b", Action: "shell-execute", Result: ResultDenied},
		{Timestamp: base.Add(2 * time.Minute), AgentID: "a", Action: "file-delete", Result: ResultError},
		{Timestamp: base.Add(4 * time.Minute), AgentID: "a", Action: "file-write", Result: ResultDenied},
	}
	for _, e := range inputs {
		_, err := l.Log(e)
		require.NoError(t, err)
	}

	all := l.Entries(Filter{})
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"agent", Filter{AgentID: "a"}, 3},
		{"action", Filter{Action: "file-write"}, 2},
		{"result", Filter{Result: ResultDenied}, 2},
		{"since", Filter{Since: base.Add(2 * time.Minute)}, 3},
		{"until", Filter{Until: base.Add(2 * time.Minute)}, 2},
		{"range", Filter{Since: base.Add(2 * time.Minute), Until: base.Add(3 * time.Minute)}, 2},
		{"combined", Filter{AgentID: "a", Result: ResultDenied}, 1},
		{"limit", Filter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, l.Entries(tt.filter), tt.want)
		})
	}

	last := l.Entries(Filter{Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, base.Add(4*time.Minute), last[0].Timestamp.UTC())
}

func TestEntriesMissingOrCorrupt(t *testing.T) {
	l := newTestLogger(t)
	assert.Empty(t, l.Entries(Filter{}))

	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	content := `{"id":"1","timestamp":"2026-01-01T00:00:00Z","action":"x","result":"allowed"}
not json
{"id":"2","timestamp":"2026-01-01T00:00:01Z","action":"y","result":"denied"}
`
	require.NoError(t, os.WriteFile(l.Path(), []byte(content), 0o600))

	got := l.Entries(Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestClear(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Record("a", "file-write", "x", ResultAllowed, nil))
	require.NoError(t, l.Clear())
	assert.Empty(t, l.Entries(Filter{}))

	require.NoError(t, l.Record("a", "file-write", "y", ResultAllowed, nil))
	assert.Len(t, l.Entries(Filter{}), 1)
}

func TestConcurrentAppends(t *testing.T) {
	l := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record("agent", "file-write", "f", ResultAllowed, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, l.Entries(Filter{}), 20)
}

func TestFollow(t *testing.T) {
	l := newTestLogger(t)
	require.NoError(t, l.Record("a", "before", "x", ResultAllowed, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Entry, 10)
	done := make(chan error, 1)
	go func() { done <- l.Follow(ctx, func(e Entry) { got <- e }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l.Record("a", "after", "y", ResultDenied, nil))

	select {
	case e := <-got:
		assert.Equal(t, "after", e.Action)
	case <-time.After(5 * time.Second):
		t.Fatal("no entry delivered")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestSummarize(t *testing.T) {
	entries := []Entry{
		{Action: "shell-execute", Result: ResultAllowed, Details: map[string]any{"duration_ms": float64(10)}},
		{Action: "shell-execute", Result: ResultDenied},
		{Action: "shell-execute", Result: ResultAllowed, Details: map[string]any{"duration_ms": float64(30)}},
		{Action: "file-write", Result: ResultError},
	}

	stats := Summarize(entries)
	require.Len(t, stats, 2)
	assert.Equal(t, "file-write", stats[0].Action)
	assert.Equal(t, 1, stats[0].Errors)
	assert.Nil(t, stats[0].Latency)

	sh := stats[1]
	assert.Equal(t, 3, sh.Total)
	assert.Equal(t, 2, sh.Allowed)
	assert.Equal(t, 1, sh.Denied)
	assert.InDelta(t, 1.0/3.0, sh.DenyRate, 1e-9)
	require.NotNil(t, sh.Latency)
	assert.Equal(t, 2, sh.Latency.Count)
	assert.Equal(t, 20.0, sh.Latency.Mean)
	assert.Equal(t, 10.0, sh.Latency.P50)
	assert.Equal(t, 30.0, sh.Latency.Max)
}
