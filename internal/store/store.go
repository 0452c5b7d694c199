// Package store archives finished requests in SQLite so plans and their
// step outcomes can be listed and inspected after the process exits.
package store

import (
	"fmt"
	"strings"
	"time"
)

// Run states as archived. They mirror the orchestrator's terminal states.
const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// Query selects archived runs. The zero value matches every run, oldest
// first, without a limit.
type Query struct {
	// Status keeps runs in one terminal state; empty keeps both.
	Status string
	// Success, when set, keeps runs whose outcome matches.
	Success *bool
	// Since drops runs started before it.
	Since  time.Time
	Limit  int
	Offset int
	Newest bool
}

// RecentRuns is the default listing: the newest hundred runs.
func RecentRuns() Query {
	return Query{Limit: 100, Newest: true}
}

// Page returns q limited to n runs after skipping offset.
func (q Query) Page(n, offset int) Query {
	q.Limit, q.Offset = n, offset
	return q
}

// NewestFirst returns q ordered by start time, newest first when on.
func (q Query) NewestFirst(on bool) Query {
	q.Newest = on
	return q
}

// WithStatus returns q restricted to one terminal state.
func (q Query) WithStatus(status string) Query {
	q.Status = status
	return q
}

// Succeeded returns q restricted to successful (or failed) runs.
func (q Query) Succeeded(ok bool) Query {
	q.Success = &ok
	return q
}

// After returns q restricted to runs started at or after t.
func (q Query) After(t time.Time) Query {
	q.Since = t
	return q
}

func (q Query) where() (string, []any, error) {
	var (
		parts []string
		args  []any
	)
	switch q.Status {
	case "":
	case StatusComplete, StatusError:
		parts = append(parts, "status = ?")
		args = append(args, q.Status)
	default:
		return "", nil, fmt.Errorf("%w: status %q", ErrInvalidQuery, q.Status)
	}
	if q.Success != nil {
		parts = append(parts, "success = ?")
		args = append(args, *q.Success)
	}
	if !q.Since.IsZero() {
		parts = append(parts, "started_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func (q Query) tail() string {
	s := " ORDER BY started_at ASC"
	if q.Newest {
		s = " ORDER BY started_at DESC"
	}
	if q.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	}
	return s
}
