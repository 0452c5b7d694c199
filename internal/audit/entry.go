// Package audit keeps the append-only record of permission decisions and
// guarded actions.
package audit

import (
	"time"
)

// Result is the outcome recorded for an action.
type Result string

const (
	ResultAllowed Result = "allowed"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	switch r {
	case ResultAllowed, ResultDenied, ResultError:
		return true
	}
	return false
}

// Entry is one immutable audit record, stored as a single JSON line.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Result    Result         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	AgentID string
	Action  string
	Result  Result
	Since   time.Time
	Until   time.Time
	// Limit keeps only the most recent N matches (still chronological).
	Limit int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
