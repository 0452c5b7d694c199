// Package vector connects to the semantic retrieval service and provides an
// in-process fallback index.
package vector

import "context"

// Match is one semantic search hit.
type Match struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// Index is what callers need from a semantic store. Implementations may be
// remote; callers treat errors as recoverable.
type Index interface {
	Upsert(ctx context.Context, id, text string, metadata map[string]any) error
	Query(ctx context.Context, text string, topK int) ([]Match, error)
	Delete(ctx context.Context, id string) error
	Healthy(ctx context.Context) bool
}
