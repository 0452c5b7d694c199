package memory

import (
	"context"
	"sync"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History stores conversation turns per session.
type History interface {
	Append(ctx context.Context, sessionID string, m Message) error
	// Recent returns up to n of the latest messages, oldest first.
	Recent(ctx context.Context, sessionID string, n int) ([]Message, error)
}

// MemoryHistory is an in-process History.
type MemoryHistory struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{sessions: make(map[string][]Message)}
}

// Append records m.
func (h *MemoryHistory) Append(_ context.Context, sessionID string, m Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.sessions[sessionID] = append(h.sessions[sessionID], m)
	h.mu.Unlock()
	return nil
}

// Recent returns the latest n messages.
func (h *MemoryHistory) Recent(_ context.Context, sessionID string, n int) ([]Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.sessions[sessionID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Message(nil), msgs...), nil
}

// Summarize renders the last few messages, each clipped, for prompts.
func Summarize(msgs []Message, last, clip int) string {
	if last > 0 && len(msgs) > last {
		msgs = msgs[len(msgs)-last:]
	}
	out := make([]byte, 0, 256)
	for i, m := range msgs {
		if i > 0 {
			out = append(out, '\n')
		}
		content := m.Content
		if clip > 0 {
			if r := []rune(content); len(r) > clip {
				content = string(r[:clip])
			}
		}
		out = append(out, '[')
		out = append(out, m.Role...)
		out = append(out, "]: "...)
		out = append(out, content...)
	}
	return string(out)
}

var _ History = (*MemoryHistory)(nil)
