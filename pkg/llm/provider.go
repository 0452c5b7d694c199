// Package llm defines the model provider contract and its implementations.
package llm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model's request to run a tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn sent to the model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// ToolSpec advertises a tool. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options tunes one call. Zero values mean provider defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	Tools       []ToolSpec
}

// Temperature is a helper for Options.Temperature.
func Temperature(t float64) *float64 { return &t }

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed model call.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	FinishReason string     `json:"finish_reason"`
}

// StreamChunk is one increment of a streamed response. The final chunk has
// Done set; a failed stream ends with Done and Err.
type StreamChunk struct {
	Content  string
	ToolCall *ToolCall
	Usage    *Usage
	Done     bool
	Err      error
}

// Provider is a model backend. Cancelling ctx aborts the call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message, opts Options) (*Response, error)
	Stream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
}

// ErrStreamIncomplete is returned by Collect when the channel closes before
// a Done chunk arrives.
var ErrStreamIncomplete = errors.New("stream closed before completion")

// Collect drains a stream into a Response.
func Collect(ch <-chan StreamChunk) (*Response, error) {
	var b strings.Builder
	resp := &Response{FinishReason: "end_turn"}
	done := false
	for c := range ch {
		b.WriteString(c.Content)
		if c.ToolCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, *c.ToolCall)
		}
		if c.Usage != nil {
			resp.Usage = *c.Usage
		}
		if c.Done {
			done = true
			if c.Err != nil {
				resp.Content = b.String()
				return resp, c.Err
			}
			break
		}
	}
	resp.Content = b.String()
	if !done {
		return resp, ErrStreamIncomplete
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = "tool_use"
	}
	return resp, nil
}

// ErrUnknownProvider is returned by Registry.Get for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry holds the available providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
