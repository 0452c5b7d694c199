package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/joss/kado/internal/apperr"
)

// ErrScriptExhausted is returned when a Scripted provider runs out of replies.
var ErrScriptExhausted = apperr.New(apperr.KindValidation, "llm.scripted", "script exhausted")

// ReplyFunc computes a reply from the conversation.
type ReplyFunc func(ctx context.Context, messages []Message, opts Options) (*Response, error)

// Call is one recorded request to a Scripted provider.
type Call struct {
	Messages []Message
	Options  Options
}

// Scripted replays canned replies in order. It backs tests and offline runs.
// Safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	replies []ReplyFunc
	fn      ReplyFunc
	calls   []Call
	delay   time.Duration
}

// NewScripted returns a provider answering each call with the next text.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.AddText(t)
	}
	return s
}

// NewScriptedFunc answers every call with fn.
func NewScriptedFunc(fn ReplyFunc) *Scripted {
	return &Scripted{fn: fn}
}

// AddText queues a plain text reply.
func (s *Scripted) AddText(text string) *Scripted {
	return s.Add(func(context.Context, []Message, Options) (*Response, error) {
		return &Response{Content: text, FinishReason: "end_turn"}, nil
	})
}

// AddError queues a failing reply.
func (s *Scripted) AddError(err error) *Scripted {
	return s.Add(func(context.Context, []Message, Options) (*Response, error) {
		return nil, err
	})
}

// Add queues a computed reply.
func (s *Scripted) Add(fn ReplyFunc) *Scripted {
	s.mu.Lock()
	s.replies = append(s.replies, fn)
	s.mu.Unlock()
	return s
}

// WithDelay makes every call wait d, honouring cancellation.
func (s *Scripted) WithDelay(d time.Duration) *Scripted {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
	return s
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Remaining is the number of queued replies.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Complete(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Messages: append([]Message(nil), messages...), Options: opts})
	delay := s.delay
	fn := s.fn
	if fn == nil && len(s.replies) > 0 {
		fn = s.replies[0]
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrScriptExhausted
	}

	resp, err := fn(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if resp.Usage.TotalTokens == 0 {
		prompt := 0
		for _, m := range messages {
			prompt += estimate(m.Content)
		}
		resp.Usage = Usage{PromptTokens: prompt, CompletionTokens: estimate(resp.Content)}
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return resp, nil
}

// Stream emits the scripted reply word by word.
func (s *Scripted) Stream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	resp, err := s.Complete(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	words := strings.SplitAfter(resp.Content, " ")
	// Buffered for the whole reply so the sender never outlives a reader
	// that stopped early.
	ch := make(chan StreamChunk, len(words)+len(resp.ToolCalls)+1)
	go func() {
		defer close(ch)
		for _, w := range words {
			if ctx.Err() != nil {
				ch <- StreamChunk{Done: true, Err: ctx.Err()}
				return
			}
			if w != "" {
				ch <- StreamChunk{Content: w}
			}
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			ch <- StreamChunk{ToolCall: &tc}
		}
		usage := resp.Usage
		ch <- StreamChunk{Usage: &usage, Done: true}
	}()
	return ch, nil
}

// estimate is ceil(runes/4).
func estimate(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

var _ Provider = (*Scripted)(nil)
